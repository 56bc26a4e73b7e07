package passes

import (
	"regexp"

	"github.com/marxin/cvise/internal/passproto"
)

var blankLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*$`),
	regexp.MustCompile(`^#`),
}

// Blank deletes blank lines and preprocessor-directive-looking ("#...")
// lines, a direct (non-hint-based) port of BlankPass's two regex patterns
// onto the classic binary-search pass shape, matching Lines' structure but
// restricted to the subset of lines the original's blankline/hashline
// patterns match.
type Blank struct{}

func NewBlank(string) *Blank { return &Blank{} }

func (p *Blank) Identity() string { return "Blank" }

func (p *Blank) CheckPrerequisites() bool { return true }

func (p *Blank) New(testCaseRoot string) (passproto.State, error) {
	matches, err := matchingLines(testCaseRoot)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return passproto.NewBinarySearchState(len(matches)), nil
}

func (p *Blank) Advance(testCaseRoot string, state passproto.State) (passproto.State, error) {
	bs, ok := state.(*passproto.BinarySearchState)
	if !ok || bs == nil {
		return nil, nil
	}
	next := bs.Advance()
	if next == nil {
		return nil, nil
	}
	return next, nil
}

func (p *Blank) AdvanceOnSuccess(testCaseRoot string, state passproto.State) (passproto.State, error) {
	bs, ok := state.(*passproto.BinarySearchState)
	if !ok || bs == nil {
		return nil, nil
	}
	matches, err := matchingLines(testCaseRoot)
	if err != nil {
		return nil, err
	}
	next := bs.AdvanceOnSuccess(len(matches))
	if next == nil {
		return nil, nil
	}
	return next, nil
}

func (p *Blank) Transform(testCasePath string, state passproto.State, notifier passproto.ProcessEventNotifier) (passproto.Result, passproto.State, error) {
	bs, ok := state.(*passproto.BinarySearchState)
	if !ok || bs == nil {
		return passproto.ResultStop, state, nil
	}

	lines, err := readLines(testCasePath)
	if err != nil {
		return passproto.ResultError, state, err
	}
	idxs := matchingIndices(lines)
	if bs.Index >= len(idxs) {
		return passproto.ResultInvalid, state, nil
	}
	end := bs.Index + bs.Chunk
	if end > len(idxs) {
		end = len(idxs)
	}
	if end <= bs.Index {
		return passproto.ResultInvalid, state, nil
	}

	toRemove := make(map[int]bool, end-bs.Index)
	for _, i := range idxs[bs.Index:end] {
		toRemove[i] = true
	}

	out := make([]string, 0, len(lines))
	for i, l := range lines {
		if !toRemove[i] {
			out = append(out, l)
		}
	}
	if len(out) == len(lines) {
		return passproto.ResultInvalid, state, nil
	}
	if err := writeLines(testCasePath, out); err != nil {
		return passproto.ResultError, state, err
	}
	return passproto.ResultOK, bs, nil
}

func matchingIndices(lines []string) []int {
	var out []int
	for i, l := range lines {
		for _, pat := range blankLinePatterns {
			if pat.MatchString(l) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func matchingLines(path string) ([]int, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	return matchingIndices(lines), nil
}
