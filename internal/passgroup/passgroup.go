// Package passgroup loads and filters pass-group configuration (spec §6
// "Pass group configuration"): a JSON file naming three pass lists (first,
// main, last), each entry optionally scoped to include/exclude option sets
// and to C-only or renaming-only passes.
//
// encoding/json is used here deliberately: no JSON library appears in the
// teacher's or the wider pack's dependency surface (the pack's jsonenc
// package only appends float values into an existing log encoder; it is not
// a general decoder), so this is a justified standard-library use, recorded
// in DESIGN.md.
package passgroup

import (
	"encoding/json"
	"io"
	"os"

	"github.com/marxin/cvise/internal/cverr"
	"github.com/marxin/cvise/internal/passproto"
)

// Entry is one configured pass invocation within a category.
type Entry struct {
	Pass      string   `json:"pass"`
	Arg       string   `json:"arg,omitempty"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	C         bool     `json:"c,omitempty"`
	Renaming  bool     `json:"renaming,omitempty"`
}

// Group is the decoded pass-group document.
type Group struct {
	First []Entry `json:"first"`
	Main  []Entry `json:"main"`
	Last  []Entry `json:"last"`
}

// Load reads and decodes a pass-group JSON document.
func Load(r io.Reader) (*Group, error) {
	var g Group
	dec := json.NewDecoder(r)
	if err := dec.Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadFile opens and loads a pass-group JSON file from disk.
func LoadFile(path string) (*Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cverr.MissingPassGroups()
	}
	defer f.Close()
	return Load(f)
}

// FilterOptions controls which Entry values survive Filter, mirroring
// parse_pass_group_dict's include/exclude/not-c/renaming handling.
type FilterOptions struct {
	// NotC skips entries with C == true (the --not-c CLI flag).
	NotC bool
	// Renaming includes entries with Renaming == true; without it, such
	// entries are skipped (the --renaming CLI flag gates them in).
	Renaming bool
}

// Filter returns the subset of entries that should run given opts and the
// enabled pass Option set (slow/windows), mirroring the distillation logic
// of CVise.parse_pass_group_dict: an entry runs only if every declared
// Include option is enabled and no declared Exclude option is enabled.
func Filter(entries []Entry, enabled map[passproto.Option]bool, opts FilterOptions) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.C && opts.NotC {
			continue
		}
		if e.Renaming && !opts.Renaming {
			continue
		}
		if !satisfies(e.Include, enabled, true) {
			continue
		}
		if !satisfies(e.Exclude, enabled, false) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// satisfies checks, for Include, that every named option is enabled; for
// Exclude, that none is enabled (wantEnabled distinguishes the two).
func satisfies(names []string, enabled map[passproto.Option]bool, wantEnabled bool) bool {
	for _, n := range names {
		opt := passproto.Option(n)
		isEnabled := enabled[opt]
		if wantEnabled && !isEnabled {
			return false
		}
		if !wantEnabled && isEnabled {
			return false
		}
	}
	return true
}
