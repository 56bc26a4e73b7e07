package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"github.com/marxin/cvise/internal/cverr"
	"github.com/marxin/cvise/internal/cvlog"
	"github.com/marxin/cvise/internal/driver"
	"github.com/marxin/cvise/internal/fileutil"
	"github.com/marxin/cvise/internal/keyreader"
	"github.com/marxin/cvise/internal/passes"
	"github.com/marxin/cvise/internal/passgroup"
	"github.com/marxin/cvise/internal/passproto"
	"github.com/marxin/cvise/internal/testcase"
)

// reduceCmd implements the reducer's single subcommand: reduce a set of
// test cases against an interestingness test, mirroring CVise.reduce driven
// by flags equivalent to the upstream cvise.py argument parser (spec §6).
type reduceCmd struct {
	workers                 int
	timeout                 time.Duration
	saveTemps               bool
	tidy                    bool
	noCache                 bool
	skipInitialPasses       bool
	noGiveUp                bool
	maxImprovement          int64
	alsoInteresting         int
	skipAfterNTransforms    int
	stoppingThreshold       float64
	passGroupFile           string
	removePass              string
	startWithPass           string
	listPasses              bool
	notC                    bool
	renaming                bool
	dieOnPassBug            bool
	noDiagnosticsOnPassBug  bool
	maxCrashDirs            int
	maxExtraDirs            int
	maxTimeouts             int
	giveUpConstant          int
	tmpRoot                 string
}

func (*reduceCmd) Name() string     { return "reduce" }
func (*reduceCmd) Synopsis() string { return "reduce test cases against an interestingness test" }
func (*reduceCmd) Usage() string {
	return "reduce [flags] interestingness_test test_case...\n"
}

func (c *reduceCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "n", 1, "number of parallel worker jobs")
	f.DurationVar(&c.timeout, "timeout", 300*time.Second, "per-candidate wall-clock timeout")
	f.BoolVar(&c.saveTemps, "save-temps", false, "do not delete /tmp/cvise-* directories on exit")
	f.BoolVar(&c.tidy, "tidy", false, "do not create .orig backup files")
	f.BoolVar(&c.noCache, "no-cache", false, "disable the per-pass cache")
	f.BoolVar(&c.skipInitialPasses, "skip-initial-passes", false, "skip the initial pass group")
	f.BoolVar(&c.noGiveUp, "no-give-up", false, "never abandon a pass as \"stuck\"")
	f.Int64Var(&c.maxImprovement, "max-improvement", 0, "ignore candidates that shrink the test case by more than this many bytes (0 disables the cap)")
	f.IntVar(&c.alsoInteresting, "also-interesting", -1, "predicate exit code that marks a variant as worth saving but not accepting")
	f.IntVar(&c.skipAfterNTransforms, "skip-after-n-transforms", 0, "stop a pass-on-test-case run after this many candidates (0 disables)")
	f.Float64Var(&c.stoppingThreshold, "stopping-threshold", 0, "stop early once the test-case set has shrunk by this fraction (0 disables)")
	f.StringVar(&c.passGroupFile, "pass-group-file", "", "path to a pass-group JSON file (spec §6); built-in passes are used if empty")
	f.StringVar(&c.removePass, "remove-pass", "", "comma-separated list of pass names to remove from the configured group")
	f.StringVar(&c.startWithPass, "start-with-pass", "", "skip every pass until this pass name is reached")
	f.BoolVar(&c.listPasses, "list-passes", false, "print the built-in pass registry and exit")
	f.BoolVar(&c.notC, "not-c", false, "skip passes marked c:true in the pass group")
	f.BoolVar(&c.renaming, "renaming", false, "include passes marked renaming:true in the pass group")
	f.BoolVar(&c.dieOnPassBug, "die-on-pass-bug", false, "escalate every pass-bug diagnostic to a fatal error")
	f.BoolVar(&c.noDiagnosticsOnPassBug, "no-diagnostics-on-pass-bug", false, "suppress crash-dir dumps for pass bugs (still counted)")
	f.IntVar(&c.maxCrashDirs, "max-crash-dirs", 10, "bound on cvise_bug_NN/ dumps per run")
	f.IntVar(&c.maxExtraDirs, "max-extra-dirs", 25000, "bound on cvise_extra_NNNNN/ dumps per run")
	f.IntVar(&c.maxTimeouts, "max-timeouts", 20, "abandon a pass-on-test-case run after this many timeouts")
	f.IntVar(&c.giveUpConstant, "give-up-constant", 50000, "abandon a pass-on-test-case run after this many failures without success")
	f.StringVar(&c.tmpRoot, "tmp-root", "", "directory under which scratch workspaces are created (defaults to os.TempDir())")
}

func (c *reduceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.listPasses {
		names := make([]string, 0, len(passes.Registry))
		for name := range passes.Registry {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
		return subcommands.ExitSuccess
	}

	args := f.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: "+c.Usage())
		return subcommands.ExitUsageError
	}
	predicateScript, testCasePaths := args[0], args[1:]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.run(ctx, predicateScript, testCasePaths); err != nil {
		return reportErr(err)
	}
	return subcommands.ExitSuccess
}

func (c *reduceCmd) run(ctx context.Context, predicateScript string, testCasePaths []string) error {
	absPredicate, err := filepath.Abs(predicateScript)
	if err != nil {
		return err
	}

	root, rels, err := commonRootAndRelatives(testCasePaths)
	if err != nil {
		return err
	}
	tc := &testcase.Set{Root: root, Paths: rels}

	group, err := c.loadPassGroup()
	if err != nil {
		return err
	}
	removed := splitCSV(c.removePass)
	group.First = filterRemoved(group.First, removed)
	group.Main = filterRemoved(group.Main, removed)
	group.Last = filterRemoved(group.Last, removed)

	tmpRoot := c.tmpRoot
	if tmpRoot == "" {
		tmpRoot = os.TempDir()
	}
	runRoot := filepath.Join(tmpRoot, fileutil.RandomTempName())
	if err := os.MkdirAll(runRoot, 0o777); err != nil {
		return err
	}
	if !c.saveTemps {
		defer fileutil.RemoveFolder(runRoot)
	}

	opts := driver.Options{
		Workers:                 c.workers,
		Timeout:                 c.timeout,
		MaxTimeouts:             c.maxTimeouts,
		GiveUpConstant:          c.giveUpConstant,
		NoGiveUp:                c.noGiveUp,
		MaxCrashDirs:            c.maxCrashDirs,
		MaxExtraDirs:            c.maxExtraDirs,
		MaxImprovement:          c.maxImprovement,
		AlsoInterestingExitCode: c.alsoInteresting,
		SkipAfterNTransforms:    c.skipAfterNTransforms,
		TmpRoot:                 runRoot,
		SaveTemps:               c.saveTemps,
		Tidy:                    c.tidy,
		NoCache:                 c.noCache,
		DieOnPassBug:            c.dieOnPassBug,
		NoDiagnosticsOnPassBug:  c.noDiagnosticsOnPassBug,
		SkipInitialPasses:       c.skipInitialPasses,
		StartWithPass:           c.startWithPass,
		NotC:                    c.notC,
		Renaming:                c.renaming,
		StoppingThreshold:       c.stoppingThreshold,
	}

	if kr, err := keyreader.Open(); err == nil {
		opts.KeyReader = kr
		defer kr.Close()
	} else {
		cvlog.Debugf(cvlog.CategoryCLI, "'s'/'d' key input disabled: %v", err)
	}

	d := driver.New(opts, passResolver(), nil)
	if err := d.Reduce(ctx, group, tc, absPredicate); err != nil {
		return err
	}

	for _, r := range d.Stats().SortedResults() {
		cvlog.Infof(cvlog.CategoryCLI, "%-40s %8.2fs worked=%d failed=%d executed=%d",
			r.PassIdentity, r.TotalSeconds, r.Worked, r.Failed, r.TotallyExecuted)
	}
	return nil
}

// loadPassGroup loads the configured pass-group file, or falls back to a
// single-category group naming every built-in pass (spec §6 "Pass group
// configuration" describes the file format; omitting --pass-group-file puts
// every registered pass, in name order, in the main category, which repeats
// until a sweep no longer shrinks the test cases).
func (c *reduceCmd) loadPassGroup() (*passgroup.Group, error) {
	if c.passGroupFile != "" {
		return passgroup.LoadFile(c.passGroupFile)
	}

	names := make([]string, 0, len(passes.Registry))
	for name := range passes.Registry {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]passgroup.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, passgroup.Entry{Pass: name})
	}
	return &passgroup.Group{Main: entries}, nil
}

// passResolver builds a driver.PassLookup over the built-in registry,
// mirroring CVise.pass_name_mapping's lookup. Removed passes are dropped
// before lookup, by filterRemoved in run (--remove-pass matches by
// configured name rather than full Identity(), since the latter isn't known
// until after construction).
func passResolver() driver.PassLookup {
	return func(entry passgroup.Entry) (passproto.Pass, error) {
		factory, ok := passes.Registry[entry.Pass]
		if !ok {
			return nil, cverr.UnknownPassArgument(entry.Pass, entry.Arg)
		}
		return factory(entry.Arg), nil
	}
}

// filterRemoved drops every entry named in removed, mirroring --remove-pass
// filtering out pass_group entries before parse_pass_group_dict runs them.
func filterRemoved(entries []passgroup.Entry, removed map[string]bool) []passgroup.Entry {
	if len(removed) == 0 {
		return entries
	}
	out := make([]passgroup.Entry, 0, len(entries))
	for _, e := range entries {
		if !removed[e.Pass] {
			out = append(out, e)
		}
	}
	return out
}

func splitCSV(s string) map[string]bool {
	out := map[string]bool{}
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ",") {
		out[strings.TrimSpace(p)] = true
	}
	return out
}

// commonRootAndRelatives finds the deepest common parent directory of every
// test-case path's directory and returns it along with each path rewritten
// relative to it, matching the engine's expectation of a single Root shared
// by all test cases (spec §3 "TestCase").
func commonRootAndRelatives(paths []string) (root string, rels []string, err error) {
	dirParts := make([][]string, len(paths))
	abss := make([]string, len(paths))
	for i, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", nil, err
		}
		abss[i] = a
		dirParts[i] = strings.Split(filepath.Dir(a), string(filepath.Separator))
	}

	common := dirParts[0]
	for _, parts := range dirParts[1:] {
		n := len(common)
		if len(parts) < n {
			n = len(parts)
		}
		i := 0
		for i < n && common[i] == parts[i] {
			i++
		}
		common = common[:i]
	}
	root = strings.Join(common, string(filepath.Separator))
	if root == "" {
		root = string(filepath.Separator)
	}

	rels = make([]string, len(abss))
	for i, a := range abss {
		r, err := filepath.Rel(root, a)
		if err != nil {
			return "", nil, err
		}
		rels[i] = r
	}
	return root, rels, nil
}

func reportErr(err error) subcommands.ExitStatus {
	if cv, ok := err.(*cverr.Error); ok {
		fmt.Fprintln(os.Stderr, cv.Error())
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	return subcommands.ExitFailure
}
