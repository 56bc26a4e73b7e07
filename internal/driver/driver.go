// Package driver implements the overall reduction driver (spec §4.1) and
// pass driver (spec §4.8): it is a generalized port of cvise.py's CVise
// class - reduce()/_check_prerequisites()/_run_additional_passes()/
// _run_main_passes() - plus the sanity-check/backup bookkeeping from
// cvise/utils/testing.py's TestManager. Where CVise.py drives a single
// global TestManager instance, Driver composes the already-generalized
// internal/engine.Engine, internal/cache.Cache and internal/stats package
// built earlier, running one parallel engine per (pass, test case) pair.
package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/marxin/cvise/internal/cache"
	"github.com/marxin/cvise/internal/catratelimit"
	"github.com/marxin/cvise/internal/cverr"
	"github.com/marxin/cvise/internal/cvlog"
	"github.com/marxin/cvise/internal/engine"
	"github.com/marxin/cvise/internal/fileutil"
	"github.com/marxin/cvise/internal/keyreader"
	"github.com/marxin/cvise/internal/passgroup"
	"github.com/marxin/cvise/internal/passproto"
	"github.com/marxin/cvise/internal/stats"
	"github.com/marxin/cvise/internal/testcase"
	"github.com/marxin/cvise/internal/testenv"
)

// PassLookup resolves one configured pass-group entry into a usable Pass,
// mirroring CVise.pass_name_mapping. Implementations are supplied by the
// command-line layer, which owns the registry of concrete reduction passes.
type PassLookup func(entry passgroup.Entry) (passproto.Pass, error)

// Options configures a Driver, mirroring the CLI-tunable fields of
// TestManager's constructor plus engine.Config's knobs (spec §6 "CLI
// flags").
type Options struct {
	Workers                 int
	Timeout                 time.Duration
	MaxTimeouts             int
	GiveUpConstant          int
	NoGiveUp                bool
	MaxCrashDirs            int
	MaxExtraDirs            int
	MaxImprovement          int64
	AlsoInterestingExitCode int
	SkipAfterNTransforms    int
	TmpRoot                 string
	SaveTemps               bool

	// Tidy disables the .orig backup step (--tidy).
	Tidy bool
	// NoCache disables the per-pass cache entirely (--no-cache).
	NoCache bool

	DieOnPassBug           bool
	NoDiagnosticsOnPassBug bool

	// SkipInitialPasses skips step 3 of §4.1 entirely (--skip-initial-passes).
	SkipInitialPasses bool
	// StartWithPass, if set, skips every pass (across all categories) until
	// an entry with this configured pass name is reached, mirroring
	// TestManager.start_with_pass.
	StartWithPass string

	NotC     bool
	Renaming bool

	// StoppingThreshold, if > 0, stops a pass-on-test-case run once the
	// test-case set's total size has fallen to (1-threshold) of its size at
	// the very start of the reduction (spec §4.6 "Stop conditions").
	StoppingThreshold float64

	// KeyReader, if non-nil, is polled in the background for the 's'
	// (skip) and 'd' (toggle diff printing) keys (spec §4.6 "Skip
	// interaction", spec §9 "Key input").
	KeyReader *keyreader.Reader
}

// Driver runs the full reduction loop for one test-case set against one
// pass group, mirroring CVise.reduce.
type Driver struct {
	opts   Options
	lookup PassLookup
	stats  *stats.PassStatistic
	cache  *cache.Cache

	skip      atomic.Bool
	printDiff atomic.Bool

	startSize int64
}

// New constructs a Driver. lookup resolves configured pass entries into
// concrete passes; stats (if nil) is allocated internally.
func New(opts Options, lookup PassLookup, st *stats.PassStatistic) *Driver {
	if st == nil {
		st = stats.New()
	}
	d := &Driver{opts: opts, lookup: lookup, stats: st}
	if !opts.NoCache {
		d.cache = cache.New(opts.TmpRoot)
	}
	cvlog.SetRateLimits(catratelimit.DefaultRates())
	return d
}

// Stats exposes the accumulated per-pass statistics (spec §6 "Final
// report").
func (d *Driver) Stats() *stats.PassStatistic { return d.stats }

// Reduce runs the full driver: sanity check, backup, initial passes, the
// main-pass fixpoint loop, cleanup passes - spec §4.1.
func (d *Driver) Reduce(ctx context.Context, group *passgroup.Group, tc *testcase.Set, predicateScript string) error {
	if err := d.verifyPredicate(predicateScript); err != nil {
		return err
	}
	if err := tc.Validate(); err != nil {
		return err
	}
	if err := d.checkSanity(ctx, tc, predicateScript); err != nil {
		return err
	}

	if !d.opts.Tidy {
		for _, p := range tc.Paths {
			if err := fileutil.Backup(filepath.Join(tc.Root, p)); err != nil {
				return err
			}
		}
	}

	startSize, err := tc.TotalSize()
	if err != nil {
		return err
	}
	d.startSize = startSize

	if d.opts.KeyReader != nil {
		go d.watchKeys(ctx)
	}

	enabled := map[passproto.Option]bool{}
	filterOpts := passgroup.FilterOptions{NotC: d.opts.NotC, Renaming: d.opts.Renaming}

	started := d.opts.StartWithPass == ""

	if !d.opts.SkipInitialPasses {
		for _, entry := range passgroup.Filter(group.First, enabled, filterOpts) {
			if started = started || entry.Pass == d.opts.StartWithPass; !started {
				continue
			}
			if err := d.runEntryOverAllTestCases(ctx, entry, tc, predicateScript); err != nil {
				return err
			}
		}
	}

	mainEntries := passgroup.Filter(group.Main, enabled, filterOpts)
	for {
		before, err := tc.TotalSize()
		if err != nil {
			return err
		}

		for _, entry := range mainEntries {
			if started = started || entry.Pass == d.opts.StartWithPass; !started {
				continue
			}
			if err := d.runEntryOverAllTestCases(ctx, entry, tc, predicateScript); err != nil {
				return err
			}
			if zero, err := tc.AllZeroSize(); err == nil && zero {
				return cverr.ZeroSize(len(tc.Paths) > 1)
			}
		}

		after, err := tc.TotalSize()
		if err != nil {
			return err
		}
		cvlog.Infof(cvlog.CategoryDriver, "main-pass sweep: %d -> %d bytes", before, after)
		if after >= before {
			break
		}
	}

	for _, entry := range passgroup.Filter(group.Last, enabled, filterOpts) {
		if started = started || entry.Pass == d.opts.StartWithPass; !started {
			continue
		}
		if err := d.runEntryOverAllTestCases(ctx, entry, tc, predicateScript); err != nil {
			return err
		}
	}

	if d.cache != nil {
		d.cache.Close()
	}
	return nil
}

// verifyPredicate checks the interestingness test is executable, mirroring
// the first half of spec §4.1 step 1.
func (d *Driver) verifyPredicate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return cverr.Wrap(cverr.KindInvalidPredicate, err, "predicate %q not accessible", path)
	}
	if info.Mode()&0o111 == 0 {
		return cverr.InvalidPredicate(path)
	}
	return nil
}

// checkSanity runs the predicate once, unmodified, in a scratch directory,
// failing hard if it is not interesting on the unreduced input - mirroring
// TestManager.check_sanity.
func (d *Driver) checkSanity(ctx context.Context, tc *testcase.Set, predicateScript string) error {
	if err := fileutil.MkdirUpTo(d.opts.TmpRoot, filepath.Dir(d.opts.TmpRoot)); err != nil {
		return err
	}
	env, err := testenv.New(d.opts.TmpRoot, 0, tc.Root, tc.Paths, tc.Paths[0], predicateScript, nil, nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		if !d.opts.SaveTemps {
			env.Release()
		}
	}()

	code := env.RunPredicateOnly()
	if code != 0 {
		return cverr.InsanePredicate(tc.Paths, predicateScript)
	}
	cvlog.Debugf(cvlog.CategoryDriver, "sanity check passed")
	return nil
}

// runEntryOverAllTestCases resolves one pass-group entry and, if its
// prerequisites hold, runs it via the parallel engine against every test
// case in decreasing size order - spec §4.1 "Each pass runs ... per test
// case in order of decreasing size", §4.8.
func (d *Driver) runEntryOverAllTestCases(ctx context.Context, entry passgroup.Entry, tc *testcase.Set, predicateScript string) error {
	pass, err := d.lookup(entry)
	if err != nil {
		return err
	}
	if !pass.CheckPrerequisites() {
		cvlog.Warnf(cvlog.CategoryDriver, "skipping %s: missing prerequisites", pass.Identity())
		return nil
	}

	cvlog.Infof(cvlog.CategoryDriver, "===< %s >===", pass.Identity())
	d.skip.Store(false)

	eng := engine.New(engine.Config{
		Workers:                 d.opts.Workers,
		Timeout:                 d.opts.Timeout,
		MaxTimeouts:             d.opts.MaxTimeouts,
		GiveUpConstant:          d.opts.GiveUpConstant,
		NoGiveUp:                d.opts.NoGiveUp,
		MaxCrashDirs:            d.opts.MaxCrashDirs,
		MaxExtraDirs:            d.opts.MaxExtraDirs,
		MaxImprovement:          d.opts.MaxImprovement,
		AlsoInterestingExitCode: d.opts.AlsoInterestingExitCode,
		SkipAfterNTransforms:    d.opts.SkipAfterNTransforms,
		TmpRoot:                 d.opts.TmpRoot,
		SaveTemps:               d.opts.SaveTemps,
		DieOnPassBug:            d.opts.DieOnPassBug,
		NoDiagnosticsOnPassBug:  d.opts.NoDiagnosticsOnPassBug,
		SkipRequested:           d.skipOrBelowThreshold(tc),
		Stats:                   d.stats,
	})

	for _, primary := range tc.SortedBySizeDescending() {
		if d.skip.Load() {
			break
		}
		if err := d.runOneTestCase(ctx, eng, pass, tc, primary, predicateScript); err != nil {
			return err
		}
	}
	return nil
}

// runOneTestCase wraps a single engine.Run call with the per-pass cache
// check/store of spec §4.7.
func (d *Driver) runOneTestCase(ctx context.Context, eng *engine.Engine, pass passproto.Pass, tc *testcase.Set, primary, predicateScript string) error {
	full := filepath.Join(tc.Root, primary)

	var preImage string
	if d.cache != nil {
		fp, err := cache.Fingerprint(full)
		if err == nil {
			preImage = fp
			if hit := d.cache.Lookup(pass.Identity(), fp); hit != "" {
				cvlog.Debugf(cvlog.CategoryCache, "cache hit for %s on %s", pass.Identity(), primary)
				return fileutil.ReplaceAtomically(hit, full)
			}
		}
	}

	_, err := eng.Run(ctx, pass, tc.Root, tc.Paths, primary, predicateScript)
	if err != nil {
		return err
	}

	if d.cache != nil && preImage != "" {
		if err := d.cache.Add(pass.Identity(), preImage, tc.Root, primary); err != nil {
			cvlog.Warnf(cvlog.CategoryCache, "failed to cache %s result for %s: %v", pass.Identity(), primary, err)
		}
	}
	return nil
}

// skipOrBelowThreshold builds the engine.Config.SkipRequested closure: it
// fires on the 's' keypress (spec §4.6 "Skip interaction") or once the
// test-case set has shrunk to the configured stopping threshold (spec §4.6
// "Stop conditions").
func (d *Driver) skipOrBelowThreshold(tc *testcase.Set) func() bool {
	return func() bool {
		if d.skip.Load() {
			return true
		}
		if d.opts.StoppingThreshold <= 0 || d.startSize <= 0 {
			return false
		}
		current, err := tc.TotalSize()
		if err != nil {
			return false
		}
		target := float64(d.startSize) * (1 - d.opts.StoppingThreshold)
		return float64(current) <= target
	}
}

// watchKeys polls the configured key reader for 's'/'d' keypresses for the
// lifetime of ctx, mirroring cvise's KeyLogger affordance.
func (d *Driver) watchKeys(ctx context.Context) {
	for key := range keyreader.Watch(ctx, d.opts.KeyReader) {
		switch key {
		case 's':
			d.skip.Store(true)
			cvlog.Infof(cvlog.CategoryDriver, "skip requested")
		case 'd':
			next := !d.printDiff.Load()
			d.printDiff.Store(next)
			cvlog.Infof(cvlog.CategoryDriver, "diff printing toggled: %v", next)
		}
	}
}

// PrintDiff reports whether diff printing is currently enabled (toggled by
// the 'd' keypress). cmd/cvise does not call it, and no diff is printed.
func (d *Driver) PrintDiff() bool { return d.printDiff.Load() }
