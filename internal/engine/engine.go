// Package engine implements the parallel reduction engine (spec §4.6, "the
// heart of the core"): for one pass and one test case, it fans out up to W
// concurrent candidate evaluations, enforces leftmost-wins acceptance,
// advances pass state, detects stuck/buggy passes, and handles timeouts.
//
// It generalizes the channel-based worker/config idiom of
// microbatch/microbatch.go (a documented-zero-value BatcherConfig, a
// ctx/cancel pair, a sync.Once-guarded stop) into a FIFO, leftmost-wins
// scheduler. The "block until at least one job completes, then drain
// whatever else is ready" step (spec §4.6 steps 3-4) is implemented
// directly on github.com/joeycumines/go-longpoll's Channel function:
// MinSize: 1 gives "block for at least one", and a generous MaxSize lets the
// engine drain every job that's already finished in one pass without
// over-blocking on slow stragglers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/marxin/cvise/internal/cverr"
	"github.com/marxin/cvise/internal/cvlog"
	"github.com/marxin/cvise/internal/fileutil"
	"github.com/marxin/cvise/internal/passproto"
	"github.com/marxin/cvise/internal/procsup"
	"github.com/marxin/cvise/internal/stats"
	"github.com/marxin/cvise/internal/testenv"
)

// Config configures one Engine. Zero values select the documented defaults,
// in the same spirit as microbatch.BatcherConfig / longpoll.ChannelConfig.
type Config struct {
	// Workers is the worker-pool parallelism W. Defaults to 1.
	Workers int

	// Timeout is the per-job wall-clock timeout T. Defaults to 300s (spec
	// §5 "Timeouts").
	Timeout time.Duration

	// MaxTimeouts is MAX_TIMEOUTS: after this many timeouts within one
	// pass-on-test-case run, it is abandoned. Defaults to 20.
	MaxTimeouts int

	// GiveUpConstant is GIVEUP_CONSTANT: the order beyond which, absent any
	// success, the pass is abandoned as "stuck". Defaults to 50000.
	GiveUpConstant int

	// NoGiveUp disables give-up abandonment entirely (--no-give-up).
	NoGiveUp bool

	// MaxCrashDirs bounds how many pass-bug crash dumps are produced; the
	// count is shared by every Engine in the process. Defaults to 10.
	MaxCrashDirs int

	// MaxExtraDirs bounds how many "also interesting" / timeout workspaces
	// are preserved. Defaults to 25000.
	MaxExtraDirs int

	// MaxImprovement, if > 0, causes candidates whose size improvement
	// exceeds this many bytes to be ignored rather than accepted (spec §9,
	// open question: intentionally does not abort the pass).
	MaxImprovement int64

	// AlsoInterestingExitCode, if > 0, marks a predicate exit code that
	// should cause the workspace to be saved as "extra" without being
	// accepted (--also-interesting). The zero value disables the feature,
	// matching the CLI's documented default of "no also-interesting code";
	// a negative value disables it too, so callers can port the CLI's -1
	// sentinel unchanged.
	AlsoInterestingExitCode int

	// SkipAfterNTransforms, if > 0, stops the engine for this test case
	// after this many jobs have been evaluated (successful or not).
	SkipAfterNTransforms int

	// TmpRoot is the directory under which per-job TestEnvironments and
	// crash/extra dumps are created.
	TmpRoot string

	// SaveTemps copies each timed-out job's workspace to a cvise_extra_NNNNN
	// dump before it is released. Released workspaces are removed whether
	// or not SaveTemps is set.
	SaveTemps bool

	// DieOnPassBug escalates every non-fatal pass-bug Kind to a fatal error
	// (--die-on-pass-bug).
	DieOnPassBug bool

	// NoDiagnosticsOnPassBug suppresses crash-dir dumps (still counted)
	// while keeping the pass-bug report itself (--no-diagnostics-on-pass-bug).
	NoDiagnosticsOnPassBug bool

	// SkipRequested is polled between batches; if it returns true, the
	// engine stops this test case's loop at the next opportunity (the 's'
	// keypress affordance, spec §4.6 "Skip interaction").
	SkipRequested func() bool

	// Stats, if non-nil, receives execution statistics.
	Stats *stats.PassStatistic
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 300 * time.Second
	}
	return c.Timeout
}

func (c Config) maxTimeouts() int {
	if c.MaxTimeouts <= 0 {
		return 20
	}
	return c.MaxTimeouts
}

func (c Config) giveUpConstant() int {
	if c.GiveUpConstant <= 0 {
		return 50000
	}
	return c.GiveUpConstant
}

// alsoInterestingExitCode returns the configured code, or a sentinel below
// any valid exit status (disabling the feature) when AlsoInterestingExitCode
// is zero or negative.
func (c Config) alsoInterestingExitCode() int {
	if c.AlsoInterestingExitCode <= 0 {
		return -1
	}
	return c.AlsoInterestingExitCode
}

func (c Config) maxCrashDirs() int {
	if c.MaxCrashDirs <= 0 {
		return 10
	}
	return c.MaxCrashDirs
}

// huge-regression guard factor, spec §4.6 "Huge regression guard": abort if
// the primary test case grows to >= 3x its starting size.
const maxPassIncreaseFactor = 3

// Engine runs the parallel scheduler for a single pass against a single
// test case.
type Engine struct {
	cfg Config
	sup *procsup.Supervisor
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, sup: procsup.NewSupervisor()}
}

// RunResult summarizes one call to Run.
type RunResult struct {
	// Changed reports whether at least one candidate was accepted.
	Changed bool
	// FinalSize is the primary test case's size after Run returns.
	FinalSize int64
}

type job struct {
	order  int
	env    *testenv.Environment
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	once   sync.Once

	timedOut  bool
	cancelled bool
}

func (j *job) markDone() {
	j.once.Do(func() { close(j.doneCh) })
}

// Run drives the leftmost-wins loop of spec §4.6 for pass against the
// primary test case (a path relative to sourceRoot), copying allTestCases
// into every candidate workspace. sourceRoot is the live, on-disk test-case
// directory; Run mutates the primary test case in place on each accepted
// candidate, exactly as the engine is the sole writer of on-disk test cases
// (spec §5 "Shared resources").
func (e *Engine) Run(ctx context.Context, pass passproto.Pass, sourceRoot string, allTestCases []string, primary, predicateScript string) (RunResult, error) {
	var result RunResult

	primaryPath := filepath.Join(sourceRoot, primary)

	startSize, err := fileutil.FileSize(primaryPath)
	if err != nil {
		return result, err
	}
	result.FinalSize = startSize

	state, err := pass.New(primaryPath)
	if err != nil {
		return result, err
	}
	if state == nil {
		return result, nil
	}

	timeouts := 0
	order := 0
	executed := 0

	for state != nil {
		var (
			queue              []*job
			enumerationDrained bool
			resultsCh          = make(chan *job, e.cfg.workers()*2+4)
			sem                = make(chan struct{}, e.cfg.workers())
			wg                 sync.WaitGroup
		)

		schedule := func() {
			for state != nil && !enumerationDrained && len(queue) < e.cfg.workers() {
				env, err := testenv.New(e.cfg.TmpRoot, order, sourceRoot, allTestCases, primary, predicateScript, state.Clone(), procsup.NewQueue(), e.sup)
				if err != nil {
					enumerationDrained = true
					break
				}
				jctx, jcancel := context.WithTimeout(ctx, e.cfg.timeout())
				j := &job{order: order, env: env, ctx: jctx, cancel: jcancel, doneCh: make(chan struct{})}
				queue = append(queue, j)
				order++
				executed++

				wg.Add(1)
				sem <- struct{}{}
				go func(j *job) {
					defer wg.Done()
					defer func() { <-sem }()
					start := time.Now()
					runDone := make(chan struct{})
					go func() {
						j.env.Run(pass)
						close(runDone)
					}()
					select {
					case <-runDone:
					case <-j.ctx.Done():
						// Cancellation/timeout does not stop the predicate on
						// its own (spec §4.5): kill its process group and
						// wait for the background Run to actually return
						// before anyone releases the environment out from
						// under it.
						j.timedOut = true
					killLoop:
						for {
							j.env.Kill()
							select {
							case <-runDone:
								break killLoop
							case <-time.After(20 * time.Millisecond):
							}
						}
					}
					if e.cfg.Stats != nil {
						e.cfg.Stats.AddExecuted(pass.Identity(), time.Since(start), e.cfg.workers())
					}
					j.markDone()
					select {
					case resultsCh <- j:
					case <-ctx.Done():
					}
				}(j)

				next, err := pass.Advance(primaryPath, state)
				if err != nil || next == nil {
					enumerationDrained = true
					state = nil
					break
				}
				state = next
			}
		}

		schedule()

		var (
			winner   *job
			quit     bool
			giveUp   bool
			abortErr error
		)

		for !quit && (len(queue) > 0 || (!enumerationDrained && state != nil)) {
			if len(queue) == 0 {
				schedule()
				if len(queue) == 0 {
					break
				}
			}

			if err := waitForCompletions(ctx, resultsCh); err != nil {
				abortErr = err
				quit = true
				break
			}

		inspectFIFO:
			for len(queue) > 0 {
				front := queue[0]
				select {
				case <-front.doneCh:
				default:
					break inspectFIFO
				}

				queue = queue[1:]

				if front.timedOut {
					timeouts++
					e.maybeSaveExtra(front)
					if timeouts >= e.cfg.maxTimeouts() {
						quit = true
						cvlog.WarnfThrottled(cvlog.CategoryEngine, pass.Identity(),
							"pass %s: reached MAX_TIMEOUTS (%d); abandoning", pass.Identity(), e.cfg.maxTimeouts())
					}
					continue
				}

				verdict := e.classify(pass, front)
				switch verdict.kind {
				case verdictSuccess:
					winner = front
					quit = true
				case verdictStop:
					quit = true
					front.env.Release()
				case verdictPassBugError:
					quit = true
					if e.cfg.DieOnPassBug {
						abortErr = cverr.PassBug(cverr.KindPassBugError, pass.Identity(), verdict.detail, front.env.State.String(), "")
					}
					front.env.Release()
				case verdictStuck:
					giveUp = true
					quit = true
					e.maybeDumpBug(pass, front, "pass got stuck")
					if e.cfg.DieOnPassBug {
						abortErr = cverr.PassBug(cverr.KindPassBugStuck, pass.Identity(), "pass got stuck", "", "")
					}
					front.env.Release()
				case verdictFailure:
					if e.cfg.Stats != nil {
						e.cfg.Stats.AddFailure(pass.Identity())
					}
					if front.order > e.cfg.giveUpConstant() && !e.cfg.NoGiveUp {
						giveUp = true
						quit = true
						e.maybeDumpBug(pass, front, "pass got stuck")
						if e.cfg.DieOnPassBug {
							abortErr = cverr.PassBug(cverr.KindPassBugStuck, pass.Identity(), "pass got stuck", front.env.State.String(), "")
						}
					}
					front.env.Release()
				}

				if quit {
					break inspectFIFO
				}
			}

			if e.cfg.SkipRequested != nil && e.cfg.SkipRequested() {
				quit = true
			}
			if e.cfg.SkipAfterNTransforms > 0 && executed >= e.cfg.SkipAfterNTransforms {
				quit = true
			}
		}

		// cancel and release everything still pending, now that a winner
		// (or a terminal verdict) has been decided.
		for _, j := range queue {
			if j == winner {
				continue
			}
			j.cancel()
			j.cancelled = true
			go func(j *job) {
				<-j.doneCh
				cvlog.Debugf(cvlog.CategoryEngine, "pass %s: cancelled job %d finished", pass.Identity(), j.order)
				j.env.Release()
			}(j)
		}
		wg.Wait()

		if abortErr != nil {
			return result, abortErr
		}

		if winner == nil {
			return result, nil
		}

		if e.cfg.Stats != nil {
			e.cfg.Stats.AddSuccess(pass.Identity())
		}

		if err := fileutil.ReplaceAtomically(winner.env.TestCasePath(), primaryPath); err != nil {
			return result, err
		}
		winner.env.Release()
		result.Changed = true

		newSize, err := fileutil.FileSize(primaryPath)
		if err == nil {
			result.FinalSize = newSize
			if startSize > 0 && newSize >= startSize*maxPassIncreaseFactor {
				cvlog.Warnf(cvlog.CategoryEngine, "pass %s: huge regression guard triggered, aborting pass", pass.Identity())
				return result, nil
			}
		}

		if giveUp {
			return result, nil
		}

		next, err := pass.AdvanceOnSuccess(primaryPath, winner.env.State)
		if err != nil {
			return result, err
		}
		state = next
	}

	return result, nil
}

// waitForCompletions blocks until at least one job has finished, draining
// whatever else is already done, via longpoll.Channel's MinSize/MaxSize
// semantics (spec §4.6 steps 3-4: "wait for FIRST_COMPLETED" then "process
// completions"). The handler only records that at least one arrived; the
// actual FIFO inspection happens in the caller, against job.doneCh, so that
// leftmost-wins ordering is enforced independent of arrival order.
func waitForCompletions(ctx context.Context, resultsCh <-chan *job) error {
	cfg := &longpoll.ChannelConfig{
		MinSize:        1,
		MaxSize:        -1,
		PartialTimeout: 20 * time.Millisecond,
	}
	err := longpoll.Channel(ctx, cfg, resultsCh, func(_ *job) error { return nil })
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type verdictKind int

const (
	verdictFailure verdictKind = iota
	verdictSuccess
	verdictStop
	verdictPassBugError
	verdictStuck
)

type verdict struct {
	kind   verdictKind
	detail string
}

// classify implements the per-job inspection of spec §4.6 step 4.
func (e *Engine) classify(pass passproto.Pass, j *job) verdict {
	env := j.env
	switch env.Result {
	case passproto.ResultStop:
		return verdict{kind: verdictStop}
	case passproto.ResultError:
		e.maybeDumpBug(pass, j, "transform returned ERROR")
		return verdict{kind: verdictPassBugError, detail: "transform returned ERROR"}
	case passproto.ResultInvalid:
		return verdict{kind: verdictFailure}
	case passproto.ResultOK:
		if env.Unchanged() {
			e.maybeDumpBug(pass, j, "transform returned OK without modifying the file")
			return verdict{kind: verdictFailure}
		}
		if also := e.cfg.alsoInterestingExitCode(); also >= 0 && env.ExitCode == also {
			e.saveExtra(j)
			return verdict{kind: verdictFailure}
		}
		if env.ExitCode != 0 {
			if j.order > e.cfg.giveUpConstant() && !e.cfg.NoGiveUp {
				return verdict{kind: verdictStuck}
			}
			return verdict{kind: verdictFailure}
		}
		if e.cfg.MaxImprovement > 0 && env.SizeImprovement() > e.cfg.MaxImprovement {
			return verdict{kind: verdictFailure}
		}
		return verdict{kind: verdictSuccess}
	default:
		return verdict{kind: verdictFailure}
	}
}

var (
	crashDirCount int
	crashDirMu    sync.Mutex
	extraDirCount int
	extraDirMu    sync.Mutex
)

func (e *Engine) maybeDumpBug(pass passproto.Pass, j *job, problem string) {
	if e.cfg.NoDiagnosticsOnPassBug {
		crashDirMu.Lock()
		if crashDirCount < e.cfg.maxCrashDirs() {
			crashDirCount++
		}
		crashDirMu.Unlock()
		cvlog.WarnfThrottled(cvlog.CategoryEngine, pass.Identity(), "pass bug for %s: %s", pass.Identity(), problem)
		return
	}
	crashDirMu.Lock()
	defer crashDirMu.Unlock()
	if crashDirCount >= e.cfg.maxCrashDirs() {
		return
	}
	crashDirCount++
	dir := fmt.Sprintf("%s/cvise_bug_%02d", e.cfg.TmpRoot, crashDirCount)
	if err := j.env.Dump(dir); err == nil {
		_ = writeBugInfo(dir, pass.Identity(), problem, j.env.State)
	}
	cvlog.WarnfThrottled(cvlog.CategoryEngine, pass.Identity(), "pass bug for %s: %s (dumped to %s)", pass.Identity(), problem, dir)
}

func (e *Engine) saveExtra(j *job) {
	extraDirMu.Lock()
	defer extraDirMu.Unlock()
	limit := e.cfg.MaxExtraDirs
	if limit <= 0 {
		limit = 25000
	}
	if extraDirCount >= limit {
		return
	}
	extraDirCount++
	dir := fmt.Sprintf("%s/cvise_extra_%05d", e.cfg.TmpRoot, extraDirCount)
	_ = j.env.Dump(dir)
}

func (e *Engine) maybeSaveExtra(j *job) {
	if !e.cfg.SaveTemps {
		j.env.Release()
		return
	}
	e.saveExtra(j)
	j.env.Release()
}

func writeBugInfo(dir, passIdentity, problem string, state passproto.State) error {
	stateStr := "<nil>"
	if state != nil {
		stateStr = state.String()
	}
	info := cverr.PassBug(cverr.KindPassBugUnchanged, passIdentity, problem, stateStr, dir)
	return os.WriteFile(dir+"/PASS_BUG_INFO.TXT", []byte(info.Error()), 0o644)
}
