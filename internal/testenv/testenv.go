// Package testenv implements the TestEnvironment type (spec §4.4): an
// isolated temporary directory holding a materialized candidate plus the
// predicate script, and the means to transform and execute it while
// reporting child process ids. It is a port of cvise/utils/testing.py's
// TestEnvironment class.
package testenv

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/marxin/cvise/internal/cache"
	"github.com/marxin/cvise/internal/fileutil"
	"github.com/marxin/cvise/internal/passproto"
	"github.com/marxin/cvise/internal/procsup"
)

// Environment is a single candidate job's isolated workspace.
type Environment struct {
	// Order is the monotonically assigned enumeration position of this job
	// within its pass/test-case run (spec §3 "order number").
	Order int

	// Folder is the root of this environment's private copy.
	Folder string

	// PrimaryTestCase is the relative path (within Folder and within the
	// original test-case root) of the test case being transformed.
	PrimaryTestCase string

	// AllTestCases lists every relative test-case path materialized into
	// Folder.
	AllTestCases []string

	// PredicateScript is the absolute path to the interestingness test.
	PredicateScript string

	// BaseSize is the primary test case's byte size before Transform ran.
	BaseSize int64

	// State is the PassState this job was scheduled with.
	State passproto.State

	// Result and ExitCode are populated by Run.
	Result   passproto.Result
	ExitCode int

	baseFingerprint string

	sup   *procsup.Supervisor
	queue *procsup.Queue
}

// New materializes a fresh Environment: a private copy of every test case
// under a new subdirectory of root, mirroring TestEnvironment.__init__'s
// copy loop.
func New(root string, order int, sourceRoot string, allTestCases []string, primary string, predicateScript string, state passproto.State, queue *procsup.Queue, sup *procsup.Supervisor) (*Environment, error) {
	folder := filepath.Join(root, fileutil.RandomTempName())
	if err := os.MkdirAll(folder, 0o777); err != nil {
		return nil, err
	}

	baseSize, err := fileutil.FileSize(filepath.Join(sourceRoot, primary))
	if err != nil {
		return nil, err
	}
	baseFingerprint, err := cache.Fingerprint(filepath.Join(sourceRoot, primary))
	if err != nil {
		return nil, err
	}

	for _, tc := range allTestCases {
		if err := fileutil.CopyTestCase(sourceRoot, tc, folder); err != nil {
			return nil, err
		}
	}

	return &Environment{
		Order:           order,
		Folder:          folder,
		PrimaryTestCase: primary,
		AllTestCases:    allTestCases,
		PredicateScript: predicateScript,
		BaseSize:        baseSize,
		State:           state,
		ExitCode:        -1,
		baseFingerprint: baseFingerprint,
		sup:             sup,
		queue:           queue,
	}, nil
}

// TestCasePath is the absolute path to the primary test case inside this
// environment's private copy.
func (e *Environment) TestCasePath() string {
	return filepath.Join(e.Folder, e.PrimaryTestCase)
}

// SizeImprovement is BaseSize minus the current on-disk size of the primary
// test case; positive means it shrank.
func (e *Environment) SizeImprovement() int64 {
	sz, err := fileutil.FileSize(e.TestCasePath())
	if err != nil {
		return 0
	}
	return e.BaseSize - sz
}

// Success reports the spec §4.4 success predicate: PassResult == OK and the
// predicate exited zero.
func (e *Environment) Success() bool {
	return e.Result == passproto.ResultOK && e.ExitCode == 0
}

// Unchanged reports whether the primary test case's current contents are
// byte-for-byte identical to what they were before Transform ran (spec §4.2:
// a pass that reports OK without actually modifying the file is a pass bug).
// A fingerprinting error is treated as "changed", so it surfaces as a
// predicate failure rather than silently masking the pass bug.
func (e *Environment) Unchanged() bool {
	cur, err := cache.Fingerprint(e.TestCasePath())
	if err != nil {
		return false
	}
	return cur == e.baseFingerprint
}

// Kill terminates whatever predicate process group is still running in this
// environment, draining its process-event queue and escalating through the
// supervisor (spec §4.5). It tolerates a nil supervisor/queue (the sanity
// check's Environment has neither) and is safe to call repeatedly.
func (e *Environment) Kill() {
	if e.sup == nil || e.queue == nil {
		return
	}
	if live := procsup.LivePIDs(e.queue.Drain()); len(live) > 0 {
		e.sup.KillAll(live)
	}
}

// Dump copies every test case plus the predicate script into dst, for
// pass-bug crash dumps and --save-temps extras (spec §6 "Crash dumps",
// "Extra saved variants").
func (e *Environment) Dump(dst string) error {
	if err := os.MkdirAll(dst, 0o777); err != nil {
		return err
	}
	for _, tc := range e.AllTestCases {
		if err := fileutil.CopyTestCase(e.Folder, tc, dst); err != nil {
			return err
		}
	}
	base := filepath.Base(e.PredicateScript)
	return copyFile(e.PredicateScript, filepath.Join(dst, base))
}

// Run executes the pass's Transform followed (if it produced a candidate)
// by the predicate, exactly mirroring TestEnvironment.run/run_test.
func (e *Environment) Run(pass passproto.Pass) {
	result, newState, err := pass.Transform(e.TestCasePath(), e.State, e.queue)
	e.State = newState
	if err != nil {
		e.Result = passproto.ResultError
		return
	}
	e.Result = result
	if e.Result != passproto.ResultOK {
		return
	}

	e.ExitCode = e.runPredicate()
}

// RunPredicateOnly executes the predicate against the materialized copy
// without any pass transform, for the driver's sanity check (spec §4.1 step
// 1: "the predicate must be interesting on the unreduced input").
func (e *Environment) RunPredicateOnly() int {
	e.Result = passproto.ResultOK
	e.ExitCode = e.runPredicate()
	return e.ExitCode
}

// runPredicate invokes the interestingness test with the working directory
// set to this environment's folder, reporting its pid via the process-event
// queue and running it in its own process group so the supervisor can kill
// its entire descendant tree.
func (e *Environment) runPredicate() int {
	cmd := exec.Command("/bin/sh", "-c", e.PredicateScript)
	cmd.Dir = e.Folder
	procsup.Prepare(cmd)

	if err := cmd.Start(); err != nil {
		return -1
	}
	if e.queue != nil {
		e.queue.NotifyStarted(cmd.Process.Pid)
	}
	err := cmd.Wait()
	if e.queue != nil {
		e.queue.NotifyFinished(cmd.Process.Pid)
	}
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Release removes this environment's private directory, unless the caller
// is retaining it (e.g. for --save-temps or a crash dump already taken).
func (e *Environment) Release() {
	fileutil.RemoveFolder(e.Folder)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = copyBuf(out, in)
	return err
}

func copyBuf(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
