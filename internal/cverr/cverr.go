// Package cverr implements the error taxonomy of the reducer (spec §7),
// ported from cvise/utils/error.py. Rather than an exception hierarchy, a
// single Kind-tagged error type is used so callers can branch with errors.As
// instead of type switches.
package cverr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a reducer error, matching the taxonomy table in spec §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidTestCase
	KindAbsolutePathTestCase
	KindInvalidPredicate
	KindInsanePredicate
	KindZeroSize
	KindUnknownPassArgument
	KindMissingPrerequisite
	KindMissingPassGroups
	KindPassOption
	KindPassBugUnchanged
	KindPassBugError
	KindPassBugStuck
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTestCase:
		return "invalid test case"
	case KindAbsolutePathTestCase:
		return "absolute path test case"
	case KindInvalidPredicate:
		return "invalid predicate"
	case KindInsanePredicate:
		return "insane predicate"
	case KindZeroSize:
		return "zero size input"
	case KindUnknownPassArgument:
		return "unknown pass argument"
	case KindMissingPrerequisite:
		return "missing prerequisite"
	case KindMissingPassGroups:
		return "missing pass groups"
	case KindPassOption:
		return "invalid pass option"
	case KindPassBugUnchanged:
		return "pass bug: unchanged output"
	case KindPassBugError:
		return "pass bug: transform error"
	case KindPassBugStuck:
		return "pass bug: stuck"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Fatal reports whether errors of this Kind are, per spec §7, fatal (should
// cause the process to exit non-zero) rather than recorded and tolerated.
func (k Kind) Fatal() bool {
	switch k {
	case KindInvalidTestCase, KindAbsolutePathTestCase, KindInvalidPredicate,
		KindInsanePredicate, KindZeroSize, KindUnknownPassArgument, KindMissingPassGroups:
		return true
	default:
		return false
	}
}

// Error is the concrete error type for every reducer-specific failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, cverr.Kind) style checks via a sentinel wrapper;
// see KindError for a convenient comparator.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given Kind, wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindError builds a zero-message *Error purely to use as an errors.Is/As
// target for a given Kind.
func KindError(kind Kind) *Error { return &Error{Kind: kind} }

// InvalidTestCase mirrors InvalidTestCaseError: a test case path could not be
// read/written/accessed.
func InvalidTestCase(path string, op string) *Error {
	return New(KindInvalidTestCase, "the specified test case %q cannot be %s", path, op)
}

// AbsolutePathTestCase mirrors AbsolutePathTestCaseError.
func AbsolutePathTestCase(path string) *Error {
	return New(KindAbsolutePathTestCase, "test case path cannot be absolute: %q", path)
}

// InvalidPredicate mirrors InvalidInterestingnessTestError.
func InvalidPredicate(path string) *Error {
	return New(KindInvalidPredicate, "the specified interestingness test %q cannot be executed", path)
}

// InsanePredicate mirrors InsaneTestCaseError, including repro instructions.
func InsanePredicate(testCases []string, predicate string) *Error {
	msg := fmt.Sprintf(
		"the interestingness test does not return zero on the unreduced input.\n"+
			"Please ensure that it does so not only in the directory where you are\n"+
			"invoking the reducer, but also in an arbitrary temporary directory\n"+
			"containing only the files being reduced. For example:\n\n"+
			"  DIR=$(mktemp -d)\n"+
			"  cp %s $DIR\n"+
			"  cd $DIR\n"+
			"  %s\n"+
			"  echo $?\n\n"+
			"should print 0.",
		strings.Join(testCases, " "), predicate,
	)
	return New(KindInsanePredicate, "%s", msg)
}

// ZeroSize mirrors ZeroSizeError.
func ZeroSize(multiple bool) *Error {
	subject := "The file being reduced has"
	if multiple {
		subject = "All files being reduced have"
	}
	return New(KindZeroSize, "%s reached zero size; our work here is done.\n\n"+
		"If you did not want a zero size file, make sure that your interestingness\n"+
		"test does not find files like this to be interesting.", subject)
}

// UnknownPassArgument mirrors UnknownArgumentError.
func UnknownPassArgument(pass, arg string) *Error {
	return New(KindUnknownPassArgument, "the argument %q is not valid for pass %q", arg, pass)
}

// MissingPrerequisite mirrors PrerequisitesNotFoundError, for a single pass.
// driver.Driver does not return it: a pass with missing prerequisites is
// skipped with a warning, and no fatal error is raised even when every
// configured pass is skipped.
func MissingPrerequisite(pass string) *Error {
	return New(KindMissingPrerequisite, "missing prerequisites for pass %q", pass)
}

// MissingPassGroups mirrors MissingPassGroupsError.
func MissingPassGroups() *Error {
	return New(KindMissingPassGroups, "could not find a directory with definitions for pass groups")
}

// PassBug mirrors PassBugError's MSG template.
func PassBug(kind Kind, passIdentity, problem, state, crashDir string) *Error {
	msg := fmt.Sprintf(`***************************************************

%s has encountered a bug:
%s
state: %s

Please consider tarring up %s
and filing an issue, and we will try to fix the bug.

***************************************************
`, passIdentity, problem, state, crashDir)
	return New(kind, "%s", msg)
}
