// Package testcase models the test-case set (spec §3 "TestCase") and its
// validation rules: every path must be relative, readable, and writable;
// absolute paths are rejected (spec §7, "Invalid test case").
package testcase

import (
	"os"
	"path/filepath"

	"github.com/marxin/cvise/internal/cverr"
)

// Set is an ordered collection of test-case paths, all relative to a common
// working directory root.
type Set struct {
	Root  string
	Paths []string // relative paths, in user-specified order
}

// Validate checks every path against spec §3's invariants: relative,
// readable, writable. It returns the first violation found, wrapped as a
// *cverr.Error.
func (s *Set) Validate() error {
	for _, p := range s.Paths {
		if filepath.IsAbs(p) {
			return cverr.AbsolutePathTestCase(p)
		}
		full := filepath.Join(s.Root, p)
		info, err := os.Stat(full)
		if err != nil {
			return cverr.InvalidTestCase(p, "accessed")
		}
		if info.IsDir() {
			continue
		}
		if f, err := os.OpenFile(full, os.O_RDONLY, 0); err != nil {
			return cverr.InvalidTestCase(p, "read")
		} else {
			f.Close()
		}
		if f, err := os.OpenFile(full, os.O_WRONLY, 0); err != nil {
			return cverr.InvalidTestCase(p, "written")
		} else {
			f.Close()
		}
	}
	return nil
}

// TotalSize returns the sum of file sizes across every test case, walking
// directories, mirroring TestManager.total_file_size.
func (s *Set) TotalSize() (int64, error) {
	var total int64
	for _, p := range s.Paths {
		err := filepath.Walk(filepath.Join(s.Root, p), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// SortedBySizeDescending returns a copy of Paths ordered by descending file
// size - the order in which the pass driver visits test cases within a pass
// (spec §4.1 "in order of decreasing size").
func (s *Set) SortedBySizeDescending() []string {
	type sized struct {
		path string
		size int64
	}
	entries := make([]sized, 0, len(s.Paths))
	for _, p := range s.Paths {
		sz, _ := totalSizeOf(filepath.Join(s.Root, p))
		entries = append(entries, sized{p, sz})
	}
	// simple insertion sort: the set is small (handful of test cases), and
	// stability matters more than asymptotics here.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].size > entries[j-1].size; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

func totalSizeOf(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// AllZeroSize reports whether every test case has shrunk to zero bytes
// (spec §7 "Zero-size input").
func (s *Set) AllZeroSize() (bool, error) {
	for _, p := range s.Paths {
		sz, err := totalSizeOf(filepath.Join(s.Root, p))
		if err != nil {
			return false, err
		}
		if sz > 0 {
			return false, nil
		}
	}
	return true, nil
}
