//go:build windows

// Windows counterpart of the unix keypress reader, mirroring the split
// between prompt/reader_posix.go and prompt/reader_windows.go in the
// teacher repo: console mode flags are toggled instead of termios, and
// reads are peeked rather than relying on O_NONBLOCK.
package keyreader

import (
	"sync"

	"golang.org/x/sys/windows"
)

// Reader polls the console for single keypresses without blocking.
type Reader struct {
	handle  windows.Handle
	orig    uint32
	mu      sync.Mutex
	closed  bool
}

// Open puts stdin's console into raw, non-line-buffered mode.
func Open() (*Reader, error) {
	h := windows.Handle(windows.Stdin)

	var mode uint32
	if err := windows.GetConsoleMode(h, &mode); err != nil {
		return nil, err
	}

	r := &Reader{handle: h, orig: mode}

	raw := mode &^ (windows.ENABLE_LINE_INPUT | windows.ENABLE_ECHO_INPUT | windows.ENABLE_PROCESSED_INPUT)
	_ = windows.SetConsoleMode(h, raw)

	return r, nil
}

// Poll performs one non-blocking read attempt.
func (r *Reader) Poll() (key byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}

	var n uint32
	if err := windows.GetNumberOfConsoleInputEvents(r.handle, &n); err != nil || n == 0 {
		return 0, false
	}

	var buf [1]byte
	var read uint32
	if err := windows.ReadFile(r.handle, buf[:], &read, nil); err != nil || read == 0 {
		return 0, false
	}
	return buf[0], true
}

// Close restores the console's original mode.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return windows.SetConsoleMode(r.handle, r.orig)
}
