//go:build unix

// Package keyreader implements the non-blocking s/d keypress affordance of
// spec §4.6 ("Skip interaction") / §9 ("Key input"): the engine process
// polls a channel for a single keystroke without blocking workers or the
// terminal. It is grounded on the teacher's go-prompt module
// (prompt/reader_posix.go's PosixReader: open /dev/tty, set non-blocking +
// raw mode, read, restore on close), using github.com/pkg/term/termios for
// the raw-mode get/set calls exactly as prompt/term/term.go does
// (Tcgetattr/Tcsetattr operate on golang.org/x/sys/unix.Termios).
package keyreader

import (
	"os"
	"sync"
	"syscall"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// Reader polls a terminal for single keypresses without blocking.
type Reader struct {
	fd       int
	orig     *unix.Termios
	closeFD  bool
	mu       sync.Mutex
	closed   bool
}

// Open puts the controlling terminal (falling back to stdin) into
// non-blocking raw mode, mirroring PosixReader.Open.
func Open() (*Reader, error) {
	fd, closeFD, err := openTTY()
	if err != nil {
		return nil, err
	}

	r := &Reader{fd: fd, closeFD: closeFD}

	orig, err := termios.Tcgetattr(uintptr(fd))
	if err == nil {
		r.orig = orig
	}

	if err := syscall.SetNonblock(fd, true); err != nil {
		r.Close()
		return nil, err
	}

	if r.orig != nil {
		raw := *r.orig
		raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
		raw.Iflag &^= unix.IXON | unix.ICRNL
		raw.Cc[unix.VMIN] = 1
		raw.Cc[unix.VTIME] = 0
		_ = termios.Tcsetattr(uintptr(fd), termios.TCSANOW, &raw)
	}

	return r, nil
}

func openTTY() (fd int, shouldClose bool, err error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return int(os.Stdin.Fd()), false, nil
	}
	return int(f.Fd()), true, nil
}

// Poll performs one non-blocking read attempt, returning the key pressed
// (if any) and whether a key was available.
func (r *Reader) Poll() (key byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	var buf [1]byte
	n, err := syscall.Read(r.fd, buf[:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return buf[0], true
}

// Close restores the terminal's original mode and releases the descriptor,
// mirroring PosixReader.Close.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.orig != nil {
		_ = termios.Tcsetattr(uintptr(r.fd), termios.TCSANOW, r.orig)
	}
	if r.closeFD {
		return syscall.Close(r.fd)
	}
	return nil
}
