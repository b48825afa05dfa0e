// Package serial opens and configures the raw, 9600 8N1 character
// device the mount is attached to, using golang.org/x/sys/unix for
// termios access.
package serial

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Error wraps a transport failure with the operation that caused it.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func wrapErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{msg: msg, err: err}
}

// ErrClosed is returned by any operation on a Port that has already
// been closed.
var ErrClosed = &Error{msg: "port already closed", err: syscall.EBADF}

// ErrShortRead is returned by ReadAtLeast when the underlying device
// reports end-of-data (a non-positive read) before min bytes arrived.
var ErrShortRead = fmt.Errorf("serial: short read")

// ErrShortWrite is returned by WriteFully when the underlying device
// reports a non-positive write before all bytes were sent.
var ErrShortWrite = fmt.Errorf("serial: short write")

// Port is an open, raw-mode serial device.
type Port struct {
	fd     int
	closed atomic.Bool
}

// Open opens path read-write, non-controlling, and configures it for
// raw 9600 8N1 operation with VTIME=5 (half a second), VMIN=0.
func Open(path string) (*Port, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, wrapErr("open "+path, err)
	}

	if err := configureRaw(fd); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	return &Port{fd: fd}, nil
}

func configureRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return wrapErr("get termios attributes", err)
	}

	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL | unix.B9600
	t.Cc[unix.VTIME] = 5
	t.Cc[unix.VMIN] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return wrapErr("set termios attributes", err)
	}
	return nil
}

// WriteFully retries short writes until every byte of data has been
// written, failing on any non-positive underlying write.
func (p *Port) WriteFully(data []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for len(data) > 0 {
		n, err := syscall.Write(p.fd, data)
		if err != nil {
			return wrapErr("write", err)
		}
		if n <= 0 {
			return ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

// ReadAtLeast reads into buf until at least min bytes total have
// arrived, or the underlying read returns a non-positive count (in raw
// mode with VMIN=0 this is how a VTIME timeout is observed). It returns
// the number of bytes actually read.
func (p *Port) ReadAtLeast(buf []byte, min int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	total := 0
	for total < min {
		n, err := syscall.Read(p.fd, buf[total:])
		if err != nil {
			return total, wrapErr("read", err)
		}
		if n <= 0 {
			return total, ErrShortRead
		}
		total += n
	}
	return total, nil
}

// Close releases the underlying file descriptor. Safe to call more
// than once; subsequent calls return ErrClosed.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	return syscall.Close(p.fd)
}
