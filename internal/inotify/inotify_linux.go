//go:build linux

package inotify

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxEvents bounds how many records a single blocking read can return. Each
// record is at most one header plus NAME_MAX+1 name bytes.
const maxEvents = 1024

// bufferSize is the read buffer length: maxEvents * (header + NAME_MAX + 1).
const bufferSize = maxEvents * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// ErrClosed is returned by Wait after Interrupt has been called.
var ErrClosed = errors.New("inotify: instance closed")

// Instance owns one inotify file descriptor. It is not safe for concurrent
// use except for Interrupt, which may be called from any goroutine to unblock
// a Wait in progress.
type Instance struct {
	fd    int
	pipeR int // self-pipe read end, polled alongside fd
	pipeW int
	buf   []byte
}

// NewInstance initializes an inotify instance and the self-pipe used to
// interrupt blocking waits.
func NewInstance() (*Instance, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: inotify_init1: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}
	return &Instance{fd: fd, pipeR: p[0], pipeW: p[1], buf: make([]byte, bufferSize)}, nil
}

// AddWatch registers (uri, mask) with the kernel and returns the assigned
// watch descriptor.
func (in *Instance) AddWatch(uri string, mask uint32) (int, error) {
	wd, err := unix.InotifyAddWatch(in.fd, uri, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify: inotify_add_watch %q: %w", uri, err)
	}
	return wd, nil
}

// RmWatch removes the watch descriptor wd from the kernel instance.
func (in *Instance) RmWatch(wd int) error {
	if _, err := unix.InotifyRmWatch(in.fd, uint32(wd)); err != nil {
		return fmt.Errorf("inotify: inotify_rm_watch %d: %w", wd, err)
	}
	return nil
}

// Wait blocks until the kernel has events to deliver and returns the raw
// event buffer for one read. The returned slice aliases the instance's
// internal buffer and is valid until the next Wait call. Returns ErrClosed
// when Interrupt was invoked.
func (in *Instance) Wait() ([]byte, error) {
	pollFds := []unix.PollFd{
		{Fd: int32(in.fd), Events: unix.POLLIN},
		{Fd: int32(in.pipeR), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("inotify: poll: %w", err)
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil, ErrClosed
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(in.fd, in.buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("inotify: read: %w", err)
		}
		return in.buf[:n], nil
	}
}

// Interrupt unblocks a Wait in progress. Safe to call from any goroutine and
// more than once.
func (in *Instance) Interrupt() {
	unix.Write(in.pipeW, []byte{0}) //nolint:errcheck
}

// Close releases the inotify descriptor and the self-pipe.
func (in *Instance) Close() error {
	unix.Close(in.pipeW)
	unix.Close(in.pipeR)
	if err := unix.Close(in.fd); err != nil {
		return fmt.Errorf("inotify: close: %w", err)
	}
	return nil
}

// Record is one parsed kernel event. NameLen preserves the padded length of
// the name field so a parsed buffer can be reconstructed byte for byte.
type Record struct {
	Wd      int32
	Mask    uint32
	Cookie  uint32
	NameLen uint32
	Name    string // NUL padding stripped; empty when NameLen is 0
}

// IsDir reports whether the event's subject is a directory.
func (r Record) IsDir() bool { return r.Mask&unix.IN_ISDIR != 0 }

// Ignored reports whether the kernel has invalidated the watch (target
// deleted or unmounted, or an explicit inotify_rm_watch).
func (r Record) Ignored() bool { return r.Mask&unix.IN_IGNORED != 0 }

// Overflowed reports a queue-overflow pseudo event (wd == -1).
func (r Record) Overflowed() bool { return r.Mask&unix.IN_Q_OVERFLOW != 0 }

// Parse splits a raw event buffer into discrete records. Each record is a
// fixed inotify_event header followed by NameLen bytes of NUL-padded
// filename; the parser advances by header+NameLen per step. A truncated
// trailing record ends the parse.
func Parse(buf []byte) []Record {
	const header = unix.SizeofInotifyEvent
	var out []Record
	for off := 0; off+header <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		off += header
		r := Record{Wd: ev.Wd, Mask: ev.Mask, Cookie: ev.Cookie, NameLen: ev.Len}
		if ev.Len > 0 {
			if off+int(ev.Len) > len(buf) {
				break
			}
			r.Name = strings.TrimRight(string(buf[off:off+int(ev.Len)]), "\x00")
			off += int(ev.Len)
		}
		out = append(out, r)
	}
	return out
}
