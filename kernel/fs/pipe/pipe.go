// Package pipe implements an anonymous, unidirectional byte pipe backed by
// kernel/ring's fixed-capacity ring buffer, the same building block
// kernel/kfmt uses for early console output.
package pipe

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/ring"
)

// BufferSize is the pipe's fixed capacity. Writes beyond it overwrite the
// oldest unread bytes rather than block, the same lossy-on-overflow
// behavior kernel/ring's Write already has. Neither end blocks; ReadEnd.Pending
// reports how many unread bytes the buffer holds.
const BufferSize = 256

// pipe is the shared state between a ReadEnd and a WriteEnd created by New.
type pipe struct {
	buf         *ring.Buffer[byte]
	readClosed  bool
	writeClosed bool
}

// New creates a connected pipe and returns its two ends.
func New() (*ReadEnd, *WriteEnd) {
	p := &pipe{buf: ring.New[byte](BufferSize)}
	return &ReadEnd{p: p}, &WriteEnd{p: p}
}

// ReadEnd is the read side of a pipe. It implements fs.File; Write and Seek
// always fail.
type ReadEnd struct {
	p *pipe
}

// Read copies up to len(buf) bytes out of the pipe. It returns (0, nil)
// rather than blocking when the pipe is empty and still open; callers
// (kernel/syscall) are expected to retry after yielding.
func (r *ReadEnd) Read(buf []byte) (int, *kernel.Error) {
	n := r.p.buf.Read(buf)
	if n == 0 && r.p.writeClosed {
		return 0, nil
	}
	return n, nil
}

// Write always fails: a ReadEnd cannot be written to.
func (r *ReadEnd) Write(buf []byte) (int, *kernel.Error) {
	return 0, errors.ErrUnsupportedCommand
}

// Seek always fails: pipes are not seekable.
func (r *ReadEnd) Seek(offset int64, whence int) (int64, *kernel.Error) {
	return 0, errors.ErrInvalidSeek
}

// Close marks the read end closed; a subsequent Write on the other end
// returns ErrBrokenPipe.
func (r *ReadEnd) Close() *kernel.Error {
	r.p.readClosed = true
	return nil
}

// Pending reports how many unread bytes are currently buffered.
func (r *ReadEnd) Pending() int {
	return r.p.buf.Len()
}

// WriteEnd is the write side of a pipe. It implements fs.File; Read and
// Seek always fail.
type WriteEnd struct {
	p *pipe
}

// Write appends buf to the pipe, or fails with ErrBrokenPipe if the
// reading end has already closed.
func (w *WriteEnd) Write(buf []byte) (int, *kernel.Error) {
	if w.p.readClosed {
		return 0, errors.ErrBrokenPipe
	}
	w.p.buf.Write(buf...)
	return len(buf), nil
}

// Read always fails: a WriteEnd cannot be read from.
func (w *WriteEnd) Read(buf []byte) (int, *kernel.Error) {
	return 0, errors.ErrUnsupportedCommand
}

// Seek always fails: pipes are not seekable.
func (w *WriteEnd) Seek(offset int64, whence int) (int64, *kernel.Error) {
	return 0, errors.ErrInvalidSeek
}

// Close marks the write end closed; a subsequent Read on the other end
// drains whatever remains buffered and then returns EOF (0, nil) instead
// of blocking.
func (w *WriteEnd) Close() *kernel.Error {
	w.p.writeClosed = true
	return nil
}

var (
	_ fs.File = (*ReadEnd)(nil)
	_ fs.File = (*WriteEnd)(nil)
)
