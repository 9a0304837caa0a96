package process

import (
	"bytes"
	"io"
	"sync"
)

// outputBuffer is a thread-safe, bounded byte buffer that drops old data
// when the capacity is exceeded. It counts every byte and line ever written
// and can mirror writes to a file once a process goes to the background.
type outputBuffer struct {
	mu       sync.Mutex
	data     []byte
	max      int
	written  int64 // total bytes ever written (including dropped)
	newlines int
	partial  bool // last byte written was not a newline
	mirror   io.Writer
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	return &outputBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Mirror failures never fail the process.
func (b *outputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.written += int64(len(p))
	b.newlines += bytes.Count(p, []byte{'\n'})
	b.partial = p[len(p)-1] != '\n'
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	if b.mirror != nil {
		_, _ = b.mirror.Write(p)
	}
	return len(p), nil
}

// String returns the retained content.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// TotalWritten returns the number of bytes ever written, dropped bytes included.
func (b *outputBuffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Lines returns the number of lines ever written. A trailing partial line counts.
func (b *outputBuffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partial {
		return b.newlines + 1
	}
	return b.newlines
}

// ReadFrom returns content from the given offset, counted in total bytes
// written, together with the cursor to pass on the next read. If the offset
// points at dropped data, reading starts at the oldest retained byte. The
// returned cursor is never smaller than offset.
func (b *outputBuffer) ReadFrom(offset int64) (string, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset >= b.written {
		return "", offset
	}
	dropped := b.written - int64(len(b.data))
	local := max(offset-dropped, 0)
	return string(b.data[local:]), b.written
}

// Tail returns at most n bytes from the end of the retained content.
func (b *outputBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) <= n {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}

// Mirror copies the retained content to w and forwards every later write.
func (b *outputBuffer) Mirror(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) > 0 {
		if _, err := w.Write(b.data); err != nil {
			return err
		}
	}
	b.mirror = w
	return nil
}

// Detach stops mirroring.
func (b *outputBuffer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = nil
}

// lockedWriter serializes writes from the stdout and stderr collectors into
// one output file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
