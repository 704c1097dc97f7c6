package process

import (
	"bytes"
	"io"
	"sync"
)

// Stream is the readable end of a remote stdout or stderr.
//
// It can be consumed in one of two ways, which should not be mixed:
//   - as an io.Reader, which returns io.EOF after the process has exited and everything was read
//   - by attaching any number of writers, which receive every chunk in arrival order
//
// Data that arrives while no writer is attached is buffered, and replayed to the first writer attached.
// Writers are called on the connection's read goroutine, so a slow writer stalls the whole connection.
// Writers must not call back into the Stream.
type Stream struct {
	m      sync.Mutex
	cond   *sync.Cond
	closed bool
	buf    bytes.Buffer
	// writers receive data as it arrives; a writer that errors is dropped
	writers []io.Writer
}

func newStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.m)
	return s
}

// Attach adds a writer. If it is the only writer, buffered data is written to it first.
func (s *Stream) Attach(w io.Writer) {
	s.m.Lock()
	defer s.m.Unlock()
	s.writers = append(s.writers, w)
	if len(s.writers) == 1 && s.buf.Len() > 0 {
		b := s.buf.Bytes()
		s.buf.Reset()
		if err := writeFull(w, b); err != nil {
			s.writers = nil
		}
	}
}

// Remove detaches a writer. Later data is buffered again if no writers remain.
func (s *Stream) Remove(w io.Writer) {
	s.m.Lock()
	defer s.m.Unlock()
	for i := 0; i < len(s.writers); i++ {
		if s.writers[i] == w {
			s.writers = append(s.writers[:i], s.writers[i+1:]...)
			i--
		}
	}
}

// Read reads buffered data, blocking until data arrives or the stream ends.
func (s *Stream) Read(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

// Buffered returns the number of bytes received but not yet read.
func (s *Stream) Buffered() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.buf.Len()
}

func (s *Stream) write(p []byte) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}

	// no writers, hold on to it for Read or the first Attach
	if len(s.writers) == 0 {
		s.buf.Write(p)
		s.cond.Broadcast()
		return
	}

	for i := 0; i < len(s.writers); i++ {
		if err := writeFull(s.writers[i], p); err != nil {
			s.writers = append(s.writers[:i], s.writers[i+1:]...)
			i--
		}
	}
}

func (s *Stream) close() {
	s.m.Lock()
	defer s.m.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func writeFull(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
