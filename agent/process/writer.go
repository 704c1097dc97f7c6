package process

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/guseggert/procmux/frame"
	"github.com/guseggert/procmux/mux"
	"go.uber.org/zap"
)

// frameWriter sends the bytes written to it as data frames on one channel.
type frameWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *mux.Conn
	id   uint32
	tag  frame.Tag

	// closeTag, if set, is sent once when the writer is closed.
	closeTag frame.Tag
	// ready, if set, is waited on before the first frame is sent.
	ready <-chan struct{}
	// credit, if set, bounds the bytes in flight. Waiting for it stops once done is closed.
	credit *credit
	done   <-chan struct{}

	m      sync.Mutex
	closed bool
}

func (w *frameWriter) Write(b []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.ready != nil {
		select {
		case <-w.ready:
		case <-w.ctx.Done():
			return 0, w.ctx.Err()
		}
	}

	// break the bytes into chunks, the payload is copied since callers may reuse b
	written := 0
	for written < len(b) {
		n := len(b) - written
		if n > frame.MaxDataChunk {
			n = frame.MaxDataChunk
		}
		if w.credit != nil {
			var err error
			n, err = w.credit.take(w.ctx, n, w.done)
			if err != nil {
				w.log.Debugf("%s write error after %d bytes: %s", w.tag, written, err)
				return written, err
			}
		}
		end := written + n
		chunk := append([]byte(nil), b[written:end]...)
		err := w.conn.Send(w.ctx, frame.Frame{ChannelID: w.id, Tag: w.tag, Payload: chunk})
		if err != nil {
			w.log.Debugf("%s write error after %d bytes: %s", w.tag, written, err)
			return written, err
		}
		written = end
	}
	return written, nil
}

func (w *frameWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closeTag == 0 {
		return nil
	}
	err := w.conn.Send(w.ctx, frame.Frame{ChannelID: w.id, Tag: w.closeTag})
	if errors.Is(err, mux.ErrClosed) {
		// the channel resolves through the connection failure
		err = nil
	}
	w.log.Debugw("closed writer", "Error", err, "Tag", w.closeTag.String())
	return err
}
