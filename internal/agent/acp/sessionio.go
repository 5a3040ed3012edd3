package acp

import (
	"context"
	"time"

	"github.com/cisnet/cis/internal/session"
)

// pollInterval bounds how often SessionIO polls the session's non-blocking
// output buffer when no bytes are immediately available.
const pollInterval = 20 * time.Millisecond

// SessionIO adapts an internal/session.Session's byte-oriented PTY interface
// to io.Writer/io.Reader, so pkg/acp/jsonrpc.Client can speak structured
// JSON-RPC over a session that was built for raw terminal I/O.
type SessionIO struct {
	session *session.Session
	ctx     context.Context
	pending []byte
}

// NewSessionIO wraps sess for use as a jsonrpc.Client's stdin/stdout.
func NewSessionIO(ctx context.Context, sess *session.Session) *SessionIO {
	return &SessionIO{session: sess, ctx: ctx}
}

// Write implements io.Writer by forwarding to the session's input queue.
func (s *SessionIO) Write(p []byte) (int, error) {
	if err := s.session.SendInput(s.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements io.WriteCloser; the underlying session outlives the
// JSON-RPC client, so this is a no-op.
func (s *SessionIO) Close() error { return nil }

// Read implements io.Reader by polling the session's non-blocking output
// buffer until bytes are available or the context is canceled.
func (s *SessionIO) Read(p []byte) (int, error) {
	for {
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			return n, nil
		}

		chunk, ok := s.session.TryReceiveOutput()
		if ok {
			s.pending = chunk
			continue
		}

		select {
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
