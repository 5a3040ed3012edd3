package acp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/ptyio"
	"github.com/cisnet/cis/internal/session"
)

// fakeHandle is an in-memory ptyio.Handle used to drive SessionIO without a
// real PTY, mirroring internal/session's own test fixture.
type fakeHandle struct {
	out    chan []byte
	closed chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	select {
	case chunk := <-h.out:
		n := copy(p, chunk)
		return n, nil
	case <-h.closed:
		return 0, io.EOF
	}
}

func (h *fakeHandle) Write(p []byte) (int, error) { return len(p), nil }

func (h *fakeHandle) Close() error {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	return nil
}

func (h *fakeHandle) Resize(cols, rows uint16) error { return nil }

type fakeSpawner struct{ handle *fakeHandle }

func (f *fakeSpawner) Spawn(cols, rows int) (ptyio.Handle, error) { return f.handle, nil }

func TestSessionIOWriteForwardsToSessionInput(t *testing.T) {
	handle := newFakeHandle()
	sess := session.New("sess-1", &fakeSpawner{handle: handle}, false, 0, logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx, 80, 24))

	sio := NewSessionIO(ctx, sess)
	n, err := sio.Write([]byte(`{"jsonrpc":"2.0","method":"initialize"}`))
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestSessionIOReadReturnsSessionOutput(t *testing.T) {
	handle := newFakeHandle()
	sess := session.New("sess-1", &fakeSpawner{handle: handle}, false, 0, logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx, 80, 24))

	handle.out <- []byte(`{"jsonrpc":"2.0","result":{}}` + "\n")

	sio := NewSessionIO(ctx, sess)
	buf := make([]byte, 256)
	n, err := sio.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"jsonrpc":"2.0"`)
}
