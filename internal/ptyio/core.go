package ptyio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
)

const (
	readChunkSize    = 4096
	inputQueueDepth  = 256
	outputQueueDepth = 256
)

// Core owns a PTY Handle and bridges its blocking reads/writes to async
// channels, matching spec §4.1's I/O thread contract. The read side runs
// on a dedicated goroutine per Handle — Go's native equivalent of "a
// blocking reader/writer thread bridged to async channels" — so there is
// no manual WouldBlock poll loop; see DESIGN.md for the rationale.
type Core struct {
	handle     Handle
	scrollback *Scrollback
	log        *logger.Logger

	inputCh  chan []byte
	outputCh chan []byte

	// OnOutput, if set, is invoked with every chunk read from the PTY,
	// before it is offered to outputCh. internal/session uses it to feed
	// its vt10x terminal, whose screen CheckBlockage scans; Core publishes
	// no event for the chunk.
	OnOutput func(chunk []byte)

	mu           sync.Mutex
	lastActivity time.Time
	stopped      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewCore wraps handle with the I/O bridge and a scrollback capped at
// scrollbackLineCap entries. The reader appends each PTY read (up to
// readChunkSize bytes) as one entry without splitting it on newlines, so
// the cap counts reads, not output lines.
func NewCore(handle Handle, scrollbackLineCap int, log *logger.Logger) *Core {
	return &Core{
		handle:       handle,
		scrollback:   NewScrollback(scrollbackLineCap),
		log:          log,
		inputCh:      make(chan []byte, inputQueueDepth),
		outputCh:     make(chan []byte, outputQueueDepth),
		lastActivity: time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Scrollback exposes the underlying OutputBuffer.
func (c *Core) Scrollback() *Scrollback { return c.scrollback }

// Handle exposes the underlying PTY handle, e.g. for out-of-band Resize.
func (c *Core) Handle() Handle { return c.handle }

// Start spawns the reader goroutine. Writes happen synchronously from
// SendInput, matching the spec's "drain one message... and write+flush"
// step without needing a second goroutine for the write side, since
// Handle.Write does not block indefinitely the way PTY reads do.
func (c *Core) Start() {
	go c.readLoop()
}

func (c *Core) readLoop() {
	defer close(c.doneCh)
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		n, err := c.handle.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.scrollback.Append(string(chunk))
			c.touch()

			if c.OnOutput != nil {
				c.OnOutput(chunk)
			}

			select {
			case c.outputCh <- chunk:
			default:
				// Slow consumer: scrollback already has the data, so the
				// chunk is dropped here rather than blocking the reader.
			}
		}
		if err != nil {
			c.log.Debug("pty read ended", zap.Error(err))
			return
		}
	}
}

func (c *Core) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the timestamp of the most recent successful read.
func (c *Core) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SendInput enqueues bytes for the writer; it blocks only if the input
// queue is saturated, matching the spec's single-consumer write channel.
func (c *Core) SendInput(ctx context.Context, data []byte) error {
	select {
	case c.inputCh <- data:
		return c.flushOne(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushOne drains exactly one queued input message and writes it,
// matching the spec's "drain one message from the input channel and
// write+flush" step.
func (c *Core) flushOne(ctx context.Context) error {
	select {
	case data := <-c.inputCh:
		_, err := c.handle.Write(data)
		return err
	default:
		return nil
	}
}

// TryReceiveOutput drains one buffered output chunk, non-blocking.
func (c *Core) TryReceiveOutput() ([]byte, bool) {
	select {
	case chunk := <-c.outputCh:
		return chunk, true
	default:
		return nil, false
	}
}

// Shutdown signals the reader goroutine, joins it with a deadline, then
// closes the Handle (which, for a PTY, also severs the child's terminal).
func (c *Core) Shutdown(deadline time.Duration) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)

	// Closing the handle is what actually unblocks a reader parked in a
	// blocking Read syscall; the stopCh check only short-circuits a
	// reader that is between reads.
	_ = c.handle.Close()

	select {
	case <-c.doneCh:
	case <-time.After(deadline):
		c.log.Warn("pty reader goroutine did not exit before deadline")
	}
}
