package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/ptyio"
)

const (
	initialPromptDelay = 250 * time.Millisecond
	shutdownDeadline   = 5 * time.Second
	blockageScanLines  = 20
)

// Spawner starts the child process behind a session's PTY. internal/pool's
// runtimes implement this so Session stays agnostic of native vs. docker.
type Spawner interface {
	Spawn(cols, rows int) (ptyio.Handle, error)
}

// Session is one Agent Session: a PTY-backed child process driven through
// the state machine in spec §4.1, with a vt10x-rendered terminal view used
// for blockage detection.
type Session struct {
	ID          string
	Persistent  bool
	MaxIdleSecs int

	spawner Spawner
	core    *ptyio.Core
	term    vt10x.Terminal
	log     *logger.Logger

	mu           sync.Mutex
	state        State
	attachedUser string
	lastStateAt  time.Time
	idleSince    time.Time
	exitCode     int
	failReason   string
	termCols     int
	termRows     int
}

// New constructs a Session in StateSpawning; call Start to spawn the child.
func New(id string, spawner Spawner, persistent bool, maxIdleSecs int, log *logger.Logger) *Session {
	return &Session{
		ID:          id,
		Persistent:  persistent,
		MaxIdleSecs: maxIdleSecs,
		spawner:     spawner,
		log:         log,
		state:       StateSpawning,
		lastStateAt: time.Now(),
	}
}

// Start spawns the child PTY, wires terminal emulation, waits a short
// settle delay, and transitions to RunningDetached. It writes no input to
// the child: a Session holds no prompt, and any input goes through
// SendInput.
func (s *Session) Start(ctx context.Context, cols, rows int) error {
	s.mu.Lock()
	if s.state != StateSpawning {
		s.mu.Unlock()
		return cerrors.InvalidInput("session_state", fmt.Sprintf("session %s already started", s.ID))
	}
	s.mu.Unlock()

	handle, err := s.spawner.Spawn(cols, rows)
	if err != nil {
		s.transition(StateFailed)
		s.mu.Lock()
		s.failReason = err.Error()
		s.mu.Unlock()
		return cerrors.Wrap(cerrors.KindExecution, "spawn agent process", err)
	}

	s.term = vt10x.New(vt10x.WithSize(cols, rows))
	s.mu.Lock()
	s.termCols, s.termRows = cols, rows
	s.mu.Unlock()
	s.core = ptyio.NewCore(handle, 10000, s.log)
	s.core.OnOutput = s.onOutput
	s.core.Start()

	select {
	case <-time.After(initialPromptDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.transition(StateRunningDetached)
	return nil
}

func (s *Session) onOutput(chunk []byte) {
	s.mu.Lock()
	_, err := s.term.Write(chunk)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug("vt10x write failed", zap.Error(err))
	}
}

// Attach binds an interactive user to the session.
func (s *Session) Attach(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunningDetached && s.state != StateIdle {
		return cerrors.InvalidInput("session_state", fmt.Sprintf("cannot attach from state %s", s.state))
	}
	s.attachedUser = user
	s.setStateLocked(StateAttached)
	return nil
}

// Detach releases the attached user and returns to RunningDetached.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAttached {
		return cerrors.InvalidInput("session_state", fmt.Sprintf("cannot detach from state %s", s.state))
	}
	s.attachedUser = ""
	s.setStateLocked(StateRunningDetached)
	return nil
}

// SendInput forwards input to the child process.
func (s *Session) SendInput(ctx context.Context, data []byte) error {
	return s.core.SendInput(ctx, data)
}

// TryReceiveOutput drains one buffered output chunk, non-blocking.
func (s *Session) TryReceiveOutput() ([]byte, bool) {
	return s.core.TryReceiveOutput()
}

// Resize propagates a terminal size change to the PTY and the emulator.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.term.Resize(cols, rows)
	s.termCols, s.termRows = cols, rows
	s.mu.Unlock()
	return s.core.Handle().Resize(uint16(cols), uint16(rows))
}

// CheckBlockage renders the terminal's visible lines, scans the last
// blockageScanLines of them case-insensitively for any of keywords, and
// returns the first match formatted as "<keyword>: <line>".
func (s *Session) CheckBlockage(keywords []string) (string, bool) {
	lines := s.renderedLines()
	if len(lines) > blockageScanLines {
		lines = lines[len(lines)-blockageScanLines:]
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return fmt.Sprintf("%s: %s", kw, strings.TrimRight(line, " ")), true
			}
		}
	}
	return "", false
}

func (s *Session) renderedLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, rows := s.termCols, s.termRows
	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		var b strings.Builder
		for col := 0; col < cols; col++ {
			glyph := s.term.Cell(col, row)
			if glyph.Char == 0 {
				b.WriteByte(' ')
				continue
			}
			b.WriteRune(glyph.Char)
		}
		lines = append(lines, b.String())
	}
	return lines
}

// MarkBlocked transitions RunningDetached/Attached -> Blocked.
func (s *Session) MarkBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunningDetached || s.state == StateAttached {
		s.setStateLocked(StateBlocked)
	}
}

// MarkRecovered transitions Blocked -> RunningDetached.
func (s *Session) MarkRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBlocked {
		s.setStateLocked(StateRunningDetached)
	}
}

// Pause transitions RunningDetached -> Paused.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunningDetached {
		return cerrors.InvalidInput("session_state", fmt.Sprintf("cannot pause from state %s", s.state))
	}
	s.setStateLocked(StatePaused)
	return nil
}

// Resume transitions Paused -> RunningDetached.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return cerrors.InvalidInput("session_state", fmt.Sprintf("cannot resume from state %s", s.state))
	}
	s.setStateLocked(StateRunningDetached)
	return nil
}

// MarkCompleted transitions to Idle (exit 0, persistent sessions) or
// Completed (otherwise), per spec §4.1.
func (s *Session) MarkCompleted(exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = exitCode
	if exitCode == 0 && s.Persistent {
		s.idleSince = time.Now()
		s.setStateLocked(StateIdle)
		return
	}
	s.setStateLocked(StateCompleted)
}

// MarkFailed transitions to the terminal Failed state.
func (s *Session) MarkFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReason = reason
	s.setStateLocked(StateFailed)
}

// NewTask transitions Idle -> RunningDetached, reusing a persistent session.
func (s *Session) NewTask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return cerrors.InvalidInput("session_state", fmt.Sprintf("cannot accept task from state %s", s.state))
	}
	s.setStateLocked(StateRunningDetached)
	return nil
}

// Shutdown signals the PTY core to stop, joins it with the spec's 5s
// deadline, and transitions to the terminal Killed state.
func (s *Session) Shutdown(reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failReason = reason
	s.mu.Unlock()

	if s.core != nil {
		s.core.Shutdown(shutdownDeadline)
	}

	s.mu.Lock()
	s.setStateLocked(StateKilled)
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachedUser returns the currently attached user, if any.
func (s *Session) AttachedUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachedUser
}

// CanAcceptTask reports whether the session can be handed a new task,
// which is the case exactly when it is Idle.
func (s *Session) CanAcceptTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle
}

// ShouldAutoDestroy reports whether an Idle session has exceeded its
// configured idle budget and should be torn down.
func (s *Session) ShouldAutoDestroy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.MaxIdleSecs <= 0 {
		return false
	}
	return time.Since(s.idleSince) > time.Duration(s.MaxIdleSecs)*time.Second
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	s.setStateLocked(to)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	s.state = to
	s.lastStateAt = time.Now()
	if s.log != nil {
		s.log.Debug("session state transition",
			zap.String("session_id", s.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
}
