package ptyio

import "sync"

// Scrollback is the bounded in-memory output history (spec §3
// OutputBuffer): a line-count-capped FIFO ring with a running byte
// counter, decremented as lines are evicted.
type Scrollback struct {
	mu         sync.RWMutex
	lines      []string
	cap        int
	totalBytes int
}

// NewScrollback constructs a Scrollback with the given line cap L.
func NewScrollback(lineCap int) *Scrollback {
	if lineCap <= 0 {
		lineCap = 10000
	}
	return &Scrollback{cap: lineCap}
}

// Append adds one line, evicting the oldest lines FIFO once the cap is
// exceeded and decrementing the byte counter for each eviction.
func (s *Scrollback) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = append(s.lines, line)
	s.totalBytes += len(line)

	for len(s.lines) > s.cap {
		evicted := s.lines[0]
		s.lines = s.lines[1:]
		s.totalBytes -= len(evicted)
	}
}

// Lines returns a copy of every retained line, oldest first.
func (s *Scrollback) Lines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// LastN returns up to the last n lines, oldest first.
func (s *Scrollback) LastN(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.lines) {
		n = len(s.lines)
	}
	start := len(s.lines) - n
	out := make([]string, n)
	copy(out, s.lines[start:])
	return out
}

// LineCount reports the number of retained lines; invariant LineCount() ≤ cap.
func (s *Scrollback) LineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// TotalBytes reports the running byte counter; invariant TotalBytes() ≥ 0.
func (s *Scrollback) TotalBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}
