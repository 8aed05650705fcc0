package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotConnected is returned by Query before Connect.
var ErrNotConnected = errors.New("driver not connected")

// Scripted replays canned fragment turns in order. It backs `mosaic doctor`
// self-checks and the runtime tests; production nodes plug in a real agent
// SDK through the same interface.
type Scripted struct {
	mu          sync.Mutex
	turns       [][]Fragment
	next        int
	connected   bool
	interrupted atomic.Bool

	// Gate, when non-nil, is received from before each fragment is sent, so
	// tests can hold a stream mid-turn.
	Gate chan struct{}
}

// NewScripted builds a driver that answers successive queries with the given
// fragment sequences. Queries beyond the script reuse the last turn.
func NewScripted(turns ...[]Fragment) *Scripted {
	return &Scripted{turns: turns}
}

// TextTurn is a convenience script of text fragments followed by a result.
func TextTurn(texts []string, result Result) []Fragment {
	frags := make([]Fragment, 0, len(texts)+1)
	for _, t := range texts {
		frags = append(frags, Fragment{Kind: FragmentText, Text: t})
	}
	res := result
	return append(frags, Fragment{Kind: FragmentResult, Result: &res})
}

func (s *Scripted) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Scripted) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Scripted) Interrupt() {
	s.interrupted.Store(true)
}

func (s *Scripted) Query(ctx context.Context, text string) (<-chan Fragment, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	var turn []Fragment
	if len(s.turns) > 0 {
		idx := s.next
		if idx >= len(s.turns) {
			idx = len(s.turns) - 1
		}
		turn = s.turns[idx]
		s.next++
	}
	s.mu.Unlock()

	s.interrupted.Store(false)
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for _, frag := range turn {
			if s.Gate != nil {
				select {
				case <-s.Gate:
				case <-ctx.Done():
					return
				}
			}
			if s.interrupted.Load() {
				return
			}
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
