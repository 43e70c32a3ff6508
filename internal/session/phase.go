package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

type Phase int32

const (
	PhaseDiscovering Phase = iota
	PhaseConnecting
	PhaseLobby
	PhaseActive
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "DISCOVERING"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseLobby:
		return "LOBBY"
	case PhaseActive:
		return "ACTIVE"
	case PhaseTerminated:
		return "TERMINATED"
	default:
		return "INVALID"
	}
}

// PhaseTracker holds the process-wide phase. Transitions only move forward,
// except CONNECTING may fall back to DISCOVERING when a join fails.
type PhaseTracker struct {
	mu    sync.RWMutex
	phase Phase
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{phase: PhaseDiscovering}
}

func (t *PhaseTracker) Current() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Advance moves to next. Re-entering the current phase is a no-op.
func (t *PhaseTracker) Advance(next Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.phase, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.phase, next)
	}
	t.phase = next
	return nil
}

func canTransition(from, to Phase) bool {
	if to < PhaseDiscovering || to > PhaseTerminated {
		return false
	}
	if from == to {
		return true
	}
	if from == PhaseConnecting && to == PhaseDiscovering {
		return true
	}
	return to > from && from != PhaseTerminated
}
