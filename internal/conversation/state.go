// ABOUTME: Per-user conversation state: continuity tokens plus bounded rollback history
// ABOUTME: Pure in-process structure; callers serialize access per user

package conversation

import (
	"errors"
	"fmt"
)

// DefaultMaxRollbacks is the history cap used when NewState receives a non-positive value.
const DefaultMaxRollbacks = 20

// ErrEmptyHistory is returned when a rollback asks for more steps than the history holds.
var ErrEmptyHistory = errors.New("rollback history exhausted")

// ErrInvalidSteps is returned when a rollback asks for fewer than one step.
var ErrInvalidSteps = errors.New("rollback steps must be at least 1")

// Tokens identifies where in a backend dialogue the next turn attaches.
// Empty strings mean the backend has not assigned a value yet.
type Tokens struct {
	ConversationID string
	ParentID       string
}

// IsZero reports whether neither token has been assigned.
func (t Tokens) IsZero() bool {
	return t.ConversationID == "" && t.ParentID == ""
}

// State holds one user's current continuity tokens and the tokens that were
// current before each recorded exchange, oldest first.
type State struct {
	current      Tokens
	history      []Tokens
	maxRollbacks int
}

// NewState creates an empty state whose history holds at most maxRollbacks entries.
func NewState(maxRollbacks int) *State {
	if maxRollbacks <= 0 {
		maxRollbacks = DefaultMaxRollbacks
	}
	return &State{maxRollbacks: maxRollbacks}
}

// Hydrate replaces the current tokens with ones loaded from storage and
// discards the rollback history, which is never persisted.
func (s *State) Hydrate(tokens Tokens) {
	s.current = tokens
	s.history = nil
}

// Current returns the tokens the next exchange should continue from.
func (s *State) Current() Tokens {
	return s.current
}

// History returns a copy of the rollback history, oldest first.
func (s *State) History() []Tokens {
	out := make([]Tokens, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of steps available for rollback.
func (s *State) Len() int {
	return len(s.history)
}

// MaxRollbacks returns the history cap.
func (s *State) MaxRollbacks() int {
	return s.maxRollbacks
}

// RecordExchange pushes the current tokens onto the history, evicting the
// oldest entry when full, then makes next current.
func (s *State) RecordExchange(next Tokens) {
	if len(s.history) >= s.maxRollbacks {
		// Shift instead of reslicing so the backing array does not grow forever.
		n := copy(s.history, s.history[len(s.history)-s.maxRollbacks+1:])
		s.history = s.history[:n]
	}
	s.history = append(s.history, s.current)
	s.current = next
}

// Rollback pops steps entries off the history and restores the last popped
// tokens as current. The state is left untouched on error.
func (s *State) Rollback(steps int) error {
	if steps < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidSteps, steps)
	}
	if steps > len(s.history) {
		return fmt.Errorf("%w: requested %d steps, %d available", ErrEmptyHistory, steps, len(s.history))
	}

	idx := len(s.history) - steps
	s.current = s.history[idx]
	s.history = s.history[:idx]
	return nil
}
