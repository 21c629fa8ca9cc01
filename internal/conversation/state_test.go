// ABOUTME: Tests for conversation state tracking and rollback
// ABOUTME: Validates history bounds, exact rollback restoration, and empty-history errors

package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokensN(n int) Tokens {
	return Tokens{ConversationID: fmt.Sprintf("c%d", n), ParentID: fmt.Sprintf("p%d", n)}
}

func TestNewState_Empty(t *testing.T) {
	s := NewState(5)

	assert.True(t, s.Current().IsZero())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 5, s.MaxRollbacks())
}

func TestNewState_DefaultCap(t *testing.T) {
	assert.Equal(t, DefaultMaxRollbacks, NewState(0).MaxRollbacks())
	assert.Equal(t, DefaultMaxRollbacks, NewState(-3).MaxRollbacks())
}

func TestRecordExchange_HistoryLengthIsMinOfNAndCap(t *testing.T) {
	for _, k := range []int{1, 3, 20} {
		for _, n := range []int{0, 1, 2, 3, 5, 25} {
			t.Run(fmt.Sprintf("k=%d/n=%d", k, n), func(t *testing.T) {
				s := NewState(k)
				for i := 1; i <= n; i++ {
					s.RecordExchange(tokensN(i))
				}
				assert.Equal(t, min(n, k), s.Len())
			})
		}
	}
}

func TestRecordExchange_EvictsOldestFirst(t *testing.T) {
	s := NewState(3)
	for i := 1; i <= 5; i++ {
		s.RecordExchange(tokensN(i))
	}

	// Pre-exchange tokens for exchanges 3, 4, 5 survive.
	assert.Equal(t, []Tokens{tokensN(2), tokensN(3), tokensN(4)}, s.History())
	assert.Equal(t, tokensN(5), s.Current())
}

func TestRollback_RestoresPreExchangeTokens(t *testing.T) {
	s := NewState(20)
	for i := 1; i <= 4; i++ {
		before := s.Current()
		s.RecordExchange(tokensN(i))

		require.NoError(t, s.Rollback(1))
		assert.Equal(t, before, s.Current())

		// Replay so the next iteration builds on it.
		s.RecordExchange(tokensN(i))
	}
}

func TestRollback_MultipleSteps(t *testing.T) {
	s := NewState(20)
	for i := 1; i <= 4; i++ {
		s.RecordExchange(tokensN(i))
	}

	require.NoError(t, s.Rollback(3))
	assert.Equal(t, tokensN(1), s.Current())
	assert.Equal(t, []Tokens{{}}, s.History())
}

func TestRollback_EmptyHistory(t *testing.T) {
	s := NewState(20)
	s.RecordExchange(tokensN(1))

	err := s.Rollback(2)
	require.ErrorIs(t, err, ErrEmptyHistory)

	// State unchanged after the failed rollback
	assert.Equal(t, tokensN(1), s.Current())
	assert.Equal(t, 1, s.Len())

	require.ErrorIs(t, NewState(5).Rollback(1), ErrEmptyHistory)
}

func TestRollback_InvalidSteps(t *testing.T) {
	s := NewState(20)
	s.RecordExchange(tokensN(1))

	require.ErrorIs(t, s.Rollback(0), ErrInvalidSteps)
	assert.Equal(t, 1, s.Len())
}

func TestHydrate_DiscardsHistory(t *testing.T) {
	s := NewState(20)
	s.RecordExchange(tokensN(1))
	s.RecordExchange(tokensN(2))

	s.Hydrate(tokensN(9))

	assert.Equal(t, tokensN(9), s.Current())
	assert.Equal(t, 0, s.Len())
}

func TestHistory_ReturnsCopy(t *testing.T) {
	s := NewState(20)
	s.RecordExchange(tokensN(1))

	h := s.History()
	h[0] = tokensN(42)

	assert.Equal(t, Tokens{}, s.History()[0])
}

func TestScenario_HelloThenDeliveryFailure(t *testing.T) {
	s := NewState(20)

	s.RecordExchange(Tokens{ConversationID: "c1", ParentID: "p1"})
	assert.Equal(t, Tokens{ConversationID: "c1", ParentID: "p1"}, s.Current())
	assert.Equal(t, []Tokens{{}}, s.History())

	require.NoError(t, s.Rollback(1))
	assert.True(t, s.Current().IsZero())
	assert.Empty(t, s.History())
}
