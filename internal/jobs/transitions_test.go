package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusQueued, StatusProcessing},
		{StatusQueued, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusActive, StatusPaused},
		{StatusPaused, StatusActive},
		{StatusActive, StatusStopped},
		{StatusPaused, StatusStopped},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	rejected := []struct{ from, to Status }{
		{StatusQueued, StatusCompleted},
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusProcessing},
		{StatusCancelled, StatusQueued},
		{StatusStopped, StatusActive},
		{StatusCompleted, StatusQueued},
		{StatusProcessing, StatusActive},
	}
	for _, tt := range rejected {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be rejected", tt.from, tt.to)
	}

	// Self-transitions keep repeated writes idempotent.
	assert.True(t, CanTransition(StatusCompleted, StatusCompleted))
}

func TestJobTransition(t *testing.T) {
	j := &Job{Status: StatusQueued}
	assert.NoError(t, j.Transition(StatusProcessing))
	assert.Equal(t, StatusProcessing, j.Status)

	err := j.Transition(StatusQueued)
	assert.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, StatusProcessing, j.Status)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusStopped} {
		assert.True(t, IsTerminal(s), string(s))
	}
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusActive, StatusPaused} {
		assert.False(t, IsTerminal(s), string(s))
	}
}
