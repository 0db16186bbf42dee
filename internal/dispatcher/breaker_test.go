package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerDisabled(t *testing.T) {
	b := NewBreaker(0, time.Second)
	assert.Nil(t, b)
	assert.True(t, b.Ready())
	assert.True(t, b.Allow())
	b.OnFailure()
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestBreakerTransitions(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, 10*time.Second)
	b.now = func() time.Time { return now }

	b.OnFailure()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Allow())

	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Ready())
	assert.False(t, b.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, b.Ready())
	assert.True(t, b.Allow(), "first caller after cooldown is the trial")
	assert.Equal(t, "half-open", b.State())
	assert.False(t, b.Allow(), "only one trial at a time")
	assert.False(t, b.Ready())

	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, b.Allow())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
}
