package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventRecordPending(t *testing.T) {
	now := time.Now()

	assert.True(t, EventRecord{ShouldPublish: true}.Pending())
	assert.False(t, EventRecord{}.Pending(), "audit-only")
	assert.False(t, EventRecord{ShouldPublish: true, PublishedAt: &now}.Pending())
	assert.False(t, EventRecord{ShouldPublish: true, DeadLetteredAt: &now}.Pending())
}
