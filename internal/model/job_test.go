package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	base := IdempotencyKey("evt-1", 1, 24*time.Hour, ChannelEmail)

	assert.Equal(t, base, IdempotencyKey("evt-1", 1, 24*time.Hour, ChannelEmail))
	assert.Len(t, base, 64)

	assert.NotEqual(t, base, IdempotencyKey("evt-1", 2, 24*time.Hour, ChannelEmail))
	assert.NotEqual(t, base, IdempotencyKey("evt-1", 1, time.Hour, ChannelEmail))
	assert.NotEqual(t, base, IdempotencyKey("evt-1", 1, 24*time.Hour, ChannelCall))
	assert.NotEqual(t, base, IdempotencyKey("evt-2", 1, 24*time.Hour, ChannelEmail))
}

func TestJobStatusTerminal(t *testing.T) {
	for _, st := range NonTerminalStatuses {
		assert.False(t, st.Terminal(), st)
	}
	for _, st := range []JobStatus{JobDelivered, JobFailed, JobCancelled, JobSuperseded} {
		assert.True(t, st.Terminal(), st)
	}
}

func TestActionForDigit(t *testing.T) {
	tests := []struct {
		digit string
		want  Action
		ok    bool
	}{
		{"1", ActionConfirm, true},
		{"2", ActionReschedule, true},
		{"3", ActionCancel, true},
		{"4", "", false},
		{"", "", false},
		{"12", "", false},
	}
	for _, tt := range tests {
		got, ok := ActionForDigit(tt.digit)
		assert.Equal(t, tt.ok, ok, tt.digit)
		assert.Equal(t, tt.want, got, tt.digit)
	}
}

func TestAnswered(t *testing.T) {
	history := []HistoryEntry{
		{EventVersion: 1, Status: JobDelivered, Response: ActionConfirm},
		{EventVersion: 2, Status: JobDelivered},
	}
	assert.True(t, Answered(history, 1))
	assert.False(t, Answered(history, 2))
	assert.False(t, Answered(nil, 1))
}
