package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a ScheduledJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDue        JobStatus = "due"
	JobInFlight   JobStatus = "in_flight"
	JobDelivered  JobStatus = "delivered"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobSuperseded JobStatus = "superseded"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDelivered, JobFailed, JobCancelled, JobSuperseded:
		return true
	}
	return false
}

// NonTerminalStatuses lists every status that still occupies an
// idempotency key.
var NonTerminalStatuses = []JobStatus{JobPending, JobDue, JobInFlight}

// ScheduledJob is one materialized plan entry.
type ScheduledJob struct {
	ID             string        `json:"id"`
	EventID        string        `json:"event_id"`
	EventVersion   int64         `json:"event_version"`
	UserID         string        `json:"user_id"`
	Offset         time.Duration `json:"offset"`
	Channel        Channel       `json:"channel"`
	Priority       Priority      `json:"priority"`
	Escalation     bool          `json:"escalation"`
	TriggerAt      time.Time     `json:"trigger_at"`
	Status         JobStatus     `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	LastError      string        `json:"last_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Hints          ContentHints  `json:"hints"`

	// RespondedAction is set when a user response closed this job.
	RespondedAction Action `json:"responded_action,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Urgent reports whether the job may fire inside quiet hours.
func (j ScheduledJob) Urgent() bool {
	return j.Priority == PriorityUrgent
}

// IdempotencyKey derives the deterministic key for one logical
// notification: the same event version, offset and channel always map to
// the same key.
func IdempotencyKey(eventID string, version int64, offset time.Duration, ch Channel) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s",
		eventID, version, int64(offset/time.Second), ch)))
	return hex.EncodeToString(sum[:])
}

// AttemptOutcome is the result of a single delivery attempt.
type AttemptOutcome string

const (
	OutcomeInitiated        AttemptOutcome = "initiated"
	OutcomeDelivered        AttemptOutcome = "delivered"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
	OutcomeNoAnswer         AttemptOutcome = "no_answer"
	OutcomeBusy             AttemptOutcome = "busy"
)

// DeliveryAttempt is an append-only execution record of a job.
type DeliveryAttempt struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Number      int            `json:"number"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CallSession correlates an in-progress call with the job and action token
// it delivers.
type CallSession struct {
	CallRef   string    `json:"call_ref"`
	JobID     string    `json:"job_id"`
	AttemptID string    `json:"attempt_id"`
	Token     string    `json:"token"`
	State     CallState `json:"state"`
	Responded bool      `json:"responded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallState is a step of the voice-call state machine.
type CallState string

const (
	CallInitiated  CallState = "initiated"
	CallRinging    CallState = "ringing"
	CallInProgress CallState = "in_progress"
	CallCompleted  CallState = "completed"
	CallNoAnswer   CallState = "no_answer"
	CallBusy       CallState = "busy"
	CallFailed     CallState = "failed"
)

// Terminal reports whether the call has ended.
func (s CallState) Terminal() bool {
	switch s {
	case CallCompleted, CallNoAnswer, CallBusy, CallFailed:
		return true
	}
	return false
}
