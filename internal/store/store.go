package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when an insert collides with a
	// non-terminal job holding the same idempotency key.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")
)

// JobUpdate describes the columns a status transition rewrites besides
// status itself. Nil fields are left untouched.
type JobUpdate struct {
	Status          model.JobStatus
	TriggerAt       *time.Time
	LastError       *string
	RespondedAction *model.Action
	IncAttempts     bool
}

// JobFilter narrows job listings.
type JobFilter struct {
	EventID       string
	Statuses      []model.JobStatus
	TriggerBefore *time.Time
	UpdatedBefore *time.Time
	Limit         int
}

// JobStore persists scheduled jobs. TransitionJob is the single atomic
// compare-and-swap primitive every status change goes through.
type JobStore interface {
	InsertJob(ctx context.Context, job model.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*model.ScheduledJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ScheduledJob, error)
	FindActiveJobByKey(ctx context.Context, key string) (*model.ScheduledJob, error)

	// TransitionJob applies u to job id only if its current status is one
	// of from. It reports whether this caller won the transition.
	TransitionJob(ctx context.Context, id string, from []model.JobStatus, u JobUpdate) (bool, error)
}

// AttemptStore persists the append-only delivery attempt log.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, a model.DeliveryAttempt) error
	UpdateAttemptOutcome(ctx context.Context, id string, outcome model.AttemptOutcome, errText string) error
	ListAttempts(ctx context.Context, jobID string) ([]model.DeliveryAttempt, error)
}

// CallSessionStore correlates provider call references with jobs.
type CallSessionStore interface {
	PutCallSession(ctx context.Context, s model.CallSession) error
	GetCallSession(ctx context.Context, callRef string) (*model.CallSession, error)

	// AdvanceCallSession moves the session to state if it is not already
	// terminal. It reports whether the state changed.
	AdvanceCallSession(ctx context.Context, callRef string, state model.CallState) (bool, error)
	MarkCallResponded(ctx context.Context, callRef string) error
}

// ResponseStore persists accepted user responses.
type ResponseStore interface {
	InsertResponse(ctx context.Context, r model.UserResponse) error
	ListResponses(ctx context.Context, eventID string) ([]model.UserResponse, error)
	History(ctx context.Context, eventID string) ([]model.HistoryEntry, error)
}

// NonceStore records consumed action-token nonces.
type NonceStore interface {
	// ConsumeNonce marks nonce used. It returns false if it was already
	// consumed.
	ConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
	PruneNonces(ctx context.Context, now time.Time) (int64, error)
}

// DirectoryStore holds the read-only inputs written by the calendar sync
// and preference CRUD collaborators.
type DirectoryStore interface {
	UpsertEvent(ctx context.Context, e model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpsertPreference(ctx context.Context, p model.UserPreference) error
	GetPreference(ctx context.Context, userID string) (*model.UserPreference, error)
	UpsertContact(ctx context.Context, c model.Contact) error
	GetContact(ctx context.Context, userID string) (*model.Contact, error)
}

// CredentialStore persists sealed provider credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, name, ciphertext string) error
	GetCredential(ctx context.Context, name string) (string, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	JobStore
	AttemptStore
	CallSessionStore
	ResponseStore
	NonceStore
	DirectoryStore
	CredentialStore

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits if fn returns nil.
	WithTx(ctx context.Context, fn func(Store) error) error
}
