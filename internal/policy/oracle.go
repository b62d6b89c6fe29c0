// Package policy decides whether, when and on which channel to notify a
// user about an event. A pluggable Oracle proposes a plan; the Engine
// enforces quiet hours, weekend policy and the entry cap locally and falls
// back to a deterministic rule whenever the oracle cannot be trusted.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

// Request is everything an oracle may base its decision on.
type Request struct {
	Event      model.Event
	Preference model.UserPreference
	History    []model.HistoryEntry
	Now        time.Time
	MaxEntries int
}

// Proposal is an oracle's unvalidated answer.
type Proposal struct {
	Entries []model.PlanEntry
	Hints   model.ContentHints
}

// Oracle proposes notification entries for one event.
type Oracle interface {
	Name() string
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// OracleError wraps any failure of an oracle, including a malformed
// proposal. It never leaves the Engine.
type OracleError struct {
	Oracle string
	Err    error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Oracle, e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

// IsOracleError reports whether err (or any error in its chain) is an
// OracleError.
func IsOracleError(err error) bool {
	var oe *OracleError
	return errors.As(err, &oe)
}

// validateProposal rejects proposals the engine cannot interpret at all.
// Entries that are merely out of policy are repaired later, not rejected.
// An empty proposal is a valid "do not notify" decision.
func validateProposal(p Proposal) error {
	for i, e := range p.Entries {
		if e.Offset <= 0 {
			return fmt.Errorf("entry %d: offset %s is not positive", i, e.Offset)
		}
		switch e.Channel {
		case model.ChannelEmail, model.ChannelCall:
		default:
			return fmt.Errorf("entry %d: unknown channel %q", i, e.Channel)
		}
		switch e.Priority {
		case "", model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
		default:
			return fmt.Errorf("entry %d: unknown priority %q", i, e.Priority)
		}
	}
	return nil
}
