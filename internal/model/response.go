package model

import "time"

// Action is a state-changing choice a user can make about an event.
type Action string

const (
	ActionConfirm    Action = "confirm"
	ActionReschedule Action = "reschedule"
	ActionCancel     Action = "cancel"
)

// AllActions lists the actions offered in every delivery.
var AllActions = []Action{ActionConfirm, ActionReschedule, ActionCancel}

// ActionForDigit maps a DTMF key press to an action.
func ActionForDigit(digit string) (Action, bool) {
	switch digit {
	case "1":
		return ActionConfirm, true
	case "2":
		return ActionReschedule, true
	case "3":
		return ActionCancel, true
	}
	return "", false
}

// ActionClaims is the verified content of an action token.
type ActionClaims struct {
	JobID     string   `json:"j"`
	Actions   []Action `json:"a"`
	ExpiresAt int64    `json:"e"`
	Nonce     string   `json:"n"`
}

// Expiry returns the claims' expiry as a time.
func (c ActionClaims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// Allows reports whether a is one of the claimed actions.
func (c ActionClaims) Allows(a Action) bool {
	for _, x := range c.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// ResponseResult is the validation outcome of an inbound signal.
type ResponseResult string

const (
	ResponseAccepted ResponseResult = "accepted"
	ResponseRejected ResponseResult = "rejected"
)

// UserResponse is the outcome of handling a DTMF digit or RSVP click.
type UserResponse struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	EventVersion int64          `json:"event_version,omitempty"`
	Action       Action         `json:"action,omitempty"`
	Channel      Channel        `json:"channel"`
	Result       ResponseResult `json:"result"`
	Cancelled    int            `json:"cancelled"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// Accepted reports whether the response passed validation.
func (r UserResponse) Accepted() bool {
	return r.Result == ResponseAccepted
}

// HistoryEntry summarizes prior notification activity for one event.
type HistoryEntry struct {
	JobID        string    `json:"job_id"`
	EventVersion int64     `json:"event_version"`
	Channel      Channel   `json:"channel"`
	Priority     Priority  `json:"priority"`
	Status       JobStatus `json:"status"`
	Response     Action    `json:"response,omitempty"`
	At           time.Time `json:"at"`
}

// Answered reports whether history contains a user response for version.
func Answered(history []HistoryEntry, version int64) bool {
	for _, h := range history {
		if h.Response != "" && h.EventVersion == version {
			return true
		}
	}
	return false
}

// UrgentSent reports whether history already holds an urgent notification
// for version, whatever became of it.
func UrgentSent(history []HistoryEntry, version int64) bool {
	for _, h := range history {
		if h.Priority == PriorityUrgent && h.EventVersion == version && h.Status != JobSuperseded {
			return true
		}
	}
	return false
}
