package model

import (
	"sort"
	"time"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelCall  Channel = "call"
)

// Priority ranks a plan entry. Urgent entries bypass quiet hours.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PlanEntry is one notification the plan asks for: fire on Channel,
// Offset before the event starts.
type PlanEntry struct {
	Offset   time.Duration `json:"offset"`
	Channel  Channel       `json:"channel"`
	Priority Priority      `json:"priority"`

	// TriggerAt is the absolute UTC fire time resolved at plan time. It
	// normally equals event start minus Offset, but quiet-hours handling
	// may move it.
	TriggerAt time.Time `json:"trigger_at"`

	// EscalateIfUnconfirmed marks a fallback escalation that only fires
	// when the event has not been answered yet.
	EscalateIfUnconfirmed bool `json:"escalate_if_unconfirmed,omitempty"`
}

// Urgent reports whether the entry may ignore quiet hours.
func (e PlanEntry) Urgent() bool {
	return e.Priority == PriorityUrgent
}

// ContentHints carries free-text guidance for rendering.
type ContentHints struct {
	CallScript   string `json:"call_script,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
	EmailBody    string `json:"email_body,omitempty"`
}

// PlanSource records who produced a plan.
type PlanSource string

const (
	PlanSourceOracle   PlanSource = "oracle"
	PlanSourceFallback PlanSource = "fallback"
	PlanSourceAnswered PlanSource = "answered"
)

// NotificationPlan is the immutable output of the policy engine for one
// event version.
type NotificationPlan struct {
	EventID      string       `json:"event_id"`
	EventVersion int64        `json:"event_version"`
	UserID       string       `json:"user_id"`
	EventStarts  time.Time    `json:"event_starts"`
	Entries      []PlanEntry  `json:"entries"`
	Hints        ContentHints `json:"hints"`
	Source       PlanSource   `json:"source"`
	PlannedAt    time.Time    `json:"planned_at"`
}

// Empty reports whether the plan schedules nothing.
func (p NotificationPlan) Empty() bool {
	return len(p.Entries) == 0
}

// SortEntries orders entries so the earliest trigger comes first.
func SortEntries(entries []PlanEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Offset != entries[j].Offset {
			return entries[i].Offset > entries[j].Offset
		}
		return entries[i].Channel < entries[j].Channel
	})
}
