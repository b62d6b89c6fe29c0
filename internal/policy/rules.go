package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

// DefaultOffsets are the canonical reminder offsets.
var DefaultOffsets = []time.Duration{24 * time.Hour, 2 * time.Hour, 30 * time.Minute, 5 * time.Minute}

// RuleOracle is the deterministic oracle. It sends one reminder per
// accepted channel at the earliest canonical offset still ahead; a user
// accepting both channels is emailed first and called at the largest
// offset within their escalation threshold.
type RuleOracle struct {
	offsets []time.Duration
}

// NewRuleOracle creates a rule oracle over the given offsets, largest
// first. Nil selects DefaultOffsets.
func NewRuleOracle(offsets []time.Duration) *RuleOracle {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	sorted := append([]time.Duration(nil), offsets...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] > sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &RuleOracle{offsets: sorted}
}

// Name implements Oracle.
func (o *RuleOracle) Name() string { return "rules" }

// Propose implements Oracle.
func (o *RuleOracle) Propose(_ context.Context, req Request) (Proposal, error) {
	ahead := func(max time.Duration) (time.Duration, bool) {
		for _, off := range o.offsets {
			if max > 0 && off > max {
				continue
			}
			if req.Event.StartsAt.Add(-off).After(req.Now) {
				return off, true
			}
		}
		return 0, false
	}

	var entries []model.PlanEntry
	switch req.Preference.Channel {
	case model.PreferCall:
		if off, ok := ahead(0); ok {
			entries = append(entries, model.PlanEntry{Offset: off, Channel: model.ChannelCall, Priority: model.PriorityNormal})
		}
	case model.PreferBoth:
		if off, ok := ahead(0); ok {
			entries = append(entries, model.PlanEntry{Offset: off, Channel: model.ChannelEmail, Priority: model.PriorityNormal})
		}
		threshold := req.Preference.EscalationThreshold
		if threshold <= 0 {
			threshold = time.Hour
		}
		if off, ok := ahead(threshold); ok {
			entries = append(entries, model.PlanEntry{Offset: off, Channel: model.ChannelCall, Priority: model.PriorityHigh})
		}
	default:
		if off, ok := ahead(0); ok {
			entries = append(entries, model.PlanEntry{Offset: off, Channel: model.ChannelEmail, Priority: model.PriorityNormal})
		}
	}

	title := req.Event.Title
	return Proposal{
		Entries: entries,
		Hints: model.ContentHints{
			CallScript:   fmt.Sprintf("This is a reminder about %s.", title),
			EmailSubject: fmt.Sprintf("Reminder: %s", title),
		},
	}, nil
}
