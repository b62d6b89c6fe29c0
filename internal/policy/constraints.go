package policy

import (
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

// enforce applies the rules no oracle is trusted with: channel
// preference, urgency, quiet hours, weekend policy and the entry cap.
// Every trigger is resolved to UTC here, at plan time, in the user's zone.
func (e *Engine) enforce(
	proposed []model.PlanEntry,
	event model.Event,
	pref model.UserPreference,
	history []model.HistoryEntry,
	now time.Time,
) []model.PlanEntry {
	if !event.StartsAt.After(now) {
		return nil
	}

	loc := pref.Location()
	urgent := event.StartsAt.Sub(now) <= e.cfg.UrgentWindow
	eventOnWeekend := model.IsWeekend(event.StartsAt, loc)

	seen := make(map[[2]string]bool)
	var out []model.PlanEntry

	for _, entry := range proposed {
		if entry.Offset <= 0 {
			continue
		}

		ch, ok := allowedChannel(entry.Channel, pref.Channel)
		if !ok {
			continue
		}
		entry.Channel = ch

		trigger := event.StartsAt.Add(-entry.Offset).UTC()
		if !trigger.After(now) {
			continue
		}

		// Urgency is decided here, not by the oracle.
		switch {
		case urgent:
			entry.Priority = model.PriorityUrgent
		case entry.Priority == model.PriorityUrgent:
			entry.Priority = model.PriorityHigh
		case entry.Priority == "":
			entry.Priority = model.PriorityNormal
		}

		if !entry.Urgent() && pref.Quiet.Contains(trigger, loc) {
			trigger = pref.Quiet.WindowEnd(trigger, loc)
		}

		// The weekend rule sees the final trigger, after any deferral.
		ch, ok = model.WeekendChannel(entry.Channel, pref, eventOnWeekend || model.IsWeekend(trigger, loc))
		if !ok {
			continue
		}
		entry.Channel = ch
		entry.TriggerAt = trigger

		key := [2]string{entry.Offset.String(), string(entry.Channel)}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}

	if len(out) == 0 && urgent && !model.UrgentSent(history, event.Version) {
		if imm, ok := e.immediateEntry(event, pref, now); ok {
			out = append(out, imm)
		}
	}

	model.SortEntries(out)
	if len(out) > e.cfg.MaxEntries {
		out = out[:e.cfg.MaxEntries]
	}
	return out
}

// allowedChannel maps a proposed channel onto what the user accepts. When
// the user accepts a single channel the entry is moved to it rather than
// lost.
func allowedChannel(proposed model.Channel, pref model.ChannelPreference) (model.Channel, bool) {
	if pref.Allows(proposed) {
		return proposed, true
	}
	switch pref {
	case model.PreferEmail:
		return model.ChannelEmail, true
	case model.PreferCall:
		return model.ChannelCall, true
	}
	return "", false
}

// immediateEntry fires right away for an event about to start when every
// proposed entry already lies in the past. Calls are preferred when the
// user accepts them. The offset is pinned to the urgent window so every
// re-plan of the same version maps to the same idempotency key.
func (e *Engine) immediateEntry(event model.Event, pref model.UserPreference, now time.Time) (model.PlanEntry, bool) {
	if !event.StartsAt.After(now) {
		return model.PlanEntry{}, false
	}

	ch := model.ChannelEmail
	if pref.Channel.Allows(model.ChannelCall) {
		ch = model.ChannelCall
	}
	loc := pref.Location()
	ch, ok := model.WeekendChannel(ch, pref, model.IsWeekend(event.StartsAt, loc) || model.IsWeekend(now, loc))
	if !ok {
		return model.PlanEntry{}, false
	}

	return model.PlanEntry{
		Offset:    e.cfg.UrgentWindow,
		Channel:   ch,
		Priority:  model.PriorityUrgent,
		TriggerAt: now.UTC(),
	}, true
}
