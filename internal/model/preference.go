package model

import (
	"fmt"
	"time"
)

// ChannelPreference selects which delivery channels a user accepts.
type ChannelPreference string

const (
	PreferEmail ChannelPreference = "email"
	PreferCall  ChannelPreference = "call"
	PreferBoth  ChannelPreference = "both"
)

// Allows reports whether the preference permits delivery on ch.
func (p ChannelPreference) Allows(ch Channel) bool {
	switch p {
	case PreferEmail:
		return ch == ChannelEmail
	case PreferCall:
		return ch == ChannelCall
	case PreferBoth, "":
		return ch == ChannelEmail || ch == ChannelCall
	}
	return false
}

// WeekendPolicy controls notifications for events or triggers on Saturday
// and Sunday in the user's time zone.
type WeekendPolicy string

const (
	WeekendAllow     WeekendPolicy = "allow"
	WeekendSkip      WeekendPolicy = "skip"
	WeekendEmailOnly WeekendPolicy = "email_only"
)

// UserPreference is the read-only notification profile of a user.
type UserPreference struct {
	UserID   string            `json:"user_id" db:"user_id"`
	Channel  ChannelPreference `json:"channel" db:"channel"`
	Quiet    QuietHours        `json:"quiet_hours" db:"-"`
	Weekend  WeekendPolicy     `json:"weekend_policy" db:"weekend_policy"`
	TimeZone string            `json:"time_zone" db:"time_zone"`

	// EscalationThreshold is the offset at or below which a user who
	// accepts both channels is called instead of emailed.
	EscalationThreshold time.Duration `json:"escalation_threshold" db:"-"`

	// MaxCallAttempts caps delivery attempts for call jobs.
	MaxCallAttempts int `json:"max_call_attempts" db:"max_call_attempts"`
}

// Location returns the user's time zone, falling back to UTC.
func (p UserPreference) Location() *time.Location {
	return loadLocation(p.TimeZone)
}

// ClockTime is a wall-clock time of day expressed in minutes after midnight.
type ClockTime int

// ParseClockTime parses "HH:MM" in 24-hour notation.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// QuietHours is a daily local-time window during which non-urgent
// notifications must not fire. Start > End means the window wraps past
// midnight (e.g. 22:00–07:00). Start == End disables the window.
type QuietHours struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Enabled reports whether the window covers any time at all.
func (q QuietHours) Enabled() bool {
	return q.Start != q.End
}

// Contains reports whether t, converted to loc, falls inside the window.
// The window is half-open: Start is quiet, End is not.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	if !q.Enabled() {
		return false
	}
	local := t.In(loc)
	m := ClockTime(local.Hour()*60 + local.Minute())
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// WindowEnd returns the first instant at or after t, in loc, at which the
// quiet window that contains t has ended. If t is not inside the window it
// is returned unchanged.
func (q QuietHours) WindowEnd(t time.Time, loc *time.Location) time.Time {
	if !q.Contains(t, loc) {
		return t
	}
	local := t.In(loc)
	end := atClock(local, q.End)
	if !end.After(local) {
		end = atClock(local.AddDate(0, 0, 1), q.End)
	}
	// A DST gap can land the computed wall time back inside the window;
	// walk forward until it is clear.
	for q.Contains(end, loc) {
		end = end.Add(time.Minute)
	}
	return end.UTC()
}

// WindowStart returns the instant, in loc, at which the quiet window that
// contains t began. If t is not inside the window it is returned unchanged.
func (q QuietHours) WindowStart(t time.Time, loc *time.Location) time.Time {
	if !q.Contains(t, loc) {
		return t
	}
	local := t.In(loc)
	start := atClock(local, q.Start)
	if start.After(local) {
		start = atClock(local.AddDate(0, 0, -1), q.Start)
	}
	return start.UTC()
}

func atClock(day time.Time, c ClockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		int(c)/60, int(c)%60, 0, 0, day.Location())
}

// IsWeekend reports whether t falls on Saturday or Sunday in loc.
func IsWeekend(t time.Time, loc *time.Location) bool {
	wd := t.In(loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// WeekendChannel applies the weekend policy to a notification on ch that
// touches a weekend. It returns the channel to use, or false when the
// notification must be dropped.
func WeekendChannel(ch Channel, pref UserPreference, weekend bool) (Channel, bool) {
	if !weekend {
		return ch, true
	}
	switch pref.Weekend {
	case WeekendSkip:
		return "", false
	case WeekendEmailOnly:
		if ch == ChannelCall {
			if !pref.Channel.Allows(ChannelEmail) {
				return "", false
			}
			return ChannelEmail, true
		}
	}
	return ch, true
}
