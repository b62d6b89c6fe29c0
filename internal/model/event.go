package model

import "time"

// Event is an immutable snapshot of a calendar occurrence produced by the
// calendar sync collaborator. A new Version means the event must be
// re-planned; older snapshots are never mutated.
type Event struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Organizer string    `json:"organizer" db:"organizer"`
	Location  string    `json:"location" db:"location"`
	StartsAt  time.Time `json:"starts_at" db:"-"`
	EndsAt    time.Time `json:"ends_at" db:"-"`

	// TimeZone is the IANA zone the source calendar expressed the event in.
	TimeZone string `json:"time_zone" db:"time_zone"`

	// Version increases strictly with every upstream modification.
	Version int64 `json:"version" db:"version"`
}

// SourceLocation returns the event's source time zone, falling back to UTC.
func (e Event) SourceLocation() *time.Location {
	return loadLocation(e.TimeZone)
}

// Contact holds the delivery addresses of a user.
type Contact struct {
	UserID string `json:"user_id" db:"user_id"`
	Name   string `json:"name" db:"name"`
	Email  string `json:"email" db:"email"`
	Phone  string `json:"phone" db:"phone"`
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
