// Package audit records delivery failures, rejected tokens and user
// responses for operators.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/model"
)

// Type names an audit event.
type Type string

const (
	DeliveryFailed    Type = "delivery_failed"
	DeliverySucceeded Type = "delivery_succeeded"
	TokenInvalid      Type = "token_invalid"
	UserResponded     Type = "user_response"
)

// Event is one audit record. Token material never appears in it.
type Event struct {
	Type    Type          `json:"type"`
	JobID   string        `json:"job_id,omitempty"`
	EventID string        `json:"event_id,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	Channel model.Channel `json:"channel,omitempty"`
	Action  model.Action  `json:"action,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
}

// Sink consumes audit events. Record must not block delivery for long
// and never fails the caller; sinks log their own errors.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes audit events to logrus.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a sink writing through log.
func NewLogSink(log *logrus.Entry) *LogSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSink{log: log.WithField("component", "audit")}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, ev Event) {
	entry := s.log.WithFields(logrus.Fields{
		"audit":    ev.Type,
		"job_id":   ev.JobID,
		"event_id": ev.EventID,
		"channel":  ev.Channel,
	})
	if ev.Action != "" {
		entry = entry.WithField("action", ev.Action)
	}
	switch ev.Type {
	case DeliveryFailed:
		entry.Error(ev.Detail)
	case TokenInvalid:
		entry.Warn(ev.Detail)
	default:
		entry.Info(ev.Detail)
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}
