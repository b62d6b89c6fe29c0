package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPSink publishes audit events as persistent JSON messages on a durable
// queue.
type AMQPSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *logrus.Entry
}

// NewAMQPSink connects and declares the queue.
func NewAMQPSink(cfg AMQPConfig, log *logrus.Entry) (*AMQPSink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", cfg.Queue, err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AMQPSink{
		conn:    conn,
		channel: ch,
		queue:   cfg.Queue,
		log:     log.WithField("component", "audit-amqp"),
	}, nil
}

// Record implements Sink. Publish failures are logged and dropped.
func (s *AMQPSink) Record(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).Error("marshaling audit event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Type:         string(ev.Type),
		},
	)
	if err != nil {
		s.log.WithError(err).WithField("audit", ev.Type).Error("publishing audit event")
	}
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.channel.Close(); err != nil {
		firstErr = err
	}
	if err := s.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
