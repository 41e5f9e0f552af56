// Package audit emits structured security events (logins, account changes,
// credential operations) to Kafka, falling back to the log when no brokers
// are configured. Emission is best-effort and never fails the request that
// produced the event.
package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Audited actions.
const (
	ActionLogin           = "login"
	ActionLoginFailed     = "login_failed"
	ActionLogout          = "logout"
	ActionAccountCreated  = "account_created"
	ActionPasswordChanged = "password_changed"
	ActionOtpEnrolled     = "otp_enrolled"
	ActionOtpRemoved      = "otp_removed"
	ActionBotCreated      = "bot_created"
	ActionBanRejection    = "ban_rejection"
)

// Event is one audited security action. UserID is zero when the subject is
// unknown (e.g. a failed login for an unregistered email).
type Event struct {
	Action    string            `json:"action"`
	UserID    int64             `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Emitter publishes audit events.
type Emitter interface {
	Emit(ctx context.Context, event Event)
	Close() error
}

// KafkaEmitter publishes events to a Kafka topic, keyed by user id so a
// user's events stay ordered within a partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaEmitter constructs an emitter over the given brokers and topic.
func NewKafkaEmitter(brokers []string, topic, clientID string, logger zerolog.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Transport:    &kafka.Transport{ClientID: clientID},
		},
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Emit publishes the event. Failures are logged and dropped.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error().Err(err).Str("action", event.Action).Msg("failed to marshal audit event")
		return
	}
	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.UserID, 10)),
		Value: payload,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("action", event.Action).Msg("failed to emit audit event")
	}
}

// Close flushes and closes the Kafka writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// LoggerEmitter writes events to the log. Used when no brokers are
// configured.
type LoggerEmitter struct {
	logger zerolog.Logger
}

// NewLoggerEmitter constructs a LoggerEmitter.
func NewLoggerEmitter(logger zerolog.Logger) *LoggerEmitter {
	return &LoggerEmitter{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit logs the event.
func (e *LoggerEmitter) Emit(_ context.Context, event Event) {
	evt := e.logger.Info().Str("action", event.Action)
	if event.UserID != 0 {
		evt = evt.Int64("user_id", event.UserID)
	}
	for k, v := range event.Metadata {
		evt = evt.Str(k, v)
	}
	evt.Msg("audit event")
}

// Close is a no-op.
func (e *LoggerEmitter) Close() error { return nil }

// Noop discards all events. Test hook.
type Noop struct{}

// Emit discards the event.
func (Noop) Emit(context.Context, Event) {}

// Close is a no-op.
func (Noop) Close() error { return nil }
