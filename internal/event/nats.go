// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams code lifecycle events to support downstream notification and
// audit consumers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/nats-io/nats.go"
)

// Publisher defines the event publishing operations used by the redemption
// engine and the reconciliation worker. Publishing is best effort: callers
// log failures and carry on, the store remains the source of truth.
type Publisher interface {
	// Code lifecycle events
	PublishCodeServed(ctx context.Context, read model.TapRead, code model.Code) error
	PublishCodeClaimed(ctx context.Context, code model.Code) error
	PublishCodeReleased(ctx context.Context, code model.Code) error

	// Reconciliation run summary
	PublishReconcileRun(ctx context.Context, stats model.ReconcileStats) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishCodeServed(ctx context.Context, read model.TapRead, code model.Code) error {
	return nil
}

func (n *noop) PublishCodeClaimed(ctx context.Context, code model.Code) error { return nil }

func (n *noop) PublishCodeReleased(ctx context.Context, code model.Code) error { return nil }

func (n *noop) PublishReconcileRun(ctx context.Context, stats model.ReconcileStats) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisherFromEnv creates a publisher based on environment configuration.
// It reads TAPD_NATS_URL; when unset, or when the connection fails, it falls
// back to a no-op publisher so the service keeps working without a broker.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("TAPD_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the TAP_CODES and TAP_RECONCILE streams.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "TAP_CODES",
		Subjects:  []string{"tap.codes.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create TAP_CODES stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "TAP_RECONCILE",
		Subjects:  []string{"tap.reconcile.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create TAP_RECONCILE stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) publish(subject string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// servedEvent carries both the ledger entry and the code it was tied to.
type servedEvent struct {
	Read model.TapRead `json:"read"`
	Code model.Code    `json:"code"`
}

// PublishCodeServed publishes an event recording that a code was handed to a
// tap. Fired only for fresh allocations, not idempotent replays.
func (p *natsPub) PublishCodeServed(ctx context.Context, read model.TapRead, code model.Code) error {
	return p.publish("tap.codes.served", servedEvent{Read: read, Code: code})
}

// PublishCodeClaimed publishes an event recording a confirmed redemption.
func (p *natsPub) PublishCodeClaimed(ctx context.Context, code model.Code) error {
	return p.publish("tap.codes.claimed", code)
}

// PublishCodeReleased publishes an event recording that an abandoned
// allocation was rolled back to the pool.
func (p *natsPub) PublishCodeReleased(ctx context.Context, code model.Code) error {
	return p.publish("tap.codes.released", code)
}

// PublishReconcileRun publishes the aggregate outcome of one reconciliation run.
func (p *natsPub) PublishReconcileRun(ctx context.Context, stats model.ReconcileStats) error {
	return p.publish("tap.reconcile.run", stats)
}
