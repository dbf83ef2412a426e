package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream that retains outbound engine events.
const StreamName = "MARKET_ENGINE_EVENTS"

// subjectPrefix roots every outbound subject:
// market.engine.events.{type}.{market_id}
const subjectPrefix = "market.engine.events"

// JetStreamPublisher publishes events to NATS JetStream for downstream
// consumers. Publish only enqueues; Run drains the queue.
type JetStreamPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

var _ Publisher = (*JetStreamPublisher)(nil)

// NewJetStreamPublisher creates a publisher with a bounded queue.
func NewJetStreamPublisher(js jetstream.JetStream, buffer int) *JetStreamPublisher {
	return &JetStreamPublisher{
		js:    js,
		queue: make(chan Event, buffer),
	}
}

// Publish enqueues e, dropping it if the queue is full.
func (p *JetStreamPublisher) Publish(_ context.Context, e Event) {
	select {
	case p.queue <- e:
	default:
		slog.Warn("nats publish queue full, dropping event", "type", e.Type, "market", e.MarketID)
	}
}

// Run publishes queued events until ctx is done.
func (p *JetStreamPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: consumers can rebuild from the query API.
				slog.Warn("nats publish failed", "type", e.Type, "market", e.MarketID, "err", err)
			}
		}
	}
}

func (p *JetStreamPublisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(e), data)
	return err
}

// Subject returns the NATS subject for e.
func Subject(e Event) string {
	subject := fmt.Sprintf("%s.%s", subjectPrefix, e.Type)
	if e.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, e.MarketID)
	}
	return subject
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	slog.Info("ensured outbound stream", "stream", StreamName)
	return nil
}

// ConnectNATS establishes a NATS connection that reconnects indefinitely and
// returns a JetStream context on it.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("market-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
