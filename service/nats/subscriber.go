package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventSource delivers lifecycle events for a wallet until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, walletID string, handle func(*TransactionEvent)) error
}

// Subscriber reads lifecycle events from JetStream with ephemeral consumers.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for consuming lifecycle events.
func NewSubscriber(natsURL, name string, logger *slog.Logger) (*Subscriber, error) {
	nc, err := Connect(natsURL, name)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Subscriber{nc: nc, js: js, logger: logger}, nil
}

// Subscribe creates an ephemeral consumer delivering only new events for
// walletID (all wallets when empty) and calls handle for each one. It blocks
// until ctx is done. Undecodable messages are acked and skipped.
func (s *Subscriber) Subscribe(ctx context.Context, walletID string, handle func(*TransactionEvent)) error {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: Subject(walletID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgs := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}
	defer cc.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var event TransactionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				s.logger.WarnContext(ctx, "failed to unmarshal lifecycle event", "error", err)
				msg.Ack()
				continue
			}
			handle(&event)
			msg.Ack()
		}
	}
}

// Close closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
