// Package bus carries jobs and results between the autoland processes
// over a durable JetStream stream. Routing keys map onto subjects under
// a common prefix, so key "hgpusher" travels on "autoland.hgpusher".
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relengtools/autoland/config"
)

// Routing keys.
const (
	// KeyDB routes results and status messages to the orchestrator.
	KeyDB = "db"
	// KeyPusher routes apply jobs to the pushers.
	KeyPusher = "hgpusher"
)

// Meta is the envelope metadata carried with every message.
type Meta struct {
	SentTime     time.Time `json:"sent_time"`
	RoutingKey   string    `json:"routing_key"`
	Exchange     string    `json:"exchange"`
	ReceivedTime time.Time `json:"received_time,omitempty"`
}

// Envelope wraps a payload with transport metadata.
type Envelope struct {
	Meta    Meta            `json:"_meta"`
	Payload json.RawMessage `json:"payload"`
}

// Client connects the process to the stream.
type Client struct {
	config config.BusConfig
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials the server and ensures the stream exists.
func Connect(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	c := &Client{config: cfg, conn: conn, js: js, logger: logger}
	if err := c.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) ensureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.config.Stream,
		Subjects:  []string{c.config.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", c.config.Stream, err)
	}
	return nil
}

func (c *Client) subject(routingKey string) string {
	return c.config.SubjectPrefix + "." + routingKey
}

// Publish wraps payload in an envelope and publishes it under the
// routing key's subject.
func (c *Client) Publish(ctx context.Context, routingKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	env := Envelope{
		Meta: Meta{
			SentTime:   time.Now().UTC(),
			RoutingKey: routingKey,
			Exchange:   c.config.Stream,
		},
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if _, err := c.js.Publish(ctx, c.subject(routingKey), data); err != nil {
		return fmt.Errorf("publish to %s: %w", c.subject(routingKey), err)
	}
	c.logger.Debug("Published message",
		slog.String("routing_key", routingKey))
	return nil
}

// Handler processes one delivered envelope. A nil return acks the
// message; an error naks it for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Consume runs a fetch loop on a durable consumer filtered to the
// routing key's subject, until the context ends. Each message is acked
// only after the handler succeeds.
func (c *Client) Consume(ctx context.Context, routingKey, durable string, handler Handler) error {
	stream, err := c.js.Stream(ctx, c.config.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.config.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: c.subject(routingKey),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Debug("Fetch timeout or error", slog.String("error", err.Error()))
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg, handler)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		c.logger.Error("Discarding undecodable message",
			slog.String("subject", msg.Subject()),
			slog.String("error", err.Error()))
		// Malformed payloads never get better on redelivery.
		if err := msg.Ack(); err != nil {
			c.logger.Error("Failed to ack message", slog.String("error", err.Error()))
		}
		return
	}
	env.Meta.ReceivedTime = time.Now().UTC()

	if err := handler(ctx, env); err != nil {
		c.logger.Warn("Handler failed, message will be redelivered",
			slog.String("subject", msg.Subject()),
			slog.String("error", err.Error()))
		if err := msg.Nak(); err != nil {
			c.logger.Error("Failed to nak message", slog.String("error", err.Error()))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Error("Failed to ack message", slog.String("error", err.Error()))
	}
}

// Purge drops every pending message on the routing key's subject.
func (c *Client) Purge(ctx context.Context, routingKey string) error {
	stream, err := c.js.Stream(ctx, c.config.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.config.Stream, err)
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(c.subject(routingKey))); err != nil {
		return fmt.Errorf("purge %s: %w", c.subject(routingKey), err)
	}
	c.logger.Info("Purged queue", slog.String("routing_key", routingKey))
	return nil
}
