package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// QueueGroup is shared by every interviewd instance, so each realtime
// message is applied by exactly one of them.
const QueueGroup = "interviewd"

// Handler receives the subject and raw payload of one message.
type Handler func(subject string, data []byte)

// identified payloads carry their own event id. It is sent as the
// Nats-Msg-Id header so a JetStream stream drops redelivered duplicates.
type identified interface {
	MessageID() string
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("interviewd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	return &Client{conn: nc, logger: logger}, nil
}

// Publish sends data as JSON. Interview events also carry their event id
// in the message header.
func (c *Client) Publish(subject string, data any) error {
	msg, err := newMsg(subject, data)
	if err != nil {
		return err
	}
	return c.conn.PublishMsg(msg)
}

// Subscribe attaches handler to subject within QueueGroup.
func (c *Client) Subscribe(subject string, handler Handler) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject, "queue", QueueGroup)
	return nil
}

// Close unsubscribes and flushes pending publishes before closing.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.FlushTimeout(2 * time.Second); err != nil {
		c.logger.Warn("nats flush on close failed", "error", err)
	}
	c.conn.Close()
}

func newMsg(subject string, data any) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	if ev, ok := data.(identified); ok && ev.MessageID() != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.MessageID())
	}
	return msg, nil
}
