// Package bus wraps the NATS connection the engine receives submissions on
// and publishes job lifecycle, item and round events to.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// handlerTimeout bounds how long a subscription handler may run per message.
const handlerTimeout = 30 * time.Second

type Client struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server with unlimited reconnects so a broker restart
// does not take the engine down with it. Reconnect churn is logged, not fatal.
func Connect(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("biolens-analysis-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, logger: logger}, nil
}

// Close drains the connection so in-flight messages are delivered before the
// socket goes away.
func (c *Client) Close() {
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.logger.Warn("nats drain failed", "err", err)
		}
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// SubscribeJSON invokes handler with the raw payload of each message on
// subject, under a context bounded by handlerTimeout.
func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		handler(ctx, msg.Data)
	})
}
