// Package notify delivers alert notifications over the configured
// channels. Delivery is best effort; the alert row records the outcome.
package notify

import (
	"context"

	"github.com/smallbiznis/quotaflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// Payload is the channel-agnostic notification body.
type Payload struct {
	Subject  string
	Body     string
	Severity string
	TenantID string
	Metric   string
}

type Provider interface {
	Send(ctx context.Context, channel Channel, payload Payload) error
	// Channels lists what this provider can actually deliver to.
	Channels() []Channel
}

// New selects providers from config and routes per channel. With nothing
// configured alerts still transition to sent; they are just not delivered
// anywhere, which the noop provider logs.
func New(cfg config.Config, log *zap.Logger) Provider {
	router := &Router{log: log.Named("notify"), routes: map[Channel]Provider{}}

	if cfg.Notify.SMTPHost != "" && cfg.Notify.SMTPFrom != "" {
		router.routes[ChannelEmail] = NewSMTP(cfg.Notify, log)
	}
	if cfg.Notify.SlackWebhook != "" {
		router.routes[ChannelSlack] = NewSlack(cfg.Notify.SlackWebhook, log)
	}
	if len(router.routes) == 0 {
		return NewNoOp(log)
	}
	return router
}

// Router dispatches each channel to its configured provider.
type Router struct {
	log    *zap.Logger
	routes map[Channel]Provider
}

func (r *Router) Send(ctx context.Context, channel Channel, payload Payload) error {
	provider, ok := r.routes[channel]
	if !ok {
		r.log.Debug("no provider for channel, skipping", zap.String("channel", string(channel)))
		return nil
	}
	return provider.Send(ctx, channel, payload)
}

func (r *Router) Channels() []Channel {
	channels := make([]Channel, 0, len(r.routes))
	for c := range r.routes {
		channels = append(channels, c)
	}
	return channels
}

var Module = fx.Module("providers.notify",
	fx.Provide(New),
)
