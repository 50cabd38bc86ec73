package notify

import (
	"context"

	"go.uber.org/zap"
)

// NoOp logs notifications instead of delivering them. Default when no
// transport is configured.
type NoOp struct {
	log *zap.Logger
}

func NewNoOp(log *zap.Logger) *NoOp {
	return &NoOp{log: log.Named("notify.noop")}
}

func (n *NoOp) Send(_ context.Context, channel Channel, payload Payload) error {
	n.log.Info("notification dropped, no transport configured",
		zap.String("channel", string(channel)),
		zap.String("severity", payload.Severity),
		zap.String("subject", payload.Subject),
		zap.String("tenant_id", payload.TenantID),
	)
	return nil
}

func (n *NoOp) Channels() []Channel { return nil }
