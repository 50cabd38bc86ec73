package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/smallbiznis/quotaflow/internal/config"
	"go.uber.org/zap"
)

// SMTP sends plain-text alert mail through a single relay.
type SMTP struct {
	cfg config.NotifyConfig
	log *zap.Logger

	// send is swappable for tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg config.NotifyConfig, log *zap.Logger) *SMTP {
	return &SMTP{
		cfg:  cfg,
		log:  log.Named("notify.smtp"),
		send: smtp.SendMail,
	}
}

func (s *SMTP) Send(_ context.Context, _ Channel, payload Payload) error {
	to := s.cfg.SMTPFrom // operator mailbox doubles as the default recipient
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(payload.Severity), payload.Subject)
	msg.WriteString("\r\n")
	msg.WriteString(payload.Body)
	fmt.Fprintf(&msg, "\r\n\r\ntenant=%s metric=%s\r\n", payload.TenantID, payload.Metric)

	if err := s.send(addr, auth, s.cfg.SMTPFrom, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTP) Channels() []Channel { return []Channel{ChannelEmail} }
