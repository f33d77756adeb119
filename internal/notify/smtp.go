package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	gomail "gopkg.in/gomail.v2"

	"civicwatch/internal/domain"
)

// SMTPConfig holds mail delivery settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SMTPNotifier sends risk alerts as plain-text email.
type SMTPNotifier struct {
	cfg SMTPConfig
	log zerolog.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, log zerolog.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, log: log}
}

func (n *SMTPNotifier) SendRiskAlert(ctx context.Context, a Alert) error {
	if a.Recipient == "" {
		return fmt.Errorf("alert for project %s has no recipient", a.ProjectID)
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", a.Recipient)
	m.SetHeader("Subject", Subject(a))
	m.SetBody("text/plain", ComposeBody(a))

	// gomail has no context support and no timeout of its own, so a silent
	// SMTP peer would block forever. The send runs on its own goroutine and
	// the context bounds the wait; an abandoned attempt is left to the
	// connection's TCP timeouts.
	d := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	sent := make(chan error, 1)
	go func() { sent <- d.DialAndSend(m) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("send risk alert for project %s: %w", a.ProjectID, ctx.Err())
	case err := <-sent:
		if err != nil {
			return fmt.Errorf("send risk alert for project %s: %w", a.ProjectID, err)
		}
	}
	n.log.Debug().
		Str("project_id", a.ProjectID).
		Str("recipient", a.Recipient).
		Int("factors", len(a.Factors)).
		Msg("risk alert sent")
	return nil
}

// LogNotifier writes alerts to the log instead of sending mail. Used when
// alert delivery is disabled in config and in local development.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) SendRiskAlert(ctx context.Context, a Alert) error {
	n.Log.Info().
		Str("project_id", a.ProjectID).
		Str("project", a.ProjectTitle).
		Str("severity", string(a.Severity)).
		Strs("factors", factorStrings(a.Factors)).
		Msg("risk alert (delivery disabled)")
	return nil
}

func factorStrings(factors []domain.FactorCode) []string {
	out := make([]string, len(factors))
	for i, f := range factors {
		out[i] = string(f)
	}
	return out
}
