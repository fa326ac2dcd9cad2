// Package notify delivers threat alerts through the configured channel
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/notify/telegram"
	"watchpost/internal/pipeline"
)

// ErrUnknownChannel is returned for an unsupported alerts.channel value
var ErrUnknownChannel = errors.New("unknown notification channel")

// Notifier is a pipeline.Notifier that owns a connection
type Notifier interface {
	pipeline.Notifier
	Name() string
	Close() error
}

// Config selects and configures the notification channel
type Config struct {
	Channel  string          `yaml:"channel" json:"channel"` // email, telegram, nats or none
	Location string          `yaml:"location" json:"location"`
	Email    EmailConfig     `yaml:"email" json:"email"`
	Telegram telegram.Config `yaml:"telegram" json:"telegram"`
	NATS     NATSConfig      `yaml:"nats" json:"nats"`
}

// New builds the notifier for cfg.Channel. "none" and "" return a notifier that always reports failure.
func New(cfg Config, logger *logrus.Logger) (Notifier, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	switch cfg.Channel {
	case "email":
		email := cfg.Email
		if email.Location == "" {
			email.Location = cfg.Location
		}
		return NewEmailNotifier(email, logger), nil
	case "telegram":
		if err := telegram.ValidateConfig(cfg.Telegram); err != nil {
			return nil, err
		}
		return telegram.NewBot(cfg.Telegram, logger), nil
	case "nats":
		return NewNATSNotifier(cfg.NATS, logger)
	case "none", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, cfg.Channel)
	}
}

// TestAlert builds the payload sent by the "test alert" action
func TestAlert(message string, now time.Time) *pipeline.Alert {
	if message == "" {
		message = pipeline.DefaultAlertMessage
	}
	return &pipeline.Alert{
		Type:       "TEST",
		Confidence: 1.0,
		Time:       now.Format(pipeline.TimestampLayout),
		Suspect:    pipeline.SuspectUnidentified,
		Message:    message,
	}
}

// Disabled never delivers anything
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) SendAlert(context.Context, *pipeline.Alert, string, string) bool { return false }

func (Disabled) Close() error { return nil }

// readEvidence loads an evidence image, returning nil when there is none
func readEvidence(ref string) []byte {
	if ref == "" {
		return nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil
	}
	return data
}
