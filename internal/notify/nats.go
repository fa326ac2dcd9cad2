package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// NATSConfig configures the NATS publisher
type NATSConfig struct {
	URL          string        `yaml:"url" json:"url"`
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"` // Bound on the server ack when ctx has no deadline
}

// DefaultNATSFlushTimeout bounds the publish acknowledgement
const DefaultNATSFlushTimeout = 2 * time.Second

// AlertMessage is the JSON document published for each alert
type AlertMessage struct {
	EventID    string  `json:"event_id,omitempty"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Time       string  `json:"time"`
	Suspect    string  `json:"suspect"`
	Message    string  `json:"message"`
	Evidence   string  `json:"evidence,omitempty"` // Evidence file name, served under /api/evidence/
	Timestamp  int64   `json:"timestamp"`
}

// NATSNotifier publishes alerts on the destination subject
type NATSNotifier struct {
	conn         *nats.Conn
	flushTimeout time.Duration
	log          *logrus.Entry
}

// NewNATSNotifier connects with reconnects enabled
func NewNATSNotifier(cfg NATSConfig, logger *logrus.Logger) (*NATSNotifier, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("watchpost"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log := logger.WithField("component", "nats")
	log.WithField("url", url).Info("Connected to NATS")
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = DefaultNATSFlushTimeout
	}
	return &NATSNotifier{conn: conn, flushTimeout: flush, log: log}, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

// SendAlert publishes and flushes so a true result means the server received the message
func (n *NATSNotifier) SendAlert(ctx context.Context, alert *pipeline.Alert, evidenceRef, destination string) bool {
	data, err := json.Marshal(newAlertMessage(alert, evidenceRef, time.Now()))
	if err != nil {
		n.log.WithError(err).Error("Failed to marshal alert")
		return false
	}
	if err := n.conn.Publish(destination, data); err != nil {
		n.log.WithError(err).WithField("subject", destination).Error("Failed to publish alert")
		return false
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.flushTimeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		n.log.WithError(err).Warn("Alert publish not acknowledged")
		return false
	}
	n.log.WithField("subject", destination).Info("Published alert")
	return true
}

func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

func newAlertMessage(alert *pipeline.Alert, evidenceRef string, now time.Time) AlertMessage {
	msg := AlertMessage{
		Type:       alert.Type,
		Confidence: alert.Confidence,
		Time:       alert.Time,
		Suspect:    alert.Suspect,
		Message:    alert.Message,
		Timestamp:  now.Unix(),
	}
	if alert.Event != nil {
		msg.EventID = alert.Event.ID
	}
	if evidenceRef != "" {
		msg.Evidence = filepath.Base(evidenceRef)
	}
	return msg
}

var _ Notifier = (*NATSNotifier)(nil)
