package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// EmailConfig holds SMTP settings. Password comes from the environment only.
type EmailConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"` // Also the sender address
	Password string `yaml:"-" json:"-"`
	From     string `yaml:"from" json:"from"`
	Location string `yaml:"location" json:"location"`
}

// sendFunc matches smtp.SendMail, which upgrades to STARTTLS when offered
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends alerts over SMTP with the evidence image attached
type EmailNotifier struct {
	cfg  EmailConfig
	send sendFunc
	now  func() time.Time
	log  *logrus.Entry
}

// NewEmailNotifier applies the Gmail submission defaults to empty fields
func NewEmailNotifier(cfg EmailConfig, logger *logrus.Logger) *EmailNotifier {
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Location == "" {
		cfg.Location = "Primary Feed"
	}
	return &EmailNotifier{
		cfg:  cfg,
		send: smtp.SendMail,
		now:  time.Now,
		log:  logger.WithField("component", "email"),
	}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Close() error { return nil }

// SendAlert reports false when credentials are missing or delivery fails
func (n *EmailNotifier) SendAlert(ctx context.Context, alert *pipeline.Alert, evidenceRef, destination string) bool {
	if n.cfg.Username == "" || n.cfg.Password == "" || destination == "" {
		n.log.Warn("Email credentials not configured, skipping email alert")
		return false
	}
	if err := ctx.Err(); err != nil {
		return false
	}

	msg, err := n.buildMessage(alert, destination, evidenceRef, readEvidence(evidenceRef))
	if err != nil {
		n.log.WithError(err).Error("Failed to build alert email")
		return false
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	if err := n.send(addr, auth, n.cfg.From, []string{destination}, msg); err != nil {
		n.log.WithError(err).WithField("to", destination).Error("Error sending email")
		return false
	}
	n.log.WithField("to", destination).Info("Alert email sent")
	return true
}

// buildMessage renders a multipart/mixed message: plain text body plus the evidence JPEG
func (n *EmailNotifier) buildMessage(alert *pipeline.Alert, to, evidenceRef string, evidence []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", fmt.Sprintf("SECURITY ALERT: %s Detected", alert.Type)))
	fmt.Fprintf(&msg, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	text.Write([]byte(n.renderBody(alert)))

	if len(evidence) > 0 {
		name := filepath.Base(evidenceRef)
		img, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("image/jpeg; name=%q", name)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("inline; filename=%q", name)},
			"Content-ID":                {"<evidence>"},
		})
		if err != nil {
			return nil, err
		}
		writeBase64Lines(img, evidence)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func (n *EmailNotifier) renderBody(alert *pipeline.Alert) string {
	var b strings.Builder
	b.WriteString("Urgent Security Alert!\r\n\r\n")
	fmt.Fprintf(&b, "Threat Type: %s\r\n", alert.Type)
	fmt.Fprintf(&b, "Confidence: %.2f\r\n", alert.Confidence)
	fmt.Fprintf(&b, "Time: %s\r\n", alert.Time)
	if alert.Suspect != "" {
		fmt.Fprintf(&b, "Suspect: %s\r\n", alert.Suspect)
	}
	fmt.Fprintf(&b, "Location: %s\r\n\r\n", n.cfg.Location)
	if alert.Message != "" {
		b.WriteString(alert.Message + "\r\n\r\n")
	}
	b.WriteString("Please check the dashboard immediately for more details.\r\n")
	return b.String()
}

// writeBase64Lines wraps base64 output at 76 columns as RFC 2045 requires
func writeBase64Lines(w interface{ Write([]byte) (int, error) }, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		w.Write([]byte(enc[:76] + "\r\n"))
		enc = enc[76:]
	}
	w.Write([]byte(enc + "\r\n"))
}

var _ Notifier = (*EmailNotifier)(nil)
