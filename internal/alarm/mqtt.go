package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// MQTTConfig configures the siren relay
type MQTTConfig struct {
	Broker   string        `yaml:"broker" json:"broker"` // host:port or a full tcp:// URL
	Topic    string        `yaml:"topic" json:"topic"`
	ClientID string        `yaml:"client_id" json:"client_id"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"-" json:"-"`
	QoS      byte          `yaml:"qos" json:"qos"`
	Refresh  time.Duration `yaml:"refresh" json:"refresh"` // Minimum spacing between repeated "on" messages
}

// DefaultMQTTTopic is used when no topic is configured
const DefaultMQTTTopic = "watchpost/alarm"

// RelayMessage is the JSON document published to the relay topic
type RelayMessage struct {
	State  string `json:"state"` // "on" or "off"
	Threat string `json:"threat,omitempty"`
	Time   string `json:"time"`
}

// publisher is the subset of mqtt.Client the relay needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTRelay switches a siren relay by publishing state messages.
// Repeated triggers are coalesced to one message per Refresh interval
// unless the threat label changes.
type MQTTRelay struct {
	client publisher
	topic  string
	qos    byte
	every  time.Duration
	now    func() time.Time
	log    *logrus.Entry

	mu         sync.Mutex
	on         bool
	lastThreat string
	lastSent   time.Time
}

// NewMQTTRelay connects to the broker with automatic reconnects
func NewMQTTRelay(cfg MQTTConfig, logger *logrus.Logger) (*MQTTRelay, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	log := logger.WithField("component", "mqtt-alarm")

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "watchpost-alarm-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.WithField("broker", broker).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTRelay(client, cfg, log), nil
}

func newMQTTRelay(client publisher, cfg MQTTConfig, log *logrus.Entry) *MQTTRelay {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	every := cfg.Refresh
	if every <= 0 {
		every = time.Second
	}
	return &MQTTRelay{
		client: client,
		topic:  topic,
		qos:    qos,
		every:  every,
		now:    time.Now,
		log:    log,
	}
}

// TriggerAlarm implements pipeline.Alarm
func (r *MQTTRelay) TriggerAlarm(ctx context.Context, threat string) {
	r.mu.Lock()
	now := r.now()
	due := !r.on || threat != r.lastThreat || now.Sub(r.lastSent) >= r.every
	if due {
		r.on = true
		r.lastThreat = threat
		r.lastSent = now
	}
	r.mu.Unlock()

	if due {
		r.publish(ctx, RelayMessage{State: "on", Threat: threat, Time: now.Format(pipeline.TimestampLayout)})
	}
}

// StopAlarm implements pipeline.Alarm
func (r *MQTTRelay) StopAlarm(ctx context.Context) {
	r.mu.Lock()
	r.on = false
	r.lastThreat = ""
	now := r.now()
	r.mu.Unlock()

	r.publish(ctx, RelayMessage{State: "off", Time: now.Format(pipeline.TimestampLayout)})
}

// Close disconnects from the broker, waiting briefly for in-flight messages
func (r *MQTTRelay) Close() error {
	r.client.Disconnect(250)
	return nil
}

func (r *MQTTRelay) publish(ctx context.Context, msg RelayMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("Failed to marshal relay message")
		return
	}

	token := r.client.Publish(r.topic, r.qos, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			r.log.WithError(err).WithField("state", msg.State).Warn("Relay publish failed")
			return
		}
		r.log.WithField("state", msg.State).Debug("Relay state published")
	case <-time.After(2 * time.Second):
		r.log.WithField("state", msg.State).Warn("Relay publish timeout")
	case <-ctx.Done():
	}
}

var _ pipeline.Alarm = (*MQTTRelay)(nil)
