package alarm

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	signals []string
}

func (s *recordingSink) TriggerAlarm(_ context.Context, threat string) {
	s.mu.Lock()
	s.signals = append(s.signals, "on:"+threat)
	s.mu.Unlock()
}

func (s *recordingSink) StopAlarm(context.Context) {
	s.mu.Lock()
	s.signals = append(s.signals, "off")
	s.mu.Unlock()
}

func TestFanout(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(a, nil, b)

	f.TriggerAlarm(context.Background(), "KNIFE")
	assert.True(t, f.Active())
	f.StopAlarm(context.Background())
	assert.False(t, f.Active())

	assert.Equal(t, []string{"on:KNIFE", "off"}, a.signals)
	assert.Equal(t, []string{"on:KNIFE", "off"}, b.signals)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	topic    string
	qos      byte
	retained bool
	messages []RelayMessage
	closed   bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos, c.retained = topic, qos, retained
	var msg RelayMessage
	_ = json.Unmarshal(payload.([]byte), &msg)
	c.messages = append(c.messages, msg)
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) { c.closed = true }

func newTestRelay(client *fakeClient, start time.Time) (*MQTTRelay, *time.Time) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	now := start
	r := newMQTTRelay(client, MQTTConfig{}, l.WithField("component", "test"))
	r.now = func() time.Time { return now }
	return r, &now
}

func TestMQTTRelay_CoalescesRepeatedTriggers(t *testing.T) {
	client := &fakeClient{}
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	r, now := newTestRelay(client, start)
	ctx := context.Background()

	r.TriggerAlarm(ctx, "KNIFE")
	*now = start.Add(200 * time.Millisecond)
	r.TriggerAlarm(ctx, "KNIFE")
	*now = start.Add(400 * time.Millisecond)
	r.TriggerAlarm(ctx, "KNIFE, GUN")
	*now = start.Add(1500 * time.Millisecond)
	r.TriggerAlarm(ctx, "KNIFE, GUN")
	r.StopAlarm(ctx)

	require.Len(t, client.messages, 4)
	assert.Equal(t, RelayMessage{State: "on", Threat: "KNIFE", Time: "2024-05-01 12:00:00"}, client.messages[0])
	assert.Equal(t, "KNIFE, GUN", client.messages[1].Threat)
	assert.Equal(t, "on", client.messages[2].State)
	assert.Equal(t, "off", client.messages[3].State)

	assert.Equal(t, DefaultMQTTTopic, client.topic)
	assert.Equal(t, byte(1), client.qos)
	assert.True(t, client.retained)
}

func TestMQTTRelay_RetriggersAfterStop(t *testing.T) {
	client := &fakeClient{}
	r, _ := newTestRelay(client, time.Now())
	ctx := context.Background()

	r.TriggerAlarm(ctx, "GUN")
	r.StopAlarm(ctx)
	r.TriggerAlarm(ctx, "GUN")

	require.Len(t, client.messages, 3)
	assert.Equal(t, "on", client.messages[2].State)

	require.NoError(t, r.Close())
	assert.True(t, client.closed)
}

func TestNewMQTTRelay_RequiresBroker(t *testing.T) {
	_, err := NewMQTTRelay(MQTTConfig{}, nil)
	assert.Error(t, err)
}
