package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_BroadcastsTicksAndStatus(t *testing.T) {
	hub := NewHub(true, nil)
	conn := dial(t, hub)

	hub.OnTick(&pipeline.TickEvent{
		Status: pipeline.SessionRunning,
		Result: &pipeline.TickResult{
			FrameCounter:  4,
			WeaponPresent: true,
			Threats:       []string{"KNIFE"},
			Suspect:       "known suspect: JANE",
			Event:         &pipeline.ThreatEvent{ID: "e1", ThreatSummary: "WEAPON DETECTED: KNIFE", Confidence: 0.9},
		},
		Frame:     []byte{0xFF, 0xD8},
		Timestamp: time.Now(),
	})
	tick := readJSON(t, conn)
	assert.Equal(t, TypeTick, tick["type"])
	assert.Equal(t, float64(4), tick["frame_counter"])
	assert.Equal(t, "known suspect: JANE", tick["suspect"])
	assert.Equal(t, "/9g=", tick["frame"])
	assert.Equal(t, "e1", tick["event"].(map[string]interface{})["id"])

	hub.OnTick(&pipeline.TickEvent{Status: pipeline.SessionStopped, Reason: "source unavailable"})
	status := readJSON(t, conn)
	assert.Equal(t, TypeStatus, status["type"])
	assert.Equal(t, "STOPPED", status["status"])
	assert.Equal(t, "source unavailable", status["reason"])
}

func TestHub_AlarmMessages(t *testing.T) {
	hub := NewHub(false, nil)
	conn := dial(t, hub)
	ctx := context.Background()

	hub.TriggerAlarm(ctx, "GUN")
	on := readJSON(t, conn)
	assert.Equal(t, "on", on["state"])
	assert.Equal(t, "GUN", on["threat"])
	assert.True(t, hub.AlarmOn())

	hub.StopAlarm(ctx)
	off := readJSON(t, conn)
	assert.Equal(t, "off", off["state"])
	assert.False(t, hub.AlarmOn())
}

func TestHub_LateJoinerHearsAlarm(t *testing.T) {
	hub := NewHub(false, nil)
	hub.TriggerAlarm(context.Background(), "GUN")

	conn := dial(t, hub)
	msg := readJSON(t, conn)
	assert.Equal(t, TypeAlarm, msg["type"])
	assert.Equal(t, "on", msg["state"])
}

func TestHub_DropsClosedClients(t *testing.T) {
	hub := NewHub(false, nil)
	conn := dial(t, hub)
	conn.Close()

	require.Eventually(t, func() bool {
		hub.Broadcast([]byte(`{}`))
		return hub.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHub_StalledClientDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub(false, nil)
	t.Cleanup(hub.Close)
	dial(t, hub) // never reads

	// far more than the socket buffers and the client queue can hold
	message := []byte(`"` + strings.Repeat("x", 64*1024) + `"`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Broadcast(message)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a stalled client")
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, hub)
	hub.TriggerAlarm(context.Background(), "GUN")
	msg := readJSON(t, conn)
	assert.Equal(t, TypeAlarm, msg["type"])
}

func TestHub_CloseSendsCloseFrame(t *testing.T) {
	hub := NewHub(false, nil)
	conn := dial(t, hub)

	hub.Close()
	assert.Zero(t, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestNewTickMessage_WithoutFrame(t *testing.T) {
	msg := NewTickMessage(&pipeline.TickEvent{
		Result: &pipeline.TickResult{Suspect: "unidentified individual"},
		Frame:  []byte{1, 2, 3},
	}, false)
	assert.Empty(t, msg.Frame)
	assert.Empty(t, msg.Suspect, "suspect only reported alongside a threat")
	assert.NotNil(t, msg.Detections)
}
