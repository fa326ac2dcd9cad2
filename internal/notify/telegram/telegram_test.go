package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

// fakeAPI records Bot API calls and serves canned updates
type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	texts    []string
	captions []string
	photos   [][]byte
	updates  []Update
	fail     bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		require.True(t, strings.HasPrefix(r.URL.Path, "/bottoken/"), r.URL.Path)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, method)

		if f.fail {
			json.NewEncoder(w).Encode(TelegramResponse{OK: false, ErrorCode: 400, Description: "Bad Request: chat not found"})
			return
		}

		var result interface{} = true
		switch method {
		case "sendMessage":
			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			f.texts = append(f.texts, payload["text"].(string))
		case "sendPhoto":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			f.captions = append(f.captions, r.FormValue("caption"))
			file, _, err := r.FormFile("photo")
			require.NoError(t, err)
			data, _ := io.ReadAll(file)
			f.photos = append(f.photos, data)
		case "getMe":
			result = BotInfo{ID: 42, IsBot: true, FirstName: "Watchpost", Username: "watchpost_bot"}
		case "getUpdates":
			result = f.updates
			f.updates = nil
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(TelegramResponse{OK: true, Result: raw})
	})
}

type recorded struct {
	calls    []string
	texts    []string
	captions []string
	photos   [][]byte
}

// snapshot copies the recorded calls under the lock
func (f *fakeAPI) snapshot() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return recorded{calls: f.calls, texts: f.texts, captions: f.captions, photos: f.photos}
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewBot(Config{BotToken: "token", ChatID: "100", APIBase: srv.URL}, nil), api
}

func testAlert() *pipeline.Alert {
	return &pipeline.Alert{
		Type:       "WEAPON DETECTED: KNIFE",
		Confidence: 0.9,
		Time:       "2024-05-01 12:00:00",
		Suspect:    "known suspect: JOHN DOE",
		Message:    pipeline.DefaultAlertMessage,
	}
}

func TestSendAlert_WithEvidence(t *testing.T) {
	bot, api := newTestBot(t)
	path := filepath.Join(t.TempDir(), "THREAT_20240501_120000_abcd1234.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o644))

	assert.True(t, bot.SendAlert(context.Background(), testAlert(), path, ""))

	require.Equal(t, []string{"sendPhoto"}, api.snapshot().calls)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, api.snapshot().photos[0])
	assert.Contains(t, api.snapshot().captions[0], "WEAPON DETECTED: KNIFE")
	assert.Contains(t, api.snapshot().captions[0], "known suspect: JOHN DOE")
}

func TestSendAlert_TextWhenNoEvidence(t *testing.T) {
	bot, api := newTestBot(t)

	assert.True(t, bot.SendAlert(context.Background(), testAlert(), "", "200"))
	require.Equal(t, []string{"sendMessage"}, api.snapshot().calls)
	assert.Contains(t, api.snapshot().texts[0], "Confidence: 0.90")
}

func TestSendAlert_APIErrorReturnsFalse(t *testing.T) {
	bot, api := newTestBot(t)
	api.mu.Lock()
	api.fail = true
	api.mu.Unlock()
	assert.False(t, bot.SendAlert(context.Background(), testAlert(), "", ""))
}

func TestSendAlert_NotConfigured(t *testing.T) {
	bot := NewBot(Config{}, nil)
	assert.False(t, bot.SendAlert(context.Background(), testAlert(), "", ""))
}

func TestFormatAlert_EscapesHTML(t *testing.T) {
	a := testAlert()
	a.Suspect = "known suspect: <script>"
	assert.Contains(t, FormatAlert(a), "&lt;script&gt;")
}

func TestGetBotInfo(t *testing.T) {
	bot, _ := newTestBot(t)
	info, err := bot.GetBotInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "watchpost_bot", info.Username)
}

func TestValidateConfig(t *testing.T) {
	assert.Error(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{BotToken: "t", Enabled: true}))
	assert.NoError(t, ValidateConfig(Config{BotToken: "t"}))
	assert.NoError(t, ValidateConfig(Config{BotToken: "t", ChatID: "1", Enabled: true}))
}

type fakeSession struct {
	status pipeline.SessionStatus
}

func (s *fakeSession) Start(context.Context) error {
	s.status = pipeline.SessionRunning
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	s.status = pipeline.SessionStopped
	return nil
}

func (s *fakeSession) Status() pipeline.SessionStatus { return s.status }

type fakeEvents struct {
	events []*pipeline.ThreatEvent
}

func (f *fakeEvents) ListRecentEvents(_ context.Context, n int) ([]*pipeline.ThreatEvent, error) {
	if n > len(f.events) {
		n = len(f.events)
	}
	return f.events[:n], nil
}

func (f *fakeEvents) CountCriminalRecords(context.Context) (int, error) { return 3, nil }

type fakeFrames struct{}

func (fakeFrames) Latest() ([]byte, time.Time, bool) {
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local), true
}

func message(chat int64, text string) Update {
	return Update{UpdateID: 1, Message: &TelegramMessage{Chat: &TelegramChat{ID: chat}, Text: text}}
}

func TestCommands(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	events := &fakeEvents{events: []*pipeline.ThreatEvent{
		{ThreatSummary: "WEAPON DETECTED: GUN", Timestamp: ts, Status: pipeline.EventStatusUnread},
		{ThreatSummary: "WEAPON DETECTED: KNIFE", Timestamp: ts, Status: pipeline.EventStatusRead},
	}}

	tests := []struct {
		name    string
		text    string
		status  pipeline.SessionStatus
		want    string
		wantNow pipeline.SessionStatus
	}{
		{"help", "/help", pipeline.SessionStandby, "Available Commands", pipeline.SessionStandby},
		{"status", "/status@watchpost_bot", pipeline.SessionStandby, "Criminal records: 3", pipeline.SessionStandby},
		{"alerts", "/alerts 1", pipeline.SessionStandby, "WEAPON DETECTED: GUN", pipeline.SessionStandby},
		{"start", "/start_watch", pipeline.SessionStandby, "Surveillance Started", pipeline.SessionRunning},
		{"start twice", "/start_watch", pipeline.SessionRunning, "already running", pipeline.SessionRunning},
		{"stop", "/stop_watch", pipeline.SessionRunning, "Surveillance Stopped", pipeline.SessionStopped},
		{"unknown", "/reboot", pipeline.SessionStandby, "Unknown command", pipeline.SessionStandby},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot, api := newTestBot(t)
			session := &fakeSession{status: tt.status}
			ch := NewCommandHandler(bot, session, events, fakeFrames{})

			ch.handleMessage(context.Background(), message(100, tt.text).Message)

			require.Len(t, api.snapshot().texts, 1)
			assert.Contains(t, api.snapshot().texts[0], tt.want)
			assert.Equal(t, tt.wantNow, session.status)
		})
	}
}

func TestCommands_AlertsLimit(t *testing.T) {
	bot, api := newTestBot(t)
	events := &fakeEvents{events: []*pipeline.ThreatEvent{
		{ThreatSummary: "A"}, {ThreatSummary: "B"},
	}}
	ch := NewCommandHandler(bot, &fakeSession{}, events, nil)

	ch.handleMessage(context.Background(), message(100, "/alerts 1").Message)
	require.Len(t, api.snapshot().texts, 1)
	assert.Contains(t, api.snapshot().texts[0], "A")
	assert.NotContains(t, api.snapshot().texts[0], "2. ")
}

func TestCommands_Snapshot(t *testing.T) {
	bot, api := newTestBot(t)
	ch := NewCommandHandler(bot, &fakeSession{}, &fakeEvents{}, fakeFrames{})

	ch.handleMessage(context.Background(), message(100, "/snapshot").Message)
	require.Equal(t, []string{"sendPhoto"}, api.snapshot().calls)
	assert.Contains(t, api.snapshot().captions[0], "2024-05-01 12:00:00")
}

func TestCommands_IgnoresUnauthorizedChat(t *testing.T) {
	bot, api := newTestBot(t)
	session := &fakeSession{status: pipeline.SessionStandby}
	ch := NewCommandHandler(bot, session, &fakeEvents{}, nil)

	ch.handleMessage(context.Background(), message(999, "/start_watch").Message)
	assert.Empty(t, api.snapshot().calls)
	assert.Equal(t, pipeline.SessionStandby, session.status)
}

func TestPollUpdates_AdvancesOffset(t *testing.T) {
	bot, api := newTestBot(t)
	api.mu.Lock()
	api.updates = []Update{
		{UpdateID: 7, Message: &TelegramMessage{Chat: &TelegramChat{ID: 100}, Text: "/help"}},
		{UpdateID: 9, Message: &TelegramMessage{Chat: &TelegramChat{ID: 100}, Text: "hello"}},
	}
	api.mu.Unlock()
	ch := NewCommandHandler(bot, &fakeSession{}, &fakeEvents{}, nil)

	require.NoError(t, ch.pollUpdates(context.Background()))
	assert.Equal(t, int64(9), ch.lastUpdateID)
	assert.Equal(t, []string{"getUpdates", "sendMessage"}, api.snapshot().calls)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 3m", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
}
