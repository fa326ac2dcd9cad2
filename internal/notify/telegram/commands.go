package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"watchpost/internal/pipeline"
)

// SessionControl is the part of the surveillance session the bot can drive
type SessionControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() pipeline.SessionStatus
}

// EventLister reads recent alerts and the gallery size
type EventLister interface {
	ListRecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error)
	CountCriminalRecords(ctx context.Context) (int, error)
}

// FrameSource returns the latest annotated frame
type FrameSource interface {
	Latest() ([]byte, time.Time, bool)
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is an incoming chat message
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *TelegramUser `json:"from,omitempty"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramUser represents a Telegram user
type TelegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler answers operator commands from the authorized chat
type CommandHandler struct {
	bot          *Bot
	session      SessionControl
	events       EventLister
	frames       FrameSource
	lastUpdateID int64
	startTime    time.Time
	mu           sync.Mutex
}

// NewCommandHandler creates a new command handler. frames may be nil.
func NewCommandHandler(bot *Bot, session SessionControl, events EventLister, frames FrameSource) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		session:   session,
		events:    events,
		frames:    frames,
		startTime: time.Now(),
	}
}

// StartPolling polls getUpdates every two seconds until ctx is done
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if ch.bot.token() == "" || ch.bot.ChatID() == "" {
		return ErrNotConfigured
	}

	ch.bot.log.Info("Starting Telegram command polling")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ch.bot.log.Info("Telegram command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.log.WithError(err).Warn("Failed to poll Telegram updates")
			}
		}
	}
}

// pollUpdates fetches and processes pending updates
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	url := fmt.Sprintf("%s?offset=%d&timeout=1", ch.bot.methodURL(ch.bot.token(), "getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := ch.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	result, err := handleResponse(resp)
	if err != nil {
		return err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

// handleMessage dispatches a command from the authorized chat
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage) {
	if msg.Chat == nil {
		return
	}
	authorized := ch.bot.ChatID()
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != authorized {
		ch.bot.log.WithField("chat", chatID).Warn("Ignoring message from unauthorized chat")
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	// Strip the bot username suffix (/status@mybot)
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	ch.bot.log.WithField("command", command).Debug("Processing command")

	var response string
	switch command {
	case "/start", "/help":
		response = handleHelp()
	case "/status":
		response = ch.handleStatus(ctx)
	case "/alerts":
		response = ch.handleAlerts(ctx, args)
	case "/start_watch":
		response = ch.handleStartWatch(ctx)
	case "/stop_watch":
		response = ch.handleStopWatch(ctx)
	case "/snapshot":
		ch.handleSnapshot(ctx)
		return
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}

	if err := ch.bot.SendMessage(ctx, authorized, response); err != nil {
		ch.bot.log.WithError(err).Warn("Failed to send reply")
	}
}

func handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - Session and gallery status\n" +
		"/alerts [n] - Show recent alerts\n" +
		"/start_watch - Start surveillance\n" +
		"/stop_watch - Stop surveillance\n" +
		"/snapshot - Latest annotated frame\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus(ctx context.Context) string {
	criminals := "unknown"
	if n, err := ch.events.CountCriminalRecords(ctx); err == nil {
		criminals = strconv.Itoa(n)
	}
	icon := "⚪"
	switch ch.session.Status() {
	case pipeline.SessionRunning:
		icon = "🟢"
	case pipeline.SessionStopped:
		icon = "🔴"
	}
	return fmt.Sprintf(
		"📊 <b>System Status</b>\n\n"+
			"%s Session: %s\n"+
			"🗂️ Criminal records: %s\n"+
			"⏱️ Uptime: %s",
		icon, ch.session.Status(),
		criminals,
		formatDuration(time.Since(ch.startTime)),
	)
}

func (ch *CommandHandler) handleAlerts(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	events, err := ch.events.ListRecentEvents(ctx, limit)
	if err != nil {
		return fmt.Sprintf("❌ Failed to load alerts: %s", html.EscapeString(err.Error()))
	}
	if len(events) == 0 {
		return "📋 <b>Recent Alerts</b>\n\nNo alerts recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Recent Alerts</b> (last %d)\n\n", len(events))
	for i, ev := range events {
		marker := "🔴"
		if ev.Status == pipeline.EventStatusRead {
			marker = "⚪"
		}
		fmt.Fprintf(&sb, "%d. %s %s\n   🕐 %s\n", i+1, marker, html.EscapeString(ev.ThreatSummary), ev.FormattedTime())
	}
	return sb.String()
}

func (ch *CommandHandler) handleStartWatch(ctx context.Context) string {
	if ch.session.Status() == pipeline.SessionRunning {
		return "ℹ️ Surveillance is already running."
	}
	if err := ch.session.Start(ctx); err != nil {
		return fmt.Sprintf("❌ Failed to start surveillance: %s", html.EscapeString(err.Error()))
	}
	return "🔍 <b>Surveillance Started</b>"
}

func (ch *CommandHandler) handleStopWatch(ctx context.Context) string {
	if ch.session.Status() != pipeline.SessionRunning {
		return "ℹ️ Surveillance was not running."
	}
	if err := ch.session.Stop(ctx); err != nil {
		return fmt.Sprintf("❌ Failed to stop surveillance: %s", html.EscapeString(err.Error()))
	}
	return "🛑 <b>Surveillance Stopped</b>"
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context) {
	chat := ch.bot.ChatID()
	if ch.frames == nil {
		ch.bot.SendMessage(ctx, chat, "⚠️ Snapshots are not available.")
		return
	}
	frame, ts, ok := ch.frames.Latest()
	if !ok {
		ch.bot.SendMessage(ctx, chat, "⚠️ No frame captured yet. Use /start_watch first.")
		return
	}
	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n\n🕐 Time: %s", ts.Format(pipeline.TimestampLayout))
	if err := ch.bot.SendPhoto(ctx, chat, frame, "snapshot.jpg", caption); err != nil {
		ch.bot.SendMessage(ctx, chat, fmt.Sprintf("❌ Failed to send snapshot: %s", html.EscapeString(err.Error())))
	}
}

// formatDuration renders d as "1d 2h 3m"
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
