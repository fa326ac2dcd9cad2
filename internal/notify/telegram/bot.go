// Package telegram sends alerts through the Telegram Bot API and answers operator commands
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/pipeline"
)

// DefaultAPIBase is the public Bot API endpoint
const DefaultAPIBase = "https://api.telegram.org"

// ErrNotConfigured is returned when the bot token or chat is missing
var ErrNotConfigured = errors.New("telegram bot token or chat ID not configured")

// Config holds Telegram bot configuration. The token only comes from the environment.
type Config struct {
	BotToken string `yaml:"-" json:"-"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`   // Authorized chat for commands, default alert destination
	Enabled  bool   `yaml:"enabled" json:"enabled"`   // Enables the command poller
	APIBase  string `yaml:"api_base" json:"api_base"` // Overrides DefaultAPIBase
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// BotInfo is the getMe result
type BotInfo struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Bot handles Telegram bot operations
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	mu         sync.RWMutex
	log        *logrus.Entry
}

// NewBot creates a new Telegram bot instance
func NewBot(cfg Config, logger *logrus.Logger) *Bot {
	base := cfg.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Bot{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		apiBase:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithField("component", "telegram"),
	}
}

func (tb *Bot) Name() string { return "telegram" }

func (tb *Bot) Close() error {
	tb.httpClient.CloseIdleConnections()
	return nil
}

// ChatID returns the authorized chat
func (tb *Bot) ChatID() string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.chatID
}

// SendAlert posts the evidence photo with an HTML caption to destination,
// or a text message when there is no evidence. An empty destination uses the configured chat.
func (tb *Bot) SendAlert(ctx context.Context, alert *pipeline.Alert, evidenceRef, destination string) bool {
	if destination == "" {
		destination = tb.ChatID()
	}
	caption := FormatAlert(alert)

	var err error
	if photo := readFile(evidenceRef); len(photo) > 0 {
		err = tb.SendPhoto(ctx, destination, photo, filepath.Base(evidenceRef), caption)
	} else {
		err = tb.SendMessage(ctx, destination, caption)
	}
	if err != nil {
		tb.log.WithError(err).WithField("chat", destination).Warn("Failed to send Telegram alert")
		return false
	}
	tb.log.WithField("chat", destination).Info("Telegram alert sent")
	return true
}

// FormatAlert renders the alert caption
func FormatAlert(alert *pipeline.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 <b>SECURITY ALERT: %s Detected</b>\n\n", html.EscapeString(alert.Type))
	fmt.Fprintf(&sb, "🎯 Confidence: %.2f\n", alert.Confidence)
	fmt.Fprintf(&sb, "👤 Suspect: %s\n", html.EscapeString(alert.Suspect))
	fmt.Fprintf(&sb, "🕐 Time: %s", html.EscapeString(alert.Time))
	if alert.Message != "" {
		fmt.Fprintf(&sb, "\n\n⚠️ %s", html.EscapeString(alert.Message))
	}
	return sb.String()
}

// SendMessage sends an HTML text message
func (tb *Bot) SendMessage(ctx context.Context, chatID, message string) error {
	if tb.token() == "" || chatID == "" {
		return ErrNotConfigured
	}
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	_, err := tb.sendTelegramRequest(ctx, "sendMessage", payload)
	return err
}

// SendPhoto sends a JPEG with an HTML caption using multipart form data
func (tb *Bot) SendPhoto(ctx context.Context, chatID string, photoData []byte, filename, caption string) error {
	token := tb.token()
	if token == "" || chatID == "" {
		return ErrNotConfigured
	}
	if filename == "" || filename == "." {
		filename = "evidence.jpg"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}
	part, err := writer.CreateFormFile("photo", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(token, "sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	return err
}

// GetBotInfo retrieves information about the bot
func (tb *Bot) GetBotInfo(ctx context.Context) (*BotInfo, error) {
	token := tb.token()
	if token == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tb.methodURL(token, "getMe"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	defer resp.Body.Close()

	result, err := handleResponse(resp)
	if err != nil {
		return nil, err
	}
	var info BotInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("unexpected response format: %w", err)
	}
	return &info, nil
}

// sendTelegramRequest posts a JSON payload to a Bot API method
func (tb *Bot) sendTelegramRequest(ctx context.Context, method string, payload map[string]interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(tb.token(), method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

func (tb *Bot) methodURL(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiBase, token, method)
}

func (tb *Bot) token() string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.botToken
}

// handleResponse processes the Telegram API response and returns its result
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if config.Enabled && config.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when commands are enabled")
	}
	return nil
}

func readFile(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}
