// Package telegram speaks the Telegram Bot API directly over HTTP — no
// SDK dependency. It provides a per-credential client, a fleet sender
// shared by the router and the worker, and a long-polling poller that
// multiplexes every credential in the pool onto one inbound stream.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxMessageLen is the Bot API limit for a single text message.
const maxMessageLen = 4096

// Config holds Telegram transport configuration.
type Config struct {
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`

	// ParseMode sets the parse mode for outgoing messages ("HTML" or
	// "Markdown"). Empty disables formatting.
	ParseMode string `yaml:"parse_mode"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout: 30,
		ParseMode:   "Markdown",
	}
}

// Client is a single-credential Bot API client.
type Client struct {
	token   string
	baseURL string
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for one bot credential.
func NewClient(token string, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30
	}
	return &Client{
		token:   token,
		baseURL: "https://api.telegram.org/bot" + token,
		cfg:     cfg,
		http:    &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		logger:  logger.With("component", "telegram"),
	}
}

// Token returns the credential this client is bound to.
func (c *Client) Token() string { return c.token }

// BotUser is the bot identity returned by getMe.
type BotUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// GetMe verifies the credential and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (*BotUser, error) {
	data, err := c.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user BotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// SendMessage delivers a text message to a chat. The Bot API either
// accepts the whole message or rejects it; there is no partial delivery.
// Formatting errors are retried once without a parse mode.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	// The Bot API limit counts characters, not bytes; truncating on a
	// byte boundary could also split a rune mid-sequence.
	if runes := []rune(text); len(runes) > maxMessageLen {
		text = string(runes[:maxMessageLen-3]) + "..."
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if c.cfg.ParseMode != "" {
		payload["parse_mode"] = c.cfg.ParseMode
	}

	_, err := c.apiCall(ctx, "sendMessage", payload)
	if err != nil && c.cfg.ParseMode != "" && strings.Contains(err.Error(), "parse") {
		delete(payload, "parse_mode")
		_, err = c.apiCall(ctx, "sendMessage", payload)
	}
	return err
}

// getUpdates fetches new updates using long polling.
func (c *Client) getUpdates(ctx context.Context, offset int64) ([]tgUpdate, error) {
	data, err := c.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           100,
		"timeout":         c.cfg.PollTimeout,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// apiCall makes a POST request to the Bot API.
func (c *Client) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := c.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// ---------- Bot API wire types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int         `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Date      int         `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []tgPhoto   `json:"photo"`
	Document  *tgDocument `json:"document"`
	Voice     *tgVoice    `json:"voice"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgPhoto struct {
	FileID string `json:"file_id"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type tgVoice struct {
	FileID string `json:"file_id"`
}
