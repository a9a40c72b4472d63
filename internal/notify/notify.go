// Package notify is the outbound notification port. The core calls it to
// tell buyers and administrators about state changes; delivery runs over
// the chat platform's bot API and must never block or fail a state
// transition that already committed.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/circuitbreaker"
	"github.com/shopbot/server/internal/config"
	"github.com/shopbot/server/internal/httputil"
)

// Notifier delivers messages to buyers and administrators.
type Notifier interface {
	NotifyUser(ctx context.Context, externalID, message string) error
	NotifyAdmins(ctx context.Context, message string) error
}

// Nop discards all notifications. Used in tests and when no bot token is
// configured.
type Nop struct{}

func (Nop) NotifyUser(context.Context, string, string) error { return nil }
func (Nop) NotifyAdmins(context.Context, string) error       { return nil }

// ChatNotifier sends messages through the chat platform's bot API.
type ChatNotifier struct {
	baseURL  string
	botToken string
	adminIDs []string
	client   *http.Client
	breaker  *circuitbreaker.Manager
	logger   zerolog.Logger
}

// NewChatNotifier builds a Notifier from config. Returns Nop when no bot
// token is configured so callers never need a nil check.
func NewChatNotifier(cfg config.NotifyConfig, breaker *circuitbreaker.Manager, logger zerolog.Logger) Notifier {
	if cfg.BotToken == "" {
		logger.Warn().Msg("no chat bot token configured, notifications disabled")
		return Nop{}
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient = httputil.NewClient(cfg.Timeout.Duration)
	rc.Logger = nil

	return &ChatNotifier{
		baseURL:  cfg.ChatAPIBaseURL,
		botToken: cfg.BotToken,
		adminIDs: cfg.AdminChatIDs,
		client:   rc.StandardClient(),
		breaker:  breaker,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// NotifyUser sends one message to a buyer by chat-platform id.
func (n *ChatNotifier) NotifyUser(ctx context.Context, externalID, message string) error {
	return n.send(ctx, externalID, message)
}

// NotifyAdmins fans the message out to every configured admin chat.
// Partial delivery is reported but does not stop the fan-out.
func (n *ChatNotifier) NotifyAdmins(ctx context.Context, message string) error {
	var firstErr error
	for _, id := range n.adminIDs {
		if err := n.send(ctx, id, message); err != nil {
			n.logger.Error().Err(err).Str("admin_chat", id).Msg("admin notification failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *ChatNotifier) send(ctx context.Context, chatID, message string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: message})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = n.breaker.Execute(circuitbreaker.ServiceNotify, func() (interface{}, error) {
		url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("chat API status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
