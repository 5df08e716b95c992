// ABOUTME: Outbound delivery for WhatsApp replies through the provider graph API
// ABOUTME: Func adapters let callers plug in responders and senders without new types

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ResponderFunc adapts a plain function into a Responder.
type ResponderFunc func(ctx context.Context, conversationID, content string) (string, error)

func (f ResponderFunc) Reply(ctx context.Context, conversationID, content string) (string, error) {
	return f(ctx, conversationID, content)
}

// SenderFunc adapts a plain function into a Sender.
type SenderFunc func(ctx context.Context, to, content string) error

func (f SenderFunc) SendMessage(ctx context.Context, to, content string) error {
	return f(ctx, to, content)
}

// GraphSender delivers text messages through the provider's graph API.
type GraphSender struct {
	client   *http.Client
	endpoint string
	token    string
	logger   *slog.Logger
}

// NewGraphSender creates a sender for the given business phone number.
// Pass nil logger for default.
func NewGraphSender(phoneNumberID, accessToken string, logger *slog.Logger) *GraphSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphSender{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: fmt.Sprintf("https://graph.facebook.com/v19.0/%s/messages", phoneNumberID),
		token:    accessToken,
		logger:   logger.With("component", "whatsapp-sender"),
	}
}

// SendMessage posts one text message to the recipient's phone number.
func (s *GraphSender) SendMessage(ctx context.Context, to, content string) error {
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": content},
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
