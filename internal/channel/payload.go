// ABOUTME: Tagged payload union for the per-channel ingress adapters
// ABOUTME: One Normalize per variant maps raw shapes onto the canonical pipeline

package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Payload is the closed set of raw per-channel request shapes. Each variant
// carries its own Normalize; handlers never poke at optional fields across
// channel boundaries.
type Payload interface {
	Channel() store.Channel
}

// HistoryEntry is one prior widget/dashboard exchange as sent by the client.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// WidgetPayload is the body of POST /widget/handoff.
type WidgetPayload struct {
	CustomerName    string         `json:"customerName,omitempty"`
	CustomerEmail   string         `json:"customerEmail,omitempty"`
	ProductInterest string         `json:"productInterest,omitempty"`
	ChatHistory     []HistoryEntry `json:"chatHistory,omitempty"`
}

func (WidgetPayload) Channel() store.Channel { return store.ChannelPortal }

// Normalize builds the canonical handoff request. The session id carries the
// embed key id as a tenant namespace; the polling gateway scopes reads by it.
// The random suffix keeps two visitors on the same key in the same
// millisecond from sharing a session.
func (p WidgetPayload) Normalize(keyID string, now time.Time) *conversation.HandoffRequest {
	return &conversation.HandoffRequest{
		SessionID:       fmt.Sprintf("widget_%s_%d_%s", keyID, now.UnixMilli(), sessionNonce()),
		Channel:         store.ChannelPortal,
		CustomerName:    p.CustomerName,
		CustomerEmail:   p.CustomerEmail,
		ProductInterest: p.ProductInterest,
		History:         normalizeHistory(p.ChatHistory),
	}
}

// DashboardPayload is the body of POST /dashboard/handoff. The caller is
// already authenticated; no access-guard fields appear here.
type DashboardPayload struct {
	CustomerName    string         `json:"customerName,omitempty"`
	CustomerEmail   string         `json:"customerEmail,omitempty"`
	ProductInterest string         `json:"productInterest,omitempty"`
	ChatHistory     []HistoryEntry `json:"chatHistory,omitempty"`
}

func (DashboardPayload) Channel() store.Channel { return store.ChannelPortal }

func (p DashboardPayload) Normalize(userID string, now time.Time) *conversation.HandoffRequest {
	return &conversation.HandoffRequest{
		SessionID:       fmt.Sprintf("dashboard_%s_%d_%s", userID, now.UnixMilli(), sessionNonce()),
		Channel:         store.ChannelPortal,
		CustomerName:    p.CustomerName,
		CustomerEmail:   p.CustomerEmail,
		ProductInterest: p.ProductInterest,
		History:         normalizeHistory(p.ChatHistory),
	}
}

// WhatsAppPayload is one inbound message extracted from a provider webhook.
type WhatsAppPayload struct {
	From     string
	FromName string
	Content  string
}

func (WhatsAppPayload) Channel() store.Channel { return store.ChannelWhatsApp }

// IncomingMessage is the canonical inbound message shape.
type IncomingMessage struct {
	Channel  store.Channel
	From     string
	FromName string
	Content  string
}

func (p WhatsAppPayload) Normalize() IncomingMessage {
	return IncomingMessage{
		Channel:  store.ChannelWhatsApp,
		From:     p.From,
		FromName: p.FromName,
		Content:  p.Content,
	}
}

// sessionNonce returns a short random fragment for session ids.
func sessionNonce() string {
	return uuid.New().String()[:8]
}

// normalizeHistory maps client role strings onto store roles. Unrecognized
// roles default to USER so no history line is silently dropped.
func normalizeHistory(entries []HistoryEntry) []conversation.HistoryMessage {
	out := make([]conversation.HistoryMessage, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		role := store.RoleUser
		switch strings.ToLower(strings.TrimSpace(e.Role)) {
		case "assistant", "ai", "bot":
			role = store.RoleAssistant
		}
		out = append(out, conversation.HistoryMessage{
			Role:      role,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	return out
}
