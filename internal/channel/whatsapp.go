// ABOUTME: WhatsApp webhook adapter: handshake, signature check, keyword handoff
// ABOUTME: Provider retries on non-2xx, so inbound handling must swallow failures

package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/store"
)

// agentKeyword requests a human agent when a customer sends it verbatim
// (trimmed, case-insensitive).
const agentKeyword = "agent"

// apologyMessage replaces a failed assistant reply. The customer must hear
// something; the provider must still get a 2xx.
const apologyMessage = "Sorry, something went wrong on our side. Please try again in a moment, or type \"agent\" to talk to a person."

// queuedMessage confirms a keyword handoff back to the customer.
const queuedMessage = "Thanks! You are in the queue for a human agent and will hear from us shortly."

// ErrMalformedPayload marks webhook bodies the adapter cannot parse. The
// handler answers 400 before any state changes.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Responder produces assistant replies. The generative pipeline lives
// outside this module; this is its narrow surface.
type Responder interface {
	Reply(ctx context.Context, conversationID, content string) (string, error)
}

// Sender delivers outbound messages on a channel.
type Sender interface {
	SendMessage(ctx context.Context, to, content string) error
}

// WhatsAppAdapter ingests provider webhooks: verifies the handshake and
// request signatures, normalizes messages, and routes them between the
// assistant and the agent queue.
type WhatsAppAdapter struct {
	conversations *conversation.Service
	responder     Responder
	sender        Sender
	verifyToken   string
	appSecret     []byte
	logger        *slog.Logger
}

// NewWhatsAppAdapter creates a WhatsApp adapter. Pass nil logger for default.
func NewWhatsAppAdapter(svc *conversation.Service, responder Responder, sender Sender, verifyToken, appSecret string, logger *slog.Logger) *WhatsAppAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppAdapter{
		conversations: svc,
		responder:     responder,
		sender:        sender,
		verifyToken:   verifyToken,
		appSecret:     []byte(appSecret),
		logger:        logger.With("component", "whatsapp"),
	}
}

// VerifyHandshake answers the provider's GET subscription handshake.
// Returns the challenge to echo and whether the handshake is valid.
func (a *WhatsAppAdapter) VerifyHandshake(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" || token != a.verifyToken {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw body.
// Header format is "sha256=<hex hmac>".
func (a *WhatsAppAdapter) VerifySignature(body []byte, header string) bool {
	if len(a.appSecret) == 0 {
		// No secret configured: signature checking is disabled.
		return true
	}
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, a.appSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}

// webhookBody is the subset of the provider's POST payload we read.
type webhookBody struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages from a provider POST body. Non-text
// messages (media, reactions, status updates) are skipped, not errors.
func (a *WhatsAppAdapter) ParseWebhook(body []byte) ([]WhatsAppPayload, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var out []WhatsAppPayload
	for _, entry := range wb.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.From == "" {
					continue
				}
				out = append(out, WhatsAppPayload{
					From:     m.From,
					FromName: names[m.From],
					Content:  m.Text.Body,
				})
			}
		}
	}
	return out, nil
}

// HandleInbound processes one normalized inbound message: persist it, detect
// the agent keyword, and either queue for a human or produce an assistant
// reply. Errors are logged and swallowed where the webhook contract demands
// it; only lookup/persistence failures propagate.
func (a *WhatsAppAdapter) HandleInbound(ctx context.Context, p WhatsAppPayload) error {
	msg := p.Normalize()

	conv, err := a.conversations.EnsureByPhone(ctx, store.ChannelWhatsApp, msg.From, msg.FromName)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if _, err := a.conversations.AppendMessage(ctx, conv.ID, store.RoleUser, msg.Content, msg.FromName); err != nil {
		return fmt.Errorf("recording inbound message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(store.RoleUser)).Inc()

	if isAgentKeyword(msg.Content) {
		return a.queueForAgent(ctx, conv, msg.From)
	}

	// A queued or connected conversation belongs to the human side now;
	// generating an assistant reply here would race the agent.
	switch conv.Status {
	case store.StatusWaitingForAgent, store.StatusAgentConnected:
		return nil
	}

	a.respond(ctx, conv.ID, msg)
	return nil
}

// queueForAgent moves the conversation into the agent queue and confirms to
// the customer. Repeated keywords are idempotent.
func (a *WhatsAppAdapter) queueForAgent(ctx context.Context, conv *store.Conversation, to string) error {
	alreadyQueued := conv.Status == store.StatusWaitingForAgent || conv.Status == store.StatusAgentConnected

	res, err := a.conversations.QueueForAgent(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("queueing for agent: %w", err)
	}
	if !alreadyQueued {
		metrics.HandoffsTotal.WithLabelValues(string(store.ChannelWhatsApp)).Inc()
		a.logger.Info("keyword handoff",
			"conversation_id", conv.ID,
			"queue_position", res.Position)
	}

	if err := a.sender.SendMessage(ctx, to, queuedMessage); err != nil {
		a.logger.Error("failed to send queue confirmation",
			"conversation_id", conv.ID, "error", err)
	}
	return nil
}

// respond asks the assistant for a reply and sends it out. A responder
// failure becomes the apology message; a send failure is only logged.
func (a *WhatsAppAdapter) respond(ctx context.Context, conversationID string, msg IncomingMessage) {
	content, err := a.responder.Reply(ctx, conversationID, msg.Content)
	if err != nil {
		a.logger.Error("assistant reply failed",
			"conversation_id", conversationID, "error", err)
		content = apologyMessage
	}

	if _, err := a.conversations.AppendMessage(ctx, conversationID, store.RoleAssistant, content, ""); err != nil {
		a.logger.Error("failed to record assistant reply",
			"conversation_id", conversationID, "error", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(store.RoleAssistant)).Inc()

	if err := a.sender.SendMessage(ctx, msg.From, content); err != nil {
		a.logger.Error("outbound send failed",
			"conversation_id", conversationID, "error", err)
	}
}

// isAgentKeyword reports whether content is the human-agent request keyword.
func isAgentKeyword(content string) bool {
	return strings.EqualFold(strings.TrimSpace(content), agentKeyword)
}
