// ABOUTME: HTTP endpoints: widget handoff and polling, WhatsApp webhooks, dashboard handoff
// ABOUTME: Widget routes pass through the access guard; dashboard routes carry a JWT

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/relaydesk/relaydesk/internal/access"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/store"
)

const maxBodySize = 256 * 1024

// handoffResponse is returned by the widget and dashboard handoff endpoints.
type handoffResponse struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	QueuePosition  int    `json:"queuePosition"`
}

// pollResponse is returned by the widget polling endpoint.
type pollResponse struct {
	ConversationID string        `json:"conversationId"`
	Status         string        `json:"status"`
	AgentID        string        `json:"agentId,omitempty"`
	AgentName      string        `json:"agentName,omitempty"`
	Messages       []messageView `json:"messages"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a machine-readable error body.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// corsHeaders makes the widget endpoints embeddable from any origin. The
// domain allow-list is enforced by the guard, not by CORS.
func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Widget-Api-Key")
}

func (g *Gateway) handleWidgetOptions(w http.ResponseWriter, _ *http.Request) {
	corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// authorizeWidget runs the access guard and writes the rejection itself.
// Returns the embed key id and whether the request may proceed.
func (g *Gateway) authorizeWidget(w http.ResponseWriter, r *http.Request) (string, bool) {
	keyID, err := g.guard.Authorize(r.Context(),
		r.Header.Get("X-Widget-Api-Key"),
		r.Header.Get("Origin"),
		r.Header.Get("Referer"))
	if err == nil {
		return keyID, true
	}

	var ge *access.GuardError
	if !errors.As(err, &ge) {
		g.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "authorization failed")
		return "", false
	}

	switch ge.Code {
	case access.CodeRateLimitExceeded:
		metrics.RateLimitHits.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(ge.ResetIn))
		g.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   ge.Message,
			"code":    ge.Code,
			"resetIn": ge.ResetIn,
		})
	case access.CodeDomainNotAllowed:
		g.sendJSONError(w, http.StatusForbidden, ge.Code, ge.Message)
	default:
		g.sendJSONError(w, http.StatusUnauthorized, ge.Code, ge.Message)
	}
	return "", false
}

// handleWidgetHandoff creates (or requeues) a handoff from the embedded widget.
func (g *Gateway) handleWidgetHandoff(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)

	keyID, ok := g.authorizeWidget(w, r)
	if !ok {
		return
	}

	var payload channel.WidgetPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&payload); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "request body must be valid JSON")
		return
	}

	res, err := g.widget.CreateHandoff(r.Context(), keyID, payload)
	if err != nil {
		g.logger.Error("widget handoff failed", "key_id", keyID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create handoff")
		return
	}

	g.writeJSON(w, http.StatusOK, handoffResponse{
		ConversationID: res.Conversation.ID,
		Status:         string(res.Conversation.Status),
		QueuePosition:  res.Position,
	})
}

// handleWidgetPoll answers cursor polls for widgets without a live socket.
func (g *Gateway) handleWidgetPoll(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)

	keyID, ok := g.authorizeWidget(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	conversationID := q.Get("conversationId")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "MISSING_PARAM", "conversationId is required")
		return
	}

	var after time.Time
	if raw := q.Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "INVALID_PARAM", "after must be an RFC 3339 timestamp")
			return
		}
		after = t
	}
	var afterSeq int64
	if raw := q.Get("afterSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "INVALID_PARAM", "afterSeq must be an integer")
			return
		}
		afterSeq = n
	}

	res, err := g.polling.Poll(r.Context(), conversationID, after, afterSeq, channel.TenantPrefix(keyID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "NOT_FOUND", "conversation not found")
			return
		}
		g.logger.Error("poll failed", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "poll failed")
		return
	}

	g.writeJSON(w, http.StatusOK, pollResponse{
		ConversationID: res.ConversationID,
		Status:         string(res.Status),
		AgentID:        res.AgentID,
		AgentName:      res.AgentName,
		Messages:       viewMessages(res.Messages),
	})
}

// handleWhatsAppVerify answers the provider's subscription handshake.
func (g *Gateway) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := g.whatsapp.VerifyHandshake(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		g.sendJSONError(w, http.StatusForbidden, "VERIFICATION_FAILED", "handshake verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

// handleWhatsAppWebhook ingests provider message notifications. The provider
// retries non-200 responses, so per-message failures are logged and the
// webhook still acknowledges.
func (g *Gateway) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "could not read request body")
		return
	}

	// Reject forgeries before touching any conversation state.
	if !g.whatsapp.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		g.sendJSONError(w, http.StatusForbidden, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	payloads, err := g.whatsapp.ParseWebhook(body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "malformed webhook payload")
		return
	}

	for _, p := range payloads {
		if err := g.whatsapp.HandleInbound(r.Context(), p); err != nil {
			g.logger.Error("whatsapp inbound failed", "from", p.From, "error", err)
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{})
}

// handleDashboardHandoff queues a conversation escalated from the
// authenticated customer dashboard.
func (g *Gateway) handleDashboardHandoff(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "INVALID_KEY", "invalid or expired token")
		return
	}

	var payload channel.DashboardPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&payload); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "request body must be valid JSON")
		return
	}

	res, err := g.dashboard.CreateHandoff(r.Context(), identity.Subject, payload)
	if err != nil {
		g.logger.Error("dashboard handoff failed", "user_id", identity.Subject, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create handoff")
		return
	}

	g.writeJSON(w, http.StatusOK, handoffResponse{
		ConversationID: res.Conversation.ID,
		Status:         string(res.Conversation.Status),
		QueuePosition:  res.Position,
	})
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with the request counter, labeled by route
// pattern rather than raw path to keep cardinality bounded.
func instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
	}
}
