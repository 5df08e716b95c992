// ABOUTME: HTTP surface tests: widget handoff and polling, webhooks, dashboard
// ABOUTME: Drives the real mux over httptest with an in-memory store

package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/store"
)

const (
	testEmbedSecret = "rk_0123456789abcdef0123456789abcdef"
	testJWTSecret   = "gateway-test-secret"
	testVerifyToken = "verify-token"
	testAppSecret   = "app-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: ":0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Widget:   config.WidgetConfig{RateLimit: 100, RateWindow: time.Minute},
		WhatsApp: config.WhatsAppConfig{
			Enabled:     true,
			VerifyToken: testVerifyToken,
			AppSecret:   testAppSecret,
		},
		Agents:  config.AgentsConfig{OfflineGrace: 10 * time.Minute},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := New(cfg, Options{}, logger)
	require.NoError(t, err)

	require.NoError(t, g.store.CreateEmbedKey(t.Context(), &store.EmbedKey{
		ID:        "key1",
		Secret:    testEmbedSecret,
		Enabled:   true,
		CreatedAt: time.Now(),
	}))

	srv := httptest.NewServer(g.routes())
	t.Cleanup(func() {
		srv.Close()
		g.broadcaster.Close()
		g.limiter.Close()
		_ = g.store.Close()
	})
	return g, srv
}

func widgetRequest(t *testing.T, srv *httptest.Server, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/widget/handoff", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Widget-Api-Key", testEmbedSecret)
	req.Header.Set("Origin", "https://example.com")
	return req
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestWidgetHandoffCreatesWaitingConversation(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	resp, err := srv.Client().Do(widgetRequest(t, srv, `{
		"customerName": "Ada",
		"chatHistory": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello!"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[handoffResponse](t, resp)
	assert.NotEmpty(t, got.ConversationID)
	assert.Equal(t, string(store.StatusWaitingForAgent), got.Status)
	assert.Equal(t, 1, got.QueuePosition)

	// Exactly one agent wins the claim.
	_, err = g.conversations.Accept(t.Context(), got.ConversationID, "agent-1", "Dana")
	require.NoError(t, err)
	_, err = g.conversations.Accept(t.Context(), got.ConversationID, "agent-2", "Sam")
	assert.ErrorIs(t, err, store.ErrAlreadyClaimed)
}

func TestWidgetHandoffRejectsBadKeys(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	tests := []struct {
		name     string
		key      string
		wantCode string
	}{
		{"malformed key", "not-a-key", "INVALID_KEY_FORMAT"},
		{"unknown key", "rk_ffffffffffffffffffffffffffffffff", "INVALID_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := widgetRequest(t, srv, `{}`)
			req.Header.Set("X-Widget-Api-Key", tt.key)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			got := decodeBody[map[string]string](t, resp)
			assert.Equal(t, tt.wantCode, got["code"])
			assert.NotEmpty(t, got["error"])
		})
	}
}

func TestWidgetPreflight(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/widget/handoff", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWidgetPollReturnsAgentMessages(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	resp, err := srv.Client().Do(widgetRequest(t, srv, `{"customerName": "Ada"}`))
	require.NoError(t, err)
	created := decodeBody[handoffResponse](t, resp)

	_, err = g.conversations.Accept(t.Context(), created.ConversationID, "agent-1", "Dana")
	require.NoError(t, err)
	_, err = g.conversations.AppendMessage(t.Context(), created.ConversationID, store.RoleAgent, "how can I help?", "Dana")
	require.NoError(t, err)

	poll := func(query string) pollResponse {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/widget/handoff?"+query, nil)
		require.NoError(t, err)
		req.Header.Set("X-Widget-Api-Key", testEmbedSecret)
		req.Header.Set("Origin", "https://example.com")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeBody[pollResponse](t, resp)
	}

	got := poll("conversationId=" + created.ConversationID)
	assert.Equal(t, string(store.StatusAgentConnected), got.Status)
	assert.Equal(t, "agent-1", got.AgentID)
	require.NotEmpty(t, got.Messages)
	last := got.Messages[len(got.Messages)-1]
	assert.Equal(t, string(store.RoleAgent), last.Role)
	assert.Equal(t, "how can I help?", last.Content)
	for _, m := range got.Messages {
		assert.Contains(t, []string{string(store.RoleAgent), string(store.RoleSystem)}, m.Role)
	}

	// Replaying the cursor of the newest message returns nothing new.
	cursor := fmt.Sprintf("conversationId=%s&after=%s&afterSeq=%d",
		created.ConversationID, last.CreatedAt.Format(time.RFC3339Nano), last.Seq)
	assert.Empty(t, poll(cursor).Messages)
	assert.Empty(t, poll(cursor).Messages)
}

func TestWidgetPollUnknownConversation(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/widget/handoff?conversationId=nope", nil)
	require.NoError(t, err)
	req.Header.Set("X-Widget-Api-Key", testEmbedSecret)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeBody[map[string]string](t, resp)["code"])
}

func TestWidgetPollMissingParam(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/widget/handoff", nil)
	require.NoError(t, err)
	req.Header.Set("X-Widget-Api-Key", testEmbedSecret)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_PARAM", decodeBody[map[string]string](t, resp)["code"])
}

func TestWhatsAppVerifyHandshake(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	resp, err := srv.Client().Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=12345")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(body))

	resp, err = srv.Client().Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookBodyFor(text string) []byte {
	return fmt.Appendf(nil, `{
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": "15551234567", "profile": {"name": "Ada"}}],
			"messages": [{"from": "15551234567", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, text)
}

func postWebhook(t *testing.T, srv *httptest.Server, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestWhatsAppWebhookRejectsBadSignature(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	body := webhookBodyFor("hello")
	resp := postWebhook(t, srv, body, "sha256=deadbeef")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postWebhook(t, srv, body, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWhatsAppWebhookMalformedBody(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	body := []byte(`{"entry": "not-an-array"}`)
	resp := postWebhook(t, srv, body, signWebhook(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWhatsAppAgentKeywordQueuesConversation(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	body := webhookBodyFor("agent")
	resp := postWebhook(t, srv, body, signWebhook(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	conv, err := g.store.GetConversationByPhone(t.Context(), store.ChannelWhatsApp, "15551234567")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaitingForAgent, conv.Status)
	assert.Equal(t, "Ada", conv.CustomerName)
	require.NotNil(t, conv.HandoffAt)
}

func TestDashboardHandoff(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).
		Generate(auth.Identity{Subject: "user-7", Name: "Pat"}, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/dashboard/handoff",
		bytes.NewBufferString(`{"customerName": "Pat", "productInterest": "enterprise"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[handoffResponse](t, resp)
	assert.Equal(t, string(store.StatusWaitingForAgent), got.Status)
	assert.Equal(t, 1, got.QueuePosition)
}

func TestDashboardHandoffRequiresToken(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	resp, err := srv.Client().Post(srv.URL+"/dashboard/handoff", "application/json",
		bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
