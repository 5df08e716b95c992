// ABOUTME: Websocket transport tests for the agent and customer sockets
// ABOUTME: Dials the real upgrade handlers and asserts on event fan-out

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

func agentToken(t *testing.T, subject, name string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).
		Generate(auth.Identity{Subject: subject, Name: name}, time.Hour)
	require.NoError(t, err)
	return token
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent reads frames until the wanted event arrives or the deadline hits.
func readEvent(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == want {
			return env.Data
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := encodeEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func queueHandoff(t *testing.T, g *Gateway, sessionID string) *store.Conversation {
	t.Helper()
	res, err := g.conversations.RequestHandoff(t.Context(), &conversation.HandoffRequest{
		SessionID:    sessionID,
		Channel:      store.ChannelPortal,
		CustomerName: "Ada",
		History: []conversation.HistoryMessage{
			{Role: store.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	return res.Conversation
}

func TestAgentSocketRequiresToken(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, 401, resp.StatusCode)
}

func TestAgentSocketReceivesQueueUpdates(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())

	conn := dialWS(t, srv, "/ws/agent?token="+agentToken(t, "agent-1", "Dana"))

	// The initial snapshot arrives before any handoff exists.
	var initial queue.Update
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtQueueUpdate), &initial))
	assert.Zero(t, initial.Total)

	conv := queueHandoff(t, g, "widget_key1_9001")

	for {
		var update queue.Update
		require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtQueueUpdate), &update))
		if update.Total == 0 {
			continue
		}
		require.Len(t, update.Entries, 1)
		assert.Equal(t, conv.ID, update.Entries[0].ConversationID)
		assert.Equal(t, 1, update.Entries[0].Position)
		return
	}
}

func TestAgentAcceptDeliversConversation(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	conv := queueHandoff(t, g, "widget_key1_9002")

	conn := dialWS(t, srv, "/ws/agent?token="+agentToken(t, "agent-1", "Dana"))
	readEvent(t, conn, EvtQueueUpdate)

	sendEvent(t, conn, EvtAgentAccept, conversationRefData{ConversationID: conv.ID})

	var got conversationNewData
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtConversationNew), &got))
	assert.Equal(t, conv.ID, got.Conversation.ID)
	assert.Equal(t, string(store.StatusAgentConnected), got.Conversation.Status)
	assert.Equal(t, "agent-1", got.Conversation.AgentID)

	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	assert.Contains(t, roles, string(store.RoleUser))
	assert.Contains(t, roles, string(store.RoleSystem))
}

func TestAgentClaimLoserGetsFreshQueue(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	conv := queueHandoff(t, g, "widget_key1_9003")

	loser := dialWS(t, srv, "/ws/agent?token="+agentToken(t, "agent-2", "Sam"))
	readEvent(t, loser, EvtQueueUpdate)

	_, err := g.conversations.Accept(t.Context(), conv.ID, "agent-1", "Dana")
	require.NoError(t, err)

	sendEvent(t, loser, EvtAgentAccept, conversationRefData{ConversationID: conv.ID})

	// No conversation:new for the loser, only an empty refreshed queue.
	for {
		var update queue.Update
		require.NoError(t, json.Unmarshal(readEvent(t, loser, EvtQueueUpdate), &update))
		if update.Total == 0 {
			return
		}
	}
}

func TestChatSocketConversationFlow(t *testing.T) {
	g, srv := newTestGateway(t, testConfig())
	conv := queueHandoff(t, g, "widget_key1_9004")

	conn := dialWS(t, srv, "/ws/chat")
	sendEvent(t, conn, EvtChatJoin, conversationRefData{ConversationID: conv.ID})

	var status statusUpdateData
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatStatusUpdate), &status))
	assert.Equal(t, string(store.StatusWaitingForAgent), status.Status)

	var pos queue.Position
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatQueuePos), &pos))
	assert.Equal(t, 1, pos.Position)

	_, err := g.conversations.Accept(t.Context(), conv.ID, "agent-1", "Dana")
	require.NoError(t, err)

	var joined conversation.AgentEvent
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatAgentJoined), &joined))
	assert.Equal(t, "agent-1", joined.AgentID)

	_, err = g.conversations.AppendMessage(t.Context(), conv.ID, store.RoleAgent, "hello from Dana", "Dana")
	require.NoError(t, err)

	for {
		var msg conversation.MessageEvent
		require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatMessageOut), &msg))
		if msg.Role != store.RoleAgent {
			// SYSTEM join announcement precedes the agent's first line.
			continue
		}
		assert.Equal(t, "hello from Dana", msg.Content)
		return
	}
}

func TestChatSocketJoinUnknownConversation(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	conn := dialWS(t, srv, "/ws/chat")
	sendEvent(t, conn, EvtChatJoin, conversationRefData{ConversationID: "nope"})

	var got errorData
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatError), &got))
	assert.Equal(t, "NOT_FOUND", got.Code)
}

func TestChatSocketMessageBeforeJoin(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	conn := dialWS(t, srv, "/ws/chat")
	sendEvent(t, conn, EvtChatMessage, messageData{Content: "hello?"})

	var got errorData
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EvtChatError), &got))
	assert.Equal(t, "MISSING_PARAM", got.Code)
}
