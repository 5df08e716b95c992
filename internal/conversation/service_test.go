// ABOUTME: Tests for the conversation service: handoff intake, accept, resolve
// ABOUTME: Runs against the real SQLite store in memory

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, *queue.Queue) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := queue.NewBroadcaster(nil)
	t.Cleanup(b.Close)
	q := queue.New(st, b, nil)

	return New(st, q, nil), st, q
}

func portalHandoff(session string) *HandoffRequest {
	return &HandoffRequest{
		SessionID:       session,
		Channel:         store.ChannelPortal,
		CustomerName:    "Ada",
		CustomerEmail:   "ada@example.com",
		ProductInterest: "starter plan",
		History: []HistoryMessage{
			{Role: store.RoleUser, Content: "hi, I need help", Timestamp: time.Now().Add(-2 * time.Minute)},
			{Role: store.RoleAssistant, Content: "happy to help!", Timestamp: time.Now().Add(-time.Minute)},
		},
	}
}

func TestRequestHandoffCreatesAndQueues(t *testing.T) {
	svc, st, _ := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)

	conv := res.Conversation
	assert.Equal(t, store.StatusWaitingForAgent, conv.Status)
	assert.Equal(t, "Ada", conv.CustomerName)
	require.NotNil(t, conv.HandoffAt)
	assert.Equal(t, 1, res.Position)

	// History replay plus the SYSTEM marker, in order.
	msgs, err := st.ListMessages(t.Context(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, store.RoleSystem, msgs[2].Role)
}

func TestRequestHandoffIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)

	second, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, first.Conversation.HandoffAt.UTC(), second.Conversation.HandoffAt.UTC(),
		"handoff time never moves")
}

func TestRequestHandoffQueuePositions(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)

	time.Sleep(5 * time.Millisecond)
	second, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_200"))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Position)
}

func TestRequestHandoffResolvedSession(t *testing.T) {
	svc, st, _ := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	require.NoError(t, st.ResolveConversation(t.Context(), res.Conversation.ID))

	_, err = svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	assert.ErrorIs(t, err, store.ErrConversationClosed)
}

func TestAcceptRecordsJoinAndAnnounces(t *testing.T) {
	svc, st, q := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	convID := res.Conversation.ID

	room, _ := q.Broadcaster().Subscribe(t.Context(), convID)

	conv, err := svc.Accept(t.Context(), convID, "agent-1", "Dana")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAgentConnected, conv.Status)

	// SYSTEM join line persisted.
	msgs, err := st.ListMessages(t.Context(), convID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Dana")

	// Room heard the message and the join announcement.
	names := drainEventNames(t, room, 2)
	assert.Contains(t, names, EventMessage)
	assert.Contains(t, names, EventAgentJoined)
}

func TestAcceptLoserGetsAlreadyClaimed(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)

	_, err = svc.Accept(t.Context(), res.Conversation.ID, "agent-1", "Dana")
	require.NoError(t, err)

	_, err = svc.Accept(t.Context(), res.Conversation.ID, "agent-2", "Evan")
	assert.ErrorIs(t, err, store.ErrAlreadyClaimed)
}

func TestAppendMessageBroadcasts(t *testing.T) {
	svc, _, q := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	convID := res.Conversation.ID

	room, _ := q.Broadcaster().Subscribe(t.Context(), convID)

	msg, err := svc.AppendMessage(t.Context(), convID, store.RoleAgent, "hello from support", "Dana")
	require.NoError(t, err)
	assert.Positive(t, msg.Seq)

	select {
	case ev := <-room:
		require.Equal(t, EventMessage, ev.Name)
		payload, ok := ev.Data.(MessageEvent)
		require.True(t, ok)
		assert.Equal(t, "hello from support", payload.Content)
		assert.Equal(t, store.RoleAgent, payload.Role)
		assert.Equal(t, msg.Seq, payload.Seq)
	case <-time.After(time.Second):
		t.Fatal("no room event received")
	}
}

func TestResolveClosesAndAnnounces(t *testing.T) {
	svc, st, q := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	convID := res.Conversation.ID
	_, err = svc.Accept(t.Context(), convID, "agent-1", "Dana")
	require.NoError(t, err)

	room, _ := q.Broadcaster().Subscribe(t.Context(), convID)

	require.NoError(t, svc.Resolve(t.Context(), convID))

	conv, err := st.GetConversation(t.Context(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, conv.Status)

	names := drainEventNames(t, room, 2)
	assert.Contains(t, names, EventEnded)

	// Closed conversations reject further customer/agent messages.
	_, err = svc.AppendMessage(t.Context(), convID, store.RoleAgent, "too late", "Dana")
	assert.ErrorIs(t, err, store.ErrConversationClosed)
}

func TestNotifyTyping(t *testing.T) {
	svc, _, q := newTestService(t)

	res, err := svc.RequestHandoff(t.Context(), portalHandoff("widget_key1_100"))
	require.NoError(t, err)
	convID := res.Conversation.ID

	room, _ := q.Broadcaster().Subscribe(t.Context(), convID)
	svc.NotifyTyping(convID, store.RoleAgent, "Dana")

	select {
	case ev := <-room:
		require.Equal(t, EventTyping, ev.Name)
		payload, ok := ev.Data.(TypingEvent)
		require.True(t, ok)
		assert.Equal(t, "Dana", payload.AuthorName)
		assert.False(t, payload.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no typing event received")
	}
}

// drainEventNames collects n event names from ch or fails the test.
func drainEventNames(t *testing.T, ch <-chan queue.Event, n int) []string {
	t.Helper()
	names := make([]string, 0, n)
	for range n {
		select {
		case ev := <-ch:
			names = append(names, ev.Name)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(names), n)
		}
	}
	return names
}
