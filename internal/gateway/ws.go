// ABOUTME: Websocket transport: agent and customer sockets over gorilla/websocket
// ABOUTME: One reader and one writer goroutine per connection, buffered send channel

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/presence"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sockets carry their own credentials (JWT for agents, conversation
	// scoping for customers); the Origin header proves nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps a websocket with a buffered outbound channel so slow readers
// never block event fan-out.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// enqueue frames and queues an outbound event. Non-blocking: a full buffer
// drops the event, same policy as the broadcaster.
func (c *wsConn) enqueue(event string, data any) {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		c.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.logger.Debug("dropped event for slow socket", "event", event)
	}
}

// close shuts the connection down exactly once.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump owns all writes: queued events and keepalive pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump reads frames and hands envelopes to handle until the socket dies.
func (c *wsConn) readPump(handle func(Envelope)) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket read error", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		handle(env)
	}
}

// bearerToken extracts a JWT from the Authorization header or ?token= query.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// agentSession is one authenticated agent socket and its room subscriptions.
type agentSession struct {
	g        *Gateway
	conn     *wsConn
	identity auth.Identity
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	rooms map[string]context.CancelFunc
}

// handleAgentWS upgrades /ws/agent connections. The JWT is verified before
// the upgrade; an invalid token never gets a socket.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "INVALID_KEY", "invalid or expired token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("agent socket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &agentSession{
		g:        g,
		conn:     newWSConn(ws, g.logger.With("component", "agent-ws", "agent_id", identity.Subject)),
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]context.CancelFunc),
	}

	metrics.ConnectedAgents.Inc()
	g.presence.SetStatus(identity.Subject, identity.Name, presence.StatusOnline)

	// Every agent joins the shared agents topic for queue snapshots.
	events, _ := g.broadcaster.Subscribe(ctx, queue.TopicAgents)
	go s.forward(events)
	go s.conn.writePump()

	s.sendQueueSnapshot()

	s.conn.readPump(s.handle)

	// Socket gone: presence goes offline, but claims are never released.
	cancel()
	g.presence.SetStatus(identity.Subject, "", presence.StatusOffline)
	metrics.ConnectedAgents.Dec()
	s.conn.close()
}

// forward relays broadcaster events onto the socket.
func (s *agentSession) forward(events <-chan queue.Event) {
	for ev := range events {
		if ev.Name == queue.EventQueuePosition {
			// Customer-facing; agents get full snapshots instead.
			continue
		}
		s.conn.enqueue(ev.Name, ev.Data)
	}
}

// handle dispatches one inbound agent envelope.
func (s *agentSession) handle(env Envelope) {
	switch env.Event {
	case EvtAgentOnline, EvtAgentStatusChange:
		s.handleStatus(env.Data)
	case EvtAgentOffline:
		s.g.presence.SetStatus(s.identity.Subject, "", presence.StatusOffline)
	case EvtAgentAccept:
		s.handleAccept(env.Data)
	case EvtAgentMessage:
		s.handleMessage(env.Data)
	case EvtAgentTyping:
		s.handleTyping(env.Data)
	case EvtAgentResolve:
		s.handleResolve(env.Data)
	case EvtAgentLeave:
		s.handleLeave(env.Data)
	case EvtAgentRejoin:
		s.handleRejoin(env.Data)
	default:
		s.conn.logger.Debug("unknown agent event", "event", env.Event)
	}
}

func (s *agentSession) handleStatus(data json.RawMessage) {
	var d agentStatusData
	_ = json.Unmarshal(data, &d)

	status := presence.Status(d.Status)
	if !status.Valid() {
		status = presence.StatusOnline
	}
	name := d.Name
	if name == "" {
		name = s.identity.Name
	}
	s.g.presence.SetStatus(s.identity.Subject, name, status)
	s.sendQueueSnapshot()
}

func (s *agentSession) handleAccept(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		return
	}

	conv, err := s.g.conversations.Accept(s.ctx, d.ConversationID, s.identity.Subject, s.identity.Name)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			// Lost the race. No error for the agent; the refreshed queue
			// simply no longer contains the conversation.
			metrics.ClaimsTotal.WithLabelValues("lost").Inc()
			s.sendQueueSnapshot()
			return
		}
		s.conn.logger.Error("accept failed", "conversation_id", d.ConversationID, "error", err)
		return
	}

	metrics.ClaimsTotal.WithLabelValues("won").Inc()
	s.joinRoom(conv.ID)
	s.sendConversation(conv)
}

func (s *agentSession) handleMessage(data json.RawMessage) {
	var d messageData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" || d.Content == "" {
		return
	}
	if !s.inRoom(d.ConversationID) {
		s.conn.logger.Debug("message for unjoined conversation", "conversation_id", d.ConversationID)
		return
	}
	if _, err := s.g.conversations.AppendMessage(s.ctx, d.ConversationID, store.RoleAgent, d.Content, s.displayName()); err != nil {
		s.conn.logger.Error("agent message failed", "conversation_id", d.ConversationID, "error", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(store.RoleAgent)).Inc()
}

func (s *agentSession) handleTyping(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		return
	}
	if s.inRoom(d.ConversationID) {
		s.g.conversations.NotifyTyping(d.ConversationID, store.RoleAgent, s.displayName())
	}
}

func (s *agentSession) handleResolve(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		return
	}
	if !s.inRoom(d.ConversationID) {
		return
	}
	if err := s.g.conversations.Resolve(s.ctx, d.ConversationID); err != nil {
		s.conn.logger.Error("resolve failed", "conversation_id", d.ConversationID, "error", err)
		return
	}
	metrics.ConversationsResolved.Inc()
	s.leaveRoom(d.ConversationID)
}

func (s *agentSession) handleLeave(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		return
	}
	if s.inRoom(d.ConversationID) {
		s.g.conversations.Leave(d.ConversationID, s.identity.Subject, s.displayName())
		s.leaveRoom(d.ConversationID)
	}
}

func (s *agentSession) handleRejoin(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		return
	}

	conv, err := s.g.queue.Rejoin(s.ctx, d.ConversationID, s.identity.Subject)
	if err != nil {
		s.conn.logger.Debug("rejoin rejected",
			"conversation_id", d.ConversationID, "error", err)
		return
	}
	s.joinRoom(conv.ID)
	s.sendConversation(conv)
}

// joinRoom subscribes this socket to a conversation room.
func (s *agentSession) joinRoom(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[conversationID]; ok {
		return
	}
	roomCtx, cancel := context.WithCancel(s.ctx)
	events, _ := s.g.broadcaster.Subscribe(roomCtx, conversationID)
	s.rooms[conversationID] = cancel
	go s.forward(events)
}

func (s *agentSession) leaveRoom(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.rooms[conversationID]; ok {
		cancel()
		delete(s.rooms, conversationID)
	}
}

func (s *agentSession) inRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

func (s *agentSession) displayName() string {
	if s.identity.Name != "" {
		return s.identity.Name
	}
	return s.identity.Subject
}

// sendQueueSnapshot pushes the current queue to this socket only.
func (s *agentSession) sendQueueSnapshot() {
	entries, err := s.g.queue.Snapshot(s.ctx)
	if err != nil {
		s.conn.logger.Error("queue snapshot failed", "error", err)
		return
	}
	s.conn.enqueue(EvtQueueUpdate, queue.Update{Entries: entries, Total: len(entries)})
}

// sendConversation pushes conversation metadata and transcript to this socket.
func (s *agentSession) sendConversation(conv *store.Conversation) {
	msgs, err := s.g.conversations.History(s.ctx, conv.ID, 0)
	if err != nil {
		s.conn.logger.Error("history load failed", "conversation_id", conv.ID, "error", err)
		msgs = nil
	}
	s.conn.enqueue(EvtConversationNew, conversationNewData{
		Conversation: viewConversation(conv),
		Messages:     viewMessages(msgs),
	})
}

// chatSession is one customer socket bound to at most one conversation.
type chatSession struct {
	g    *Gateway
	conn *wsConn
	ctx  context.Context

	mu         sync.Mutex
	convID     string
	roomCancel context.CancelFunc
}

// handleChatWS upgrades /ws/chat connections. Customers are unauthenticated;
// they can only interact with the conversation they join by id.
func (g *Gateway) handleChatWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("chat socket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &chatSession{
		g:    g,
		conn: newWSConn(ws, g.logger.With("component", "chat-ws")),
		ctx:  ctx,
	}

	metrics.ConnectedCustomers.Inc()
	go s.conn.writePump()
	s.conn.readPump(s.handle)

	cancel()
	metrics.ConnectedCustomers.Dec()
	s.conn.close()
}

func (s *chatSession) handle(env Envelope) {
	switch env.Event {
	case EvtChatJoin:
		s.handleJoin(env.Data)
	case EvtChatMessage:
		s.handleMessage(env.Data)
	case EvtChatTyping:
		s.handleTyping()
	case EvtChatRequestAgent:
		s.handleRequestAgent()
	case EvtChatLeave:
		s.handleLeaveChat()
	default:
		s.conn.logger.Debug("unknown chat event", "event", env.Event)
	}
}

func (s *chatSession) handleJoin(data json.RawMessage) {
	var d conversationRefData
	if err := json.Unmarshal(data, &d); err != nil || d.ConversationID == "" {
		s.sendError("MISSING_PARAM", "conversationId is required")
		return
	}

	conv, err := s.g.conversations.Get(s.ctx, d.ConversationID)
	if err != nil {
		s.sendError("NOT_FOUND", "conversation not found")
		return
	}

	s.mu.Lock()
	if s.roomCancel != nil {
		s.roomCancel()
	}
	roomCtx, cancel := context.WithCancel(s.ctx)
	events, _ := s.g.broadcaster.Subscribe(roomCtx, conv.ID)
	s.convID = conv.ID
	s.roomCancel = cancel
	s.mu.Unlock()

	go s.forward(events)
	s.conn.enqueue(EvtChatStatusUpdate, statusUpdateData{
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	})
	if conv.Status == store.StatusWaitingForAgent {
		if pos, err := s.g.queue.PositionOf(s.ctx, conv.ID); err == nil && pos > 0 {
			s.conn.enqueue(EvtChatQueuePos, queue.Position{ConversationID: conv.ID, Position: pos})
		}
	}
}

func (s *chatSession) handleMessage(data json.RawMessage) {
	var d messageData
	if err := json.Unmarshal(data, &d); err != nil || d.Content == "" {
		s.sendError("MISSING_PARAM", "content is required")
		return
	}
	convID := s.joined()
	if convID == "" {
		s.sendError("MISSING_PARAM", "join a conversation first")
		return
	}
	if _, err := s.g.conversations.AppendMessage(s.ctx, convID, store.RoleUser, d.Content, ""); err != nil {
		if errors.Is(err, store.ErrConversationClosed) {
			s.sendError("CONVERSATION_CLOSED", "conversation is resolved")
			return
		}
		s.sendError("INTERNAL_ERROR", "could not record message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(store.RoleUser)).Inc()
}

func (s *chatSession) handleTyping() {
	if convID := s.joined(); convID != "" {
		s.g.conversations.NotifyTyping(convID, store.RoleUser, "")
	}
}

func (s *chatSession) handleRequestAgent() {
	convID := s.joined()
	if convID == "" {
		s.sendError("MISSING_PARAM", "join a conversation first")
		return
	}
	res, err := s.g.conversations.QueueForAgent(s.ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrConversationClosed) {
			s.sendError("CONVERSATION_CLOSED", "conversation is resolved")
			return
		}
		s.sendError("INTERNAL_ERROR", "could not request an agent")
		return
	}
	s.conn.enqueue(EvtChatQueuePos, queue.Position{ConversationID: convID, Position: res.Position})
}

func (s *chatSession) handleLeaveChat() {
	s.mu.Lock()
	if s.roomCancel != nil {
		s.roomCancel()
		s.roomCancel = nil
	}
	s.convID = ""
	s.mu.Unlock()
}

func (s *chatSession) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// forward translates room events into the customer-facing chat namespace.
func (s *chatSession) forward(events <-chan queue.Event) {
	for ev := range events {
		if event, data, ok := translateForCustomer(ev); ok {
			s.conn.enqueue(event, data)
		}
	}
}

func (s *chatSession) sendError(code, message string) {
	s.conn.enqueue(EvtChatError, errorData{Code: code, Message: message})
}

// translateForCustomer maps canonical room events onto the chat:* wire
// namespace. Customer-authored messages are skipped: the client already has
// its own side of the transcript.
func translateForCustomer(ev queue.Event) (string, any, bool) {
	switch ev.Name {
	case conversation.EventMessage:
		me, ok := ev.Data.(conversation.MessageEvent)
		if !ok || (me.Role != store.RoleAgent && me.Role != store.RoleSystem) {
			return "", nil, false
		}
		return EvtChatMessageOut, me, true
	case conversation.EventTyping:
		te, ok := ev.Data.(conversation.TypingEvent)
		if !ok || te.Role != store.RoleAgent {
			return "", nil, false
		}
		return EvtChatAgentTyping, te, true
	case conversation.EventAgentJoined:
		return EvtChatAgentJoined, ev.Data, true
	case conversation.EventAgentLeft:
		return EvtChatAgentLeft, ev.Data, true
	case conversation.EventEnded:
		ee, ok := ev.Data.(conversation.EndedEvent)
		if !ok {
			return "", nil, false
		}
		return EvtChatStatusUpdate, statusUpdateData{
			ConversationID: ee.ConversationID,
			Status:         string(store.StatusResolved),
		}, true
	case queue.EventQueuePosition:
		return EvtChatQueuePos, ev.Data, true
	default:
		return "", nil, false
	}
}
