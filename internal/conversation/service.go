// ABOUTME: ConversationService is the central layer for handoff and message flow
// ABOUTME: All messages persist through here first - history is the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*store.Conversation, error)
	GetConversationByPhone(ctx context.Context, channel store.Channel, phone string) (*store.Conversation, error)
	TransitionConversation(ctx context.Context, id string, to store.Status, from ...store.Status) error
	ResolveConversation(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, msg *store.Message) error
	SaveMessages(ctx context.Context, msgs []*store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// HistoryMessage is one prior exchange replayed into a new handoff.
type HistoryMessage struct {
	Role      store.Role
	Content   string
	Timestamp time.Time
}

// HandoffRequest describes a customer asking for a human agent.
type HandoffRequest struct {
	SessionID       string
	Channel         store.Channel
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ProductInterest string
	History         []HistoryMessage
}

// HandoffResult is what the caller shows the customer.
type HandoffResult struct {
	Conversation *store.Conversation
	Position     int
}

// handoffMarker is the SYSTEM line recorded when a handoff enters the queue.
const handoffMarker = "Customer requested to speak with a human agent"

// Service coordinates the conversation lifecycle: handoff intake, message
// append with room fan-out, claim acceptance, and resolution.
//
// Key principle: record first, then broadcast. A message is persisted before
// any subscriber hears about it, so the store never lags the wire.
type Service struct {
	store  ConversationStore
	queue  *queue.Queue
	logger *slog.Logger
}

// New creates a ConversationService. Pass nil logger for default.
func New(st ConversationStore, q *queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		queue:  q,
		logger: logger.With("component", "conversation"),
	}
}

// RequestHandoff places a conversation in the agent queue. For a new session
// it creates the conversation, replays the prior chat history and the SYSTEM
// handoff marker in one transactional batch, then transitions to
// WAITING_FOR_AGENT. Repeated requests for the same session are idempotent:
// an already-queued or already-connected conversation is returned as-is.
func (s *Service) RequestHandoff(ctx context.Context, req *HandoffRequest) (*HandoffResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	conv, err := s.store.GetConversationBySession(ctx, req.SessionID)
	switch {
	case err == nil:
		return s.requeue(ctx, conv)
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	conv = &store.Conversation{
		ID:              uuid.New().String(),
		SessionID:       req.SessionID,
		Channel:         req.Channel,
		Status:          store.StatusAIActive,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		ProductInterest: req.ProductInterest,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			// Lost a creation race; the winner's conversation is authoritative.
			existing, lookupErr := s.store.GetConversationBySession(ctx, req.SessionID)
			if lookupErr == nil {
				return s.requeue(ctx, existing)
			}
			s.logger.Error("retry lookup failed after duplicate session",
				"session_id", req.SessionID,
				"lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	// Replay history plus the handoff marker in one batch: either the whole
	// transcript lands or none of it does.
	msgs := make([]*store.Message, 0, len(req.History)+1)
	for _, h := range req.History {
		ts := h.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msgs = append(msgs, &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           h.Role,
			Content:        h.Content,
			CreatedAt:      ts,
		})
	}
	msgs = append(msgs, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleSystem,
		Content:        handoffMarker,
		CreatedAt:      time.Now().UTC(),
	})
	if err := s.store.SaveMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("recording handoff history: %w", err)
	}

	if err := s.store.TransitionConversation(ctx, conv.ID,
		store.StatusWaitingForAgent, store.StatusAIActive, store.StatusHandoffRequested); err != nil {
		return nil, fmt.Errorf("queueing conversation: %w", err)
	}

	s.logger.Info("handoff requested",
		"conversation_id", conv.ID,
		"channel", conv.Channel,
		"history_len", len(req.History))

	s.queue.NotifyChanged(ctx)
	return s.result(ctx, conv.ID)
}

// EnsureByPhone returns the open conversation for a phone number on a
// channel, creating a fresh AI_ACTIVE one on first contact.
func (s *Service) EnsureByPhone(ctx context.Context, channel store.Channel, phone, name string) (*store.Conversation, error) {
	conv, err := s.store.GetConversationByPhone(ctx, channel, phone)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("phone lookup failed: %w", err)
	}

	// The timestamp keeps session ids unique across resolved-and-reopened
	// contacts from the same phone.
	conv = &store.Conversation{
		ID:            uuid.New().String(),
		SessionID:     fmt.Sprintf("%s_%s_%d", strings.ToLower(string(channel)), phone, time.Now().UnixMilli()),
		Channel:       channel,
		Status:        store.StatusAIActive,
		CustomerName:  name,
		CustomerPhone: phone,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation created",
		"conversation_id", conv.ID, "channel", channel)
	return conv, nil
}

// QueueForAgent moves an existing conversation into the agent queue. Already
// queued or connected conversations are returned unchanged.
func (s *Service) QueueForAgent(ctx context.Context, conversationID string) (*HandoffResult, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.requeue(ctx, conv)
}

// requeue handles a handoff request for a session that already has a
// conversation. Open conversations move (back) into the queue; queued or
// connected ones are returned unchanged; resolved ones are rejected.
func (s *Service) requeue(ctx context.Context, conv *store.Conversation) (*HandoffResult, error) {
	switch conv.Status {
	case store.StatusWaitingForAgent, store.StatusAgentConnected:
		return s.result(ctx, conv.ID)
	case store.StatusResolved:
		return nil, store.ErrConversationClosed
	}

	if err := s.store.TransitionConversation(ctx, conv.ID,
		store.StatusWaitingForAgent, store.StatusAIActive, store.StatusHandoffRequested); err != nil {
		return nil, fmt.Errorf("queueing conversation: %w", err)
	}
	if err := s.store.SaveMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleSystem,
		Content:        handoffMarker,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		s.logger.Error("failed to record handoff marker",
			"conversation_id", conv.ID, "error", err)
	}
	s.queue.NotifyChanged(ctx)
	return s.result(ctx, conv.ID)
}

// result reloads the conversation and its current queue position.
func (s *Service) result(ctx context.Context, conversationID string) (*HandoffResult, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	pos, err := s.queue.PositionOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &HandoffResult{Conversation: conv, Position: pos}, nil
}

// AppendMessage persists a message and fans it out to the conversation room.
// RESOLVED conversations reject everything but SYSTEM lines.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, role store.Role, content, authorName string) (*store.Message, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.queue.Broadcaster().Publish(conversationID, queue.Event{
		Name: EventMessage,
		Data: MessageEvent{
			ConversationID: conversationID,
			MessageID:      msg.ID,
			Role:           role,
			Content:        content,
			AuthorName:     authorName,
			CreatedAt:      msg.CreatedAt,
			Seq:            msg.Seq,
		},
	}, "")

	return msg, nil
}

// NotifyTyping relays a typing indicator to the room. Nothing is persisted.
func (s *Service) NotifyTyping(conversationID string, role store.Role, authorName string) {
	s.queue.Broadcaster().Publish(conversationID, queue.Event{
		Name: EventTyping,
		Data: TypingEvent{
			ConversationID: conversationID,
			Role:           role,
			AuthorName:     authorName,
			At:             time.Now().UTC(),
		},
	}, "")
}

// Accept claims a waiting conversation for an agent. The winning claim
// records a SYSTEM join line and announces the agent to the room; a losing
// claim returns store.ErrAlreadyClaimed untouched.
func (s *Service) Accept(ctx context.Context, conversationID, agentID, agentName string) (*store.Conversation, error) {
	conv, err := s.queue.Claim(ctx, conversationID, agentID)
	if err != nil {
		return nil, err
	}

	name := agentName
	if name == "" {
		name = agentID
	}
	if _, err := s.AppendMessage(ctx, conversationID, store.RoleSystem,
		fmt.Sprintf("%s joined the conversation", name), name); err != nil {
		s.logger.Error("failed to record join line",
			"conversation_id", conversationID, "error", err)
	}

	s.queue.Broadcaster().Publish(conversationID, queue.Event{
		Name: EventAgentJoined,
		Data: AgentEvent{ConversationID: conversationID, AgentID: agentID, AgentName: agentName},
	}, "")

	return conv, nil
}

// Leave announces that an agent's socket left the room without resolving.
// The claim itself survives; the agent can rejoin later.
func (s *Service) Leave(conversationID, agentID, agentName string) {
	s.queue.Broadcaster().Publish(conversationID, queue.Event{
		Name: EventAgentLeft,
		Data: AgentEvent{ConversationID: conversationID, AgentID: agentID, AgentName: agentName},
	}, "")
}

// Resolve closes a conversation from any open state, records the closing
// SYSTEM line, and announces the end to the room.
func (s *Service) Resolve(ctx context.Context, conversationID string) error {
	if err := s.store.ResolveConversation(ctx, conversationID); err != nil {
		return err
	}

	if _, err := s.AppendMessage(ctx, conversationID, store.RoleSystem,
		"Conversation resolved", ""); err != nil {
		s.logger.Error("failed to record resolve line",
			"conversation_id", conversationID, "error", err)
	}

	s.queue.Broadcaster().Publish(conversationID, queue.Event{
		Name: EventEnded,
		Data: EndedEvent{ConversationID: conversationID},
	}, "")

	// Resolving a queued conversation changes everyone else's position.
	s.queue.NotifyChanged(ctx)

	s.logger.Info("conversation resolved", "conversation_id", conversationID)
	return nil
}

// Get returns conversation metadata.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// History returns up to limit messages for a conversation in order.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}
