// ABOUTME: Store interface and data types for relaydesk persistence
// ABOUTME: Defines Conversation, Message, EmbedKey structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned when an agent loses the claim race for a conversation
var ErrAlreadyClaimed = errors.New("conversation already claimed")

// ErrConversationClosed is returned when mutating a RESOLVED conversation
var ErrConversationClosed = errors.New("conversation closed")

// ErrInvalidTransition is returned when a status transition is not a legal edge
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrDuplicateSession is returned when creating a conversation whose session id exists
var ErrDuplicateSession = errors.New("session already exists")

// Channel identifies the ingress/egress medium of a conversation.
type Channel string

const (
	ChannelPortal     Channel = "PORTAL"
	ChannelWhatsApp   Channel = "WHATSAPP"
	ChannelSalesforce Channel = "SALESFORCE"
	ChannelEmail      Channel = "EMAIL"
)

// Status is the conversation lifecycle state.
// Legal edges: AI_ACTIVE -> HANDOFF_REQUESTED -> WAITING_FOR_AGENT -> AGENT_CONNECTED -> RESOLVED,
// with HANDOFF_REQUESTED skippable and RESOLVED reachable from any state.
type Status string

const (
	StatusAIActive         Status = "AI_ACTIVE"
	StatusHandoffRequested Status = "HANDOFF_REQUESTED"
	StatusWaitingForAgent  Status = "WAITING_FOR_AGENT"
	StatusAgentConnected   Status = "AGENT_CONNECTED"
	StatusResolved         Status = "RESOLVED"
)

// CanTransitionTo reports whether s -> to is a legal lifecycle edge. The store
// refuses to record anything else.
func (s Status) CanTransitionTo(to Status) bool {
	if to == StatusResolved {
		return s != StatusResolved
	}
	switch to {
	case StatusHandoffRequested:
		return s == StatusAIActive
	case StatusWaitingForAgent:
		return s == StatusAIActive || s == StatusHandoffRequested
	case StatusAgentConnected:
		return s == StatusWaitingForAgent
	default:
		return false
	}
}

// Role identifies the author kind of a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleAgent     Role = "AGENT"
	RoleSystem    Role = "SYSTEM"
)

// Conversation is a customer conversation moving between assistant and agent control.
// AgentID is set exactly once, by the winning claim. HandoffAt is stamped the first
// time the conversation enters WAITING_FOR_AGENT and never cleared.
type Conversation struct {
	ID              string
	SessionID       string
	Channel         Channel
	Status          Status
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ProductInterest string
	AgentID         *string
	CreatedAt       time.Time
	HandoffAt       *time.Time
}

// Message is a single immutable message within a conversation. Seq is a
// store-assigned monotone sequence used to break created_at ties for the
// polling cursor.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
	Seq            int64
}

// EmbedKey is a widget API key with its domain allow-list.
type EmbedKey struct {
	ID             string
	Secret         string
	AllowedDomains []string
	Enabled        bool
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence.
// All status transitions are conditional updates: the caller names the states
// it expects, and the store applies the change atomically or reports why not.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error)
	GetConversationByPhone(ctx context.Context, channel Channel, phone string) (*Conversation, error)
	ListWaiting(ctx context.Context) ([]*Conversation, error)

	// Transitions (atomic compare-and-set on status)
	TransitionConversation(ctx context.Context, id string, to Status, from ...Status) error
	ClaimConversation(ctx context.Context, id, agentID string) (*Conversation, error)
	ResolveConversation(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	SaveMessages(ctx context.Context, msgs []*Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ListMessagesAfter(ctx context.Context, conversationID string, after time.Time, afterSeq int64, roles []Role) ([]*Message, error)

	// Embed API keys (read-mostly; managed out of band)
	CreateEmbedKey(ctx context.Context, key *EmbedKey) error
	GetEmbedKey(ctx context.Context, id string) (*EmbedKey, error)
	GetEmbedKeyBySecret(ctx context.Context, secret string) (*EmbedKey, error)

	// Close releases any resources held by the store
	Close() error
}
