// ABOUTME: Room event names and payloads published on conversation topics
// ABOUTME: Transports map these canonical events onto their own wire names

package conversation

import (
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

// Canonical room event names. The agent and customer sockets translate these
// to their respective wire events.
const (
	EventMessage     = "conversation:message"
	EventTyping      = "conversation:typing"
	EventAgentJoined = "conversation:agent-joined"
	EventAgentLeft   = "conversation:agent-left"
	EventEnded       = "conversation:ended"
)

// MessageEvent carries a persisted message to room subscribers.
type MessageEvent struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Role           store.Role `json:"role"`
	Content        string     `json:"content"`
	AuthorName     string     `json:"authorName,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Seq            int64      `json:"seq"`
}

// TypingEvent is a transient typing indicator. Never persisted; clients
// expire it on their own after a couple of seconds.
type TypingEvent struct {
	ConversationID string     `json:"conversationId"`
	Role           store.Role `json:"role"`
	AuthorName     string     `json:"authorName,omitempty"`
	At             time.Time  `json:"at"`
}

// AgentEvent announces an agent joining or leaving a conversation.
type AgentEvent struct {
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName,omitempty"`
}

// EndedEvent announces resolution of a conversation.
type EndedEvent struct {
	ConversationID string `json:"conversationId"`
}
