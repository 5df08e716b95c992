// ABOUTME: Wire event names and payload shapes for the agent and chat sockets
// ABOUTME: Envelope is the framing: {"event": ..., "data": {...}}

package gateway

import (
	"encoding/json"
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

// Envelope frames every socket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Agent -> server events.
const (
	EvtAgentOnline       = "agent:online"
	EvtAgentOffline      = "agent:offline"
	EvtAgentStatusChange = "agent:status-change"
	EvtAgentAccept       = "agent:accept"
	EvtAgentMessage      = "agent:message"
	EvtAgentTyping       = "agent:typing"
	EvtAgentResolve      = "agent:resolve"
	EvtAgentLeave        = "agent:leave-conversation"
	EvtAgentRejoin       = "agent:rejoin-conversation"
)

// Server -> agent events.
const (
	EvtQueueUpdate     = "queue:update"
	EvtConversationNew = "conversation:new"
	EvtConvMessage     = "conversation:message"
	EvtConvTyping      = "conversation:typing"
	EvtConvEnded       = "conversation:ended"
	EvtConvAgentJoined = "conversation:agent-joined"
	EvtConvAgentLeft   = "conversation:agent-left"
)

// Customer -> server events.
const (
	EvtChatJoin         = "chat:join"
	EvtChatMessage      = "chat:message"
	EvtChatTyping       = "chat:typing"
	EvtChatRequestAgent = "chat:request-agent"
	EvtChatLeave        = "chat:leave"
)

// Server -> customer events.
const (
	EvtChatMessageOut   = "chat:message"
	EvtChatAgentJoined  = "chat:agent-joined"
	EvtChatAgentTyping  = "chat:agent-typing"
	EvtChatAgentLeft    = "chat:agent-left"
	EvtChatQueuePos     = "chat:queue-position"
	EvtChatStatusUpdate = "chat:status-update"
	EvtChatError        = "chat:error"
)

// agentStatusData is the payload of agent:online and agent:status-change.
type agentStatusData struct {
	Status string `json:"status,omitempty"`
	Name   string `json:"name,omitempty"`
}

// conversationRefData is the payload of accept/resolve/leave/rejoin/typing/join.
type conversationRefData struct {
	ConversationID string `json:"conversationId"`
}

// messageData is the payload of agent:message and chat:message.
type messageData struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// conversationNewData is sent to an agent entering a conversation room.
type conversationNewData struct {
	Conversation conversationView `json:"conversation"`
	Messages     []messageView    `json:"messages"`
}

// conversationView is the JSON shape of a conversation on the wire.
type conversationView struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	Channel         string     `json:"channel"`
	Status          string     `json:"status"`
	CustomerName    string     `json:"customerName,omitempty"`
	CustomerEmail   string     `json:"customerEmail,omitempty"`
	CustomerPhone   string     `json:"customerPhone,omitempty"`
	ProductInterest string     `json:"productInterest,omitempty"`
	AgentID         string     `json:"agentId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	HandoffAt       *time.Time `json:"handoffAt,omitempty"`
}

// messageView is the JSON shape of a message on the wire.
type messageView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
}

// statusUpdateData is the payload of chat:status-update.
type statusUpdateData struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// errorData is the payload of chat:error.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func viewConversation(c *store.Conversation) conversationView {
	v := conversationView{
		ID:              c.ID,
		SessionID:       c.SessionID,
		Channel:         string(c.Channel),
		Status:          string(c.Status),
		CustomerName:    c.CustomerName,
		CustomerEmail:   c.CustomerEmail,
		CustomerPhone:   c.CustomerPhone,
		ProductInterest: c.ProductInterest,
		CreatedAt:       c.CreatedAt,
		HandoffAt:       c.HandoffAt,
	}
	if c.AgentID != nil {
		v.AgentID = *c.AgentID
	}
	return v
}

func viewMessages(msgs []*store.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Seq:       m.Seq,
		})
	}
	return out
}

// encodeEnvelope marshals an event and payload into wire bytes.
func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
