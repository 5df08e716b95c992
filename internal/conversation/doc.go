// Package conversation provides high-level conversation lifecycle services.
//
// # Overview
//
// The conversation package sits between the transport layer (HTTP handlers,
// websockets, channel adapters) and the store, providing conversation-level
// abstractions: handoff intake, the status state machine, message append with
// room fan-out, claim acceptance, and resolution.
//
// # Lifecycle
//
// A conversation moves through:
//
//	AI_ACTIVE -> HANDOFF_REQUESTED -> WAITING_FOR_AGENT -> AGENT_CONNECTED -> RESOLVED
//
// HANDOFF_REQUESTED may be skipped, and RESOLVED is reachable from any open
// state. Every transition is a conditional update in the store, so concurrent
// callers cannot corrupt the lifecycle.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(store, queue, logger)
//
// Key operations:
//
//   - RequestHandoff(ctx, req): Queue a conversation for a human agent,
//     replaying prior chat history transactionally
//   - Accept(ctx, convID, agentID, name): Claim a waiting conversation;
//     exactly one concurrent caller wins
//   - AppendMessage(ctx, convID, role, content, name): Persist then broadcast
//   - Resolve(ctx, convID): Close the conversation from any open state
//
// # Record first, then broadcast
//
// Messages are persisted before room subscribers hear about them. The store
// is the source of truth; the broadcaster is only a delivery optimization,
// and the polling gateway serves clients that missed live events.
//
// # Room events
//
// Each active conversation is a broadcaster topic ("room"). The service
// publishes canonical events (conversation:message, conversation:typing,
// conversation:agent-joined, conversation:agent-left, conversation:ended)
// which the agent and customer transports translate to their wire formats.
package conversation
