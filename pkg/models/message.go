package models

import "time"

// MessageType classifies an agent message envelope.
type MessageType string

const (
	// MessageTypeRequest asks a worker to execute a task.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse carries a worker's task result.
	MessageTypeResponse MessageType = "response"
	// MessageTypeUpdate carries progress or status information.
	MessageTypeUpdate MessageType = "update"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeUpdate:
		return true
	default:
		return false
	}
}

// MessageMetadata carries delivery metadata for an agent message.
type MessageMetadata struct {
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// Priority is the delivery priority; lower is more urgent.
	Priority int `json:"priority"`
	// Dependencies lists message IDs this message depends on.
	Dependencies []string `json:"dependencies,omitempty"`
}

// AgentMessage is the envelope exchanged between the orchestrator and
// agent workers. Messages are immutable once sent; delivery is
// at-least-once per task dispatch, so receivers must deduplicate by
// (task id, retry count).
type AgentMessage struct {
	// MessageID uniquely identifies this message.
	MessageID string `json:"message_id"`
	// Sender identifies the originating component or agent.
	Sender string `json:"sender"`
	// Receiver identifies the destination component or agent role.
	Receiver string `json:"receiver"`
	// Type classifies the message.
	Type MessageType `json:"type"`
	// Content is the message payload.
	Content map[string]any `json:"content,omitempty"`
	// ContextRef names the project whose context this message refers to.
	ContextRef string `json:"context_ref,omitempty"`
	// Metadata carries delivery metadata.
	Metadata MessageMetadata `json:"metadata"`
}
