// Package a2a implements the agent-to-agent wire contract: protocol
// messages, the endpoint liveness probe, and the task delegation client.
package a2a

import (
	"encoding/json"
	"time"
)

// MessageType classifies an A2A protocol message.
type MessageType string

const (
	MessageTaskDelegation MessageType = "task_delegation"
	MessageTaskUpdate     MessageType = "task_update"
	MessageTaskResult     MessageType = "task_result"
	MessageAgentDiscovery MessageType = "agent_discovery"
	MessageHeartbeat      MessageType = "heartbeat"
)

// Message is a single A2A protocol message. Messages are append-only
// facts and are never mutated after creation.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	From      string          `json:"from_agent"`
	To        string          `json:"to_agent"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}
