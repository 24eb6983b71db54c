// Package agent defines the wire protocol spoken between the operator and
// remote agents over a persistent WebSocket session. Payloads are JSON.
package agent

import (
	"encoding/json"
	"time"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Frame types sent by agents.
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeTaskOutput    = "task_output"
	TypeCommandResult = "command_result"
	TypeTaskComplete  = "task_complete"
	TypePong          = "pong"
)

// Frame types sent by the operator.
const (
	TypeRegistered  = "registered"
	TypeExecuteTask = "execute_task"
	TypeCancelTask  = "cancel_task"
	TypePing        = "ping"
)

// Message is the envelope for every frame on an agent session.
// The first frame from an agent MUST be a register message.
type Message struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a frame with a marshaled payload.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the frame payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// RegisterPayload is the payload of the mandatory first frame.
type RegisterPayload struct {
	ID           string          `json:"id"`
	Hostname     string          `json:"hostname"`
	DisplayName  string          `json:"display_name,omitempty"`
	Roles        []string        `json:"roles,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Capabilities v1.Capabilities `json:"capabilities"`
	Secret       string          `json:"secret,omitempty"`
}

// HeartbeatPayload is the periodic agent health report.
type HeartbeatPayload struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Telemetry     v1.Telemetry   `json:"telemetry"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	Workspaces    []v1.Workspace `json:"workspaces,omitempty"`
}

// TaskOutputPayload streams one chunk of stdout/stderr from a running command.
type TaskOutputPayload struct {
	TaskID       string `json:"task_id"`
	Stream       string `json:"stream"` // stdout or stderr
	Content      string `json:"content"`
	CommandIndex int    `json:"command_index,omitempty"`
}

// CommandResultPayload reports the outcome of one command in a plan.
type CommandResultPayload struct {
	TaskID       string    `json:"task_id"`
	CommandIndex int       `json:"command_index"`
	Command      string    `json:"command"`
	ExitCode     int       `json:"exit_code"`
	DurationMS   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// TaskCompletePayload reports the final outcome of a task.
type TaskCompletePayload struct {
	TaskID   string `json:"task_id"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ExecuteTaskPayload carries a validated plan to the assigned agent.
type ExecuteTaskPayload struct {
	TaskID string  `json:"task_id"`
	Plan   v1.Plan `json:"plan"`
}

// CancelTaskPayload asks an agent to abandon a running task. Best effort;
// agents SHOULD honor it but the operator does not wait.
type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}
