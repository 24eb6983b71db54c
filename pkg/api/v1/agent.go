// Package v1 defines the wire-level API types shared by the operator
// services, the HTTP surface, and connected agents.
package v1

import "time"

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusOffline AgentStatus = "OFFLINE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
)

// Capabilities describes what an agent host can run.
type Capabilities struct {
	Docker   bool              `json:"docker"`
	Runtimes map[string]string `json:"runtimes,omitempty"` // e.g. "python" -> "3.12"
	Resource map[string]string `json:"resource,omitempty"` // free-form resource hints
}

// Workspace is a directory an agent exposes for task execution.
type Workspace struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type,omitempty"` // bare, docker, venv
}

// Telemetry is a point-in-time host metrics snapshot reported by an agent.
type Telemetry struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
}

// Agent is the control plane's view of a remote worker machine.
type Agent struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	DisplayName   string       `json:"display_name,omitempty"`
	Status        AgentStatus  `json:"status"`
	Roles         []string     `json:"roles,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	Workspaces    []Workspace  `json:"workspaces,omitempty"`
	Telemetry     *Telemetry   `json:"telemetry,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastSeen      time.Time    `json:"last_seen"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// HasRole reports whether the agent carries the given role tag.
func (a *Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Available reports whether the agent can accept a new task.
func (a *Agent) Available() bool {
	return a.Status == AgentStatusOnline && a.CurrentTaskID == ""
}
