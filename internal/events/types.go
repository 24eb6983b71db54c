// Package events provides event types and utilities for the operator event system.
package events

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskStateChanged = "task.state_changed"
	TaskPlanned      = "task.planned"
	TaskDispatched   = "task.dispatched"
	TaskCompleted    = "task.completed"
	TaskFailed       = "task.failed"
	TaskCancelled    = "task.cancelled"
)

// Event types for agents
const (
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentStatusChange = "agent.status_changed"
	AgentOutput       = "agent.output"
)

// Event types for worker pools
const (
	PoolScaled = "pool.scaled"
)

// Event types for collaboration sessions
const (
	CollabSessionCreated = "collab.session_created"
	CollabSessionClosed  = "collab.session_closed"
)

// Subject wildcards for subscribers.
const (
	AllTaskEvents  = "task.*"
	AllAgentEvents = "agent.*"
	AllPoolEvents  = "pool.*"
)
