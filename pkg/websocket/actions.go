package websocket

// Action constants for dashboard WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions (client -> server)
	ActionTaskList = "task.list"
	ActionTaskGet  = "task.get"

	// Agent actions (client -> server)
	ActionAgentList = "agent.list"
	ActionAgentGet  = "agent.get"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskStateChanged = "task.state_changed"
	ActionTaskOutput       = "task.output"
	ActionAgentConnected   = "agent.connected"
	ActionAgentUpdated     = "agent.updated"
	ActionPoolScaled       = "pool.scaled"
)

// Error codes for WebSocket error responses
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
