// Package registry maintains the authoritative live view of all connected
// agents and the message channel to each.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/agent"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

var (
	// ErrAgentNotFound is returned for operations on unknown agent ids.
	ErrAgentNotFound = errors.New("registry: agent not found")
	// ErrNotSent is returned when a message could not be delivered; the
	// agent has been unregistered as a side effect.
	ErrNotSent = errors.New("registry: message not sent")
)

// DefaultOfflineThreshold is how stale a heartbeat may be before the health
// check marks an agent OFFLINE.
const DefaultOfflineThreshold = 60 * time.Second

// Sender is the registry's view of an agent session. Delivery is
// at-most-once; the registry never retries.
type Sender interface {
	Send(msg *agent.Message) error
	Close()
}

// Registry tracks agents and their sessions. Every structural change is
// serialized by one mutex; session sends happen outside it.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*v1.Agent
	sessions map[string]Sender

	offlineThreshold time.Duration
	eventBus         bus.EventBus
	logger           *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New(offlineThreshold time.Duration, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if offlineThreshold <= 0 {
		offlineThreshold = DefaultOfflineThreshold
	}
	return &Registry{
		agents:           make(map[string]*v1.Agent),
		sessions:         make(map[string]Sender),
		offlineThreshold: offlineThreshold,
		eventBus:         eventBus,
		stopCh:           make(chan struct{}),
		logger:           log.WithFields(zap.String("component", "agent_registry")),
	}
}

// Register inserts a new agent or refreshes an existing one, replacing its
// session. The previous session, if any, is closed.
func (r *Registry) Register(reg *agent.RegisterPayload, sess Sender) (*v1.Agent, error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("registry: register without agent id")
	}

	now := time.Now()

	r.mu.Lock()
	old := r.sessions[reg.ID]

	a, exists := r.agents[reg.ID]
	if !exists {
		a = &v1.Agent{ID: reg.ID, RegisteredAt: now}
		r.agents[reg.ID] = a
	}
	a.Hostname = reg.Hostname
	a.DisplayName = reg.DisplayName
	a.Roles = reg.Roles
	a.Tags = reg.Tags
	a.Capabilities = reg.Capabilities
	a.Status = v1.AgentStatusOnline
	a.LastSeen = now

	r.sessions[reg.ID] = sess
	snapshot := *a
	r.mu.Unlock()

	if old != nil && old != sess {
		old.Close()
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", reg.ID),
		zap.String("hostname", reg.Hostname),
		zap.Strings("roles", reg.Roles))
	r.publish(events.AgentConnected, map[string]interface{}{
		"agent_id": reg.ID,
		"hostname": reg.Hostname,
	})
	return &snapshot, nil
}

// Unregister closes the agent's session slot and marks it OFFLINE.
// Idempotent; unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)

	a, ok := r.agents[id]
	wasOnline := ok && a.Status != v1.AgentStatusOffline
	if ok {
		a.Status = v1.AgentStatusOffline
		a.CurrentTaskID = ""
	}
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if wasOnline {
		r.logger.Info("agent unregistered", zap.String("agent_id", id))
		r.publish(events.AgentDisconnected, map[string]interface{}{"agent_id": id})
	}
}

// Heartbeat updates telemetry and liveness. Unknown agents produce a
// warning but no mutation.
func (r *Registry) Heartbeat(hb *agent.HeartbeatPayload) {
	r.mu.Lock()
	a, ok := r.agents[hb.AgentID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("heartbeat from unknown agent", zap.String("agent_id", hb.AgentID))
		return
	}

	telemetry := hb.Telemetry
	a.Telemetry = &telemetry
	a.CurrentTaskID = hb.CurrentTaskID
	if len(hb.Workspaces) > 0 {
		a.Workspaces = hb.Workspaces
	}
	a.LastSeen = time.Now()

	prev := a.Status
	if hb.CurrentTaskID != "" {
		a.Status = v1.AgentStatusBusy
	} else if a.Status != v1.AgentStatusError {
		a.Status = v1.AgentStatusOnline
	}
	changed := prev != a.Status
	status := a.Status
	r.mu.Unlock()

	if changed {
		r.publish(events.AgentStatusChange, map[string]interface{}{
			"agent_id": hb.AgentID,
			"status":   string(status),
		})
	}
}

// MarkError flags an agent as unhealthy without disconnecting it.
func (r *Registry) MarkError(id string, reason string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	a.Status = v1.AgentStatusError
	r.mu.Unlock()

	r.logger.Warn("agent marked unhealthy",
		zap.String("agent_id", id), zap.String("reason", reason))
	r.publish(events.AgentStatusChange, map[string]interface{}{
		"agent_id": id,
		"status":   string(v1.AgentStatusError),
		"reason":   reason,
	})
	return nil
}

// SetCurrentTask records the task an agent is executing ("" clears it).
func (r *Registry) SetCurrentTask(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.CurrentTaskID = taskID
	if taskID != "" {
		a.Status = v1.AgentStatusBusy
	} else if a.Status == v1.AgentStatusBusy {
		a.Status = v1.AgentStatusOnline
	}
	return nil
}

// Send delivers a message to the agent's session. On failure the agent is
// unregistered and ErrNotSent returned. At-most-once; no retry.
func (r *Registry) Send(id string, msg *agent.Message) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return ErrAgentNotFound
	}
	if err := sess.Send(msg); err != nil {
		r.logger.Warn("send to agent failed",
			zap.String("agent_id", id), zap.Error(err))
		r.Unregister(id)
		return fmt.Errorf("%w: %v", ErrNotSent, err)
	}
	return nil
}

// Broadcast fans a message out to every connected agent, optionally
// filtered by role. Best effort; returns the delivered count.
func (r *Registry) Broadcast(msg *agent.Message, roleFilter string) int {
	r.mu.Lock()
	targets := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		if roleFilter != "" {
			if a, ok := r.agents[id]; !ok || !a.HasRole(roleFilter) {
				continue
			}
		}
		targets = append(targets, id)
	}
	r.mu.Unlock()

	sent := 0
	for _, id := range targets {
		if err := r.Send(id, msg); err == nil {
			sent++
		}
	}
	return sent
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (*v1.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	snapshot := *a
	return &snapshot, nil
}

// List returns copies of all known agents.
func (r *Registry) List() []*v1.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*v1.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		snapshot := *a
		out = append(out, &snapshot)
	}
	return out
}

// CheckHealth transitions every ONLINE or BUSY agent whose last heartbeat
// is older than the offline threshold to OFFLINE and drops its session.
// Returns the ids that went offline.
func (r *Registry) CheckHealth() []string {
	cutoff := time.Now().Add(-r.offlineThreshold)

	r.mu.Lock()
	var stale []string
	for id, a := range r.agents {
		if a.Status == v1.AgentStatusOffline {
			continue
		}
		if a.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Warn("agent missed heartbeats, marking offline", zap.String("agent_id", id))
		r.Unregister(id)
	}
	return stale
}

// StartHealthLoop runs CheckHealth on the given interval until the context
// is cancelled or Stop is called.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.CheckHealth()
			}
		}
	}()
	r.logger.Info("health check loop started", zap.Duration("interval", interval))
}

// Stop terminates the health loop and closes every session.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]Sender, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]Sender)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) publish(eventType string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "agent_registry", data)
	if err := r.eventBus.Publish(context.Background(), eventType, event); err != nil {
		r.logger.Warn("publish event failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
