package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/safety"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/agent"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task: not found")
	// ErrInvalidTransition is returned when an operation is not legal in
	// the task's current state.
	ErrInvalidTransition = errors.New("task: invalid state transition")
	// ErrQueueFull is returned when the ready queue is at capacity.
	ErrQueueFull = errors.New("task: queue full")
)

// Ledger actions recorded by the scheduler.
const (
	auditTaskCreated      = "TASK_CREATED"
	auditTaskPlanned      = "TASK_PLANNED"
	auditCommandBlocked   = "COMMAND_BLOCKED"
	auditTaskApproved     = "TASK_APPROVED"
	auditTaskDispatched   = "TASK_DISPATCHED"
	auditCommandStarted   = "COMMAND_STARTED"
	auditCommandCompleted = "COMMAND_COMPLETED"
	auditTaskCompleted    = "TASK_COMPLETED"
	auditTaskFailed       = "TASK_FAILED"
	auditTaskCancelled    = "TASK_CANCELLED"
)

// AgentGateway is the scheduler's view of the agent registry.
type AgentGateway interface {
	List() []*v1.Agent
	Get(id string) (*v1.Agent, error)
	Send(id string, msg *agent.Message) error
	SetCurrentTask(id, taskID string) error
}

// AuditRecorder appends scheduler decisions to the audit ledger.
type AuditRecorder interface {
	Record(ev *v1.LedgerEvent) (*v1.LedgerEvent, error)
}

// Listener observes every task state transition. Transitions for one task
// are totally ordered; listeners run under the scheduler mutex and must not
// call back into it.
type Listener func(task *v1.Task, from, to v1.TaskStatus)

// Scheduler owns the task map, the ready queue, and the dispatcher.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*v1.Task
	queue     *Queue
	listeners []Listener

	validator *safety.Validator
	planner   Planner
	agents    AgentGateway
	eventBus  bus.EventBus
	audit     AuditRecorder
	logger    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler wires the scheduler. audit may be nil in tests.
func NewScheduler(planner Planner, agents AgentGateway, eventBus bus.EventBus, audit AuditRecorder, queueMax int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tasks:     make(map[string]*v1.Task),
		queue:     NewQueue(queueMax),
		validator: safety.NewValidator(),
		planner:   planner,
		agents:    agents,
		eventBus:  eventBus,
		audit:     audit,
		stopCh:    make(chan struct{}),
		logger:    log.WithFields(zap.String("component", "scheduler")),
	}
}

// AddListener registers a transition observer.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// CreateTask registers a new PENDING task.
func (s *Scheduler) CreateTask(req *v1.CreateTaskRequest) (*v1.Task, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, fmt.Errorf("task: empty request")
	}

	priority := req.Priority
	if priority < 1 || priority > 10 {
		priority = 5
	}

	t := &v1.Task{
		ID:            uuid.New().String(),
		Status:        v1.TaskStatusPending,
		Request:       req.Request,
		CorrelationID: uuid.New().String(),
		TargetAgentID: req.TargetAgentID,
		TargetRole:    req.TargetRole,
		Priority:      priority,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	snapshot := *t
	s.mu.Unlock()

	s.logger.WithTaskID(t.ID).Info("task created",
		zap.String("request", t.Request), zap.Int("priority", t.Priority))
	s.publish(events.TaskCreated, &snapshot)
	s.record(&snapshot, auditTaskCreated, v1.DecisionAllow, "")
	return &snapshot, nil
}

// PlanTask runs the planner and feeds the result into SetPlan. A planner
// error fails the task.
func (s *Scheduler) PlanTask(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != v1.TaskStatusPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: plan from %s", ErrInvalidTransition, t.Status)
	}
	s.transitionLocked(t, v1.TaskStatusPlanning)
	snapshot := *t
	s.mu.Unlock()

	plan, err := s.planner.Plan(ctx, &snapshot)
	if err != nil {
		s.failTask(id, fmt.Sprintf("Planning failed: %v", err))
		return err
	}
	return s.SetPlan(id, plan)
}

// SetPlan attaches a plan and runs safety validation. A blocked command
// fails the task; a plan needing approval parks it at AWAITING_APPROVAL;
// anything else goes straight to the ready queue.
func (s *Scheduler) SetPlan(id string, plan *v1.Plan) error {
	summary := s.validator.ValidateCommands(plan.Commands)

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != v1.TaskStatusPending && t.Status != v1.TaskStatusPlanning {
		s.mu.Unlock()
		return fmt.Errorf("%w: set plan from %s", ErrInvalidTransition, t.Status)
	}

	now := time.Now()
	t.Plan = plan
	t.PlannedAt = &now

	if !summary.AllValid {
		reasons := make([]string, 0, 1)
		for _, r := range summary.BlockedResults() {
			reasons = append(reasons, fmt.Sprintf("%q matched %s", r.Command, r.MatchedPattern))
		}
		t.Error = "Blocked commands: " + strings.Join(reasons, "; ")
		s.transitionLocked(t, v1.TaskStatusFailed)
		t.CompletedAt = &now
		snapshot := *t
		s.mu.Unlock()

		s.publish(events.TaskFailed, &snapshot)
		s.record(&snapshot, auditCommandBlocked, v1.DecisionDeny, snapshot.Error)
		return nil
	}

	if summary.RequiresApproval || plan.RequiresApproval {
		t.RequiresApproval = true
		s.transitionLocked(t, v1.TaskStatusAwaitingApproval)
		snapshot := *t
		s.mu.Unlock()

		s.publish(events.TaskPlanned, &snapshot)
		s.record(&snapshot, auditTaskPlanned, v1.DecisionWarn, "approval required")
		return nil
	}

	if err := s.enqueueLocked(t); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := *t
	s.mu.Unlock()

	s.publish(events.TaskPlanned, &snapshot)
	s.record(&snapshot, auditTaskPlanned, v1.DecisionAllow, "")
	return nil
}

// enqueueLocked moves a task to QUEUED and inserts it into the ready queue.
func (s *Scheduler) enqueueLocked(t *v1.Task) error {
	if !s.queue.Push(t) {
		return ErrQueueFull
	}
	now := time.Now()
	t.QueuedAt = &now
	s.transitionLocked(t, v1.TaskStatusQueued)
	return nil
}

// ApproveTask resolves an approval gate. Only legal from AWAITING_APPROVAL.
func (s *Scheduler) ApproveTask(id string, approved bool, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != v1.TaskStatusAwaitingApproval {
		s.mu.Unlock()
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, t.Status)
	}

	if !approved {
		now := time.Now()
		t.Error = reason
		t.CompletedAt = &now
		s.transitionLocked(t, v1.TaskStatusCancelled)
		snapshot := *t
		s.mu.Unlock()

		s.publish(events.TaskCancelled, &snapshot)
		s.record(&snapshot, auditTaskCancelled, v1.DecisionDeny, reason)
		return nil
	}

	if err := s.enqueueLocked(t); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := *t
	s.mu.Unlock()

	s.publish(events.TaskStateChanged, &snapshot)
	s.record(&snapshot, auditTaskApproved, v1.DecisionAllow, reason)
	return nil
}

// DispatchNext scans the ready queue in priority order and dispatches the
// first task with an available agent. Returns the dispatched task, or nil
// when nothing could be matched. Tasks with no agent stay queued, except
// that an empty registry fails them outright.
func (s *Scheduler) DispatchNext() *v1.Task {
	allAgents := s.agents.List()

	s.mu.Lock()
	if len(allAgents) == 0 {
		var failed []v1.Task
		for _, t := range s.queue.Snapshot() {
			s.queue.Remove(t.ID)
			now := time.Now()
			t.Error = "No agents registered"
			t.CompletedAt = &now
			s.transitionLocked(t, v1.TaskStatusFailed)
			failed = append(failed, *t)
		}
		s.mu.Unlock()

		for i := range failed {
			s.publish(events.TaskFailed, &failed[i])
			s.record(&failed[i], auditTaskFailed, v1.DecisionDeny, failed[i].Error)
		}
		return nil
	}

	var picked *v1.Task
	var agentID string
	for _, t := range s.queue.Snapshot() {
		if id, ok := s.matchAgent(t, allAgents); ok {
			picked = t
			agentID = id
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return nil
	}

	s.queue.Remove(picked.ID)
	now := time.Now()
	picked.AssignedAgentID = agentID
	picked.StartedAt = &now
	s.transitionLocked(picked, v1.TaskStatusRunning)
	snapshot := *picked
	s.mu.Unlock()

	// Bind the agent slot and send outside the scheduler mutex.
	if err := s.agents.SetCurrentTask(agentID, picked.ID); err != nil {
		s.failTask(picked.ID, fmt.Sprintf("Agent %s unreachable", agentID))
		return nil
	}

	msg, err := agent.NewMessage(agent.TypeExecuteTask, agent.ExecuteTaskPayload{
		TaskID: picked.ID,
		Plan:   *picked.Plan,
	})
	if err == nil {
		err = s.agents.Send(agentID, msg)
	}
	if err != nil {
		s.agents.SetCurrentTask(agentID, "")
		s.failTask(picked.ID, fmt.Sprintf("Agent %s unreachable", agentID))
		return nil
	}

	s.logger.WithTaskID(picked.ID).Info("task dispatched", zap.String("agent_id", agentID))
	s.publish(events.TaskDispatched, &snapshot)
	s.record(&snapshot, auditTaskDispatched, v1.DecisionAllow, "")
	return &snapshot
}

// matchAgent picks an agent for the task: an explicitly named agent must
// itself be available; otherwise the first available agent passing the role
// filter wins. At most one task per agent.
func (s *Scheduler) matchAgent(t *v1.Task, agents []*v1.Agent) (string, bool) {
	target := t.TargetAgentID
	if target == "" && t.Plan != nil {
		target = t.Plan.TargetAgent
	}
	if target != "" {
		for _, a := range agents {
			if a.ID == target && a.Available() {
				return a.ID, true
			}
		}
		return "", false
	}

	for _, a := range agents {
		if !a.Available() {
			continue
		}
		if t.TargetRole != "" && !a.HasRole(t.TargetRole) {
			continue
		}
		return a.ID, true
	}
	return "", false
}

// DispatchAll drains the queue as far as available agents allow.
func (s *Scheduler) DispatchAll() int {
	n := 0
	for s.DispatchNext() != nil {
		n++
	}
	return n
}

// CompleteTask finishes a RUNNING task and frees its agent slot.
func (s *Scheduler) CompleteTask(id string, success bool, exitCode int, output, errText string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != v1.TaskStatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, t.Status)
	}

	now := time.Now()
	t.ExitCode = &exitCode
	t.Output = output
	t.Error = errText
	t.CompletedAt = &now
	agentID := t.AssignedAgentID

	if success {
		s.transitionLocked(t, v1.TaskStatusCompleted)
	} else {
		s.transitionLocked(t, v1.TaskStatusFailed)
	}
	snapshot := *t
	s.mu.Unlock()

	if agentID != "" {
		s.agents.SetCurrentTask(agentID, "")
	}

	if success {
		s.publish(events.TaskCompleted, &snapshot)
		s.record(&snapshot, auditTaskCompleted, v1.DecisionAllow, "")
	} else {
		s.publish(events.TaskFailed, &snapshot)
		s.record(&snapshot, auditTaskFailed, v1.DecisionWarn, errText)
	}
	return nil
}

// CancelTask aborts a task from any non-terminal state. A queued task
// leaves the queue; a running task frees its agent and receives a best
// effort cancel message.
func (s *Scheduler) CancelTask(id, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, t.Status)
	}

	wasRunning := t.Status == v1.TaskStatusRunning
	agentID := t.AssignedAgentID
	s.queue.Remove(t.ID)

	now := time.Now()
	t.Error = reason
	t.CompletedAt = &now
	s.transitionLocked(t, v1.TaskStatusCancelled)
	snapshot := *t
	s.mu.Unlock()

	if wasRunning && agentID != "" {
		s.agents.SetCurrentTask(agentID, "")
		if msg, err := agent.NewMessage(agent.TypeCancelTask, agent.CancelTaskPayload{
			TaskID: id,
			Reason: reason,
		}); err == nil {
			s.agents.Send(agentID, msg)
		}
	}

	s.publish(events.TaskCancelled, &snapshot)
	s.record(&snapshot, auditTaskCancelled, v1.DecisionAllow, reason)
	return nil
}

// RetryTask creates a fresh task with the same request. Only terminal
// tasks can be retried; nothing inside the scheduler retries on its own.
func (s *Scheduler) RetryTask(id string) (*v1.Task, error) {
	s.mu.Lock()
	orig, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if !orig.Status.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, orig.Status)
	}
	req := &v1.CreateTaskRequest{
		Request:       orig.Request,
		TargetAgentID: orig.TargetAgentID,
		TargetRole:    orig.TargetRole,
		Priority:      orig.Priority,
	}
	s.mu.Unlock()

	return s.CreateTask(req)
}

// failTask moves a task to FAILED with the given reason, from any
// non-terminal state.
func (s *Scheduler) failTask(id, reason string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.queue.Remove(t.ID)

	now := time.Now()
	t.Error = reason
	t.CompletedAt = &now
	agentID := t.AssignedAgentID
	s.transitionLocked(t, v1.TaskStatusFailed)
	snapshot := *t
	s.mu.Unlock()

	if agentID != "" {
		s.agents.SetCurrentTask(agentID, "")
	}
	s.publish(events.TaskFailed, &snapshot)
	s.record(&snapshot, auditTaskFailed, v1.DecisionDeny, reason)
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// List returns copies of tasks, optionally filtered by status, newest
// first.
func (s *Scheduler) List(status v1.TaskStatus) []*v1.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*v1.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		snapshot := *t
		out = append(out, &snapshot)
	}
	sortTasksByCreated(out)
	return out
}

// QueueDepth returns the number of tasks waiting for dispatch.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// transitionLocked flips the status and notifies listeners. Callers hold
// the scheduler mutex, so transitions per task are totally ordered.
func (s *Scheduler) transitionLocked(t *v1.Task, to v1.TaskStatus) {
	from := t.Status
	t.Status = to
	for _, l := range s.listeners {
		l(t, from, to)
	}
}

// StartDispatcher runs DispatchAll on the given interval until the context
// is cancelled or Stop is called.
func (s *Scheduler) StartDispatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.DispatchAll()
			}
		}
	}()
	s.logger.Info("dispatcher started", zap.Duration("interval", interval))
}

// Stop terminates the dispatcher loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// OnTaskOutput implements the agent frame sink: forwards streamed command
// output to observers.
func (s *Scheduler) OnTaskOutput(agentID string, p *agent.TaskOutputPayload) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.AgentOutput, "scheduler", map[string]interface{}{
		"task_id":       p.TaskID,
		"agent_id":      agentID,
		"stream":        p.Stream,
		"content":       p.Content,
		"command_index": p.CommandIndex,
	})
	s.eventBus.Publish(context.Background(), events.AgentOutput, event)
}

// OnCommandResult appends the per-command start and completion to the
// task's ledger chain.
func (s *Scheduler) OnCommandResult(agentID string, p *agent.CommandResultPayload) {
	s.logger.WithTaskID(p.TaskID).Debug("command result",
		zap.String("agent_id", agentID),
		zap.Int("command_index", p.CommandIndex),
		zap.Int("exit_code", p.ExitCode))

	t, err := s.Get(p.TaskID)
	if err != nil {
		s.logger.WithTaskID(p.TaskID).Warn("command result for unknown task",
			zap.String("agent_id", agentID))
		return
	}

	s.recordCommand(t, auditCommandStarted, v1.DecisionAllow, p, p.StartedAt)
	decision := v1.DecisionAllow
	if p.ExitCode != 0 {
		decision = v1.DecisionWarn
	}
	s.recordCommand(t, auditCommandCompleted, decision, p, p.CompletedAt)
}

// OnTaskComplete finishes the task when its agent reports the outcome.
func (s *Scheduler) OnTaskComplete(agentID string, p *agent.TaskCompletePayload) {
	if err := s.CompleteTask(p.TaskID, p.Success, p.ExitCode, p.Output, p.Error); err != nil {
		s.logger.WithTaskID(p.TaskID).Warn("task completion rejected",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// HandleAgentDisconnect fails every RUNNING task assigned to the agent.
// Wired to agent.disconnected events.
func (s *Scheduler) HandleAgentDisconnect(agentID string) {
	s.mu.Lock()
	var affected []string
	for _, t := range s.tasks {
		if t.Status == v1.TaskStatusRunning && t.AssignedAgentID == agentID {
			affected = append(affected, t.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range affected {
		s.failTask(id, fmt.Sprintf("Agent %s unreachable", agentID))
	}
}

func (s *Scheduler) publish(eventType string, t *v1.Task) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "scheduler", map[string]interface{}{
		"task_id":           t.ID,
		"status":            string(t.Status),
		"assigned_agent_id": t.AssignedAgentID,
		"priority":          t.Priority,
	})
	if err := s.eventBus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("publish event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Scheduler) record(t *v1.Task, action string, decision v1.PolicyDecision, reason string) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.Record(&v1.LedgerEvent{
		CorrelationID: t.CorrelationID,
		Layer:         v1.LayerGovernance,
		Service:       "operator",
		Actor:         v1.LedgerActor{AgentID: t.AssignedAgentID, Role: "scheduler"},
		Action:        action,
		ResourceType:  "task",
		ResourceID:    t.ID,
		Decision:      decision,
		LedgerLevel:   v1.LedgerLevelDecision,
		Metadata:      map[string]interface{}{"status": string(t.Status), "reason": reason},
		OccurredAt:    time.Now(),
	})
	if err != nil {
		s.logger.Warn("ledger record failed", zap.String("action", action), zap.Error(err))
	}
}

// recordCommand writes one command-level ledger event under the task's
// correlation id. A zero occurredAt falls back to the operator clock.
func (s *Scheduler) recordCommand(t *v1.Task, action string, decision v1.PolicyDecision, p *agent.CommandResultPayload, occurredAt time.Time) {
	if s.audit == nil {
		return
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	metadata := map[string]interface{}{
		"task_id":       t.ID,
		"command":       p.Command,
		"command_index": p.CommandIndex,
	}
	if action == auditCommandCompleted {
		metadata["exit_code"] = p.ExitCode
		metadata["duration_ms"] = p.DurationMS
	}
	_, err := s.audit.Record(&v1.LedgerEvent{
		CorrelationID: t.CorrelationID,
		Layer:         v1.LayerGovernance,
		Service:       "operator",
		Actor:         v1.LedgerActor{AgentID: t.AssignedAgentID, Role: "scheduler"},
		Action:        action,
		ResourceType:  "command",
		ResourceID:    fmt.Sprintf("%s/%d", t.ID, p.CommandIndex),
		Decision:      decision,
		LedgerLevel:   v1.LedgerLevelAction,
		Metadata:      metadata,
		OccurredAt:    occurredAt,
	})
	if err != nil {
		s.logger.Warn("ledger record failed", zap.String("action", action), zap.Error(err))
	}
}

func sortTasksByCreated(tasks []*v1.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
