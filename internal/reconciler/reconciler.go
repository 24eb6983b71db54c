package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/config"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// errorWindow is the lookback for per-agent failure rates.
const errorWindow = time.Hour

const auditAgentUnhealthy = "AGENT_MARKED_UNHEALTHY"

// MetricsSource supplies the actual-state side of a reconcile cycle.
type MetricsSource interface {
	QueueDepth(pool string) int
	P95Latency(pool string) time.Duration
}

// InfraProvider applies a desired worker count to the backing
// infrastructure. Backends are selected at startup.
type InfraProvider interface {
	SetWorkerCount(ctx context.Context, pool string, workers int) error
}

// AgentHealth marks agents unhealthy. The agent registry satisfies it.
type AgentHealth interface {
	MarkError(id, reason string) error
}

// AuditRecorder appends reconciler decisions to the audit ledger.
type AuditRecorder interface {
	Record(ev *v1.LedgerEvent) (*v1.LedgerEvent, error)
}

// Reconciler runs the periodic scale and health cycle.
type Reconciler struct {
	cfg      config.ReconcilerConfig
	store    *Store
	metrics  MetricsSource
	infra    InfraProvider
	health   AgentHealth
	audit    AuditRecorder
	eventBus bus.EventBus
	logger   *logger.Logger

	mu     sync.Mutex
	marked map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the reconciler. health, audit, and eventBus may be nil in tests.
func New(cfg config.ReconcilerConfig, store *Store, metrics MetricsSource, infra InfraProvider, health AgentHealth, audit AuditRecorder, eventBus bus.EventBus, log *logger.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		metrics:  metrics,
		infra:    infra,
		health:   health,
		audit:    audit,
		eventBus: eventBus,
		marked:   make(map[string]bool),
		stopCh:   make(chan struct{}),
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// RunCycle executes one reconcile pass: scale every pool, then sweep agent
// error rates. Errors are logged per pool so one bad pool cannot starve the
// rest.
func (r *Reconciler) RunCycle(ctx context.Context) {
	pools, err := r.store.Pools()
	if err != nil {
		r.logger.Error("list pools failed", zap.Error(err))
	}
	for _, p := range pools {
		if err := r.reconcilePool(ctx, p); err != nil {
			r.logger.Error("reconcile pool failed",
				zap.String("pool", p.Name), zap.Error(err))
		}
	}

	r.sweepAgentHealth()
}

// reconcilePool compares desired and actual state for one pool and applies
// the new worker count through the infra provider before persisting it.
func (r *Reconciler) reconcilePool(ctx context.Context, p WorkerPool) error {
	depth := r.metrics.QueueDepth(p.Name)
	p95 := r.metrics.P95Latency(p.Name)

	step := r.cfg.ScaleStep
	if step <= 0 {
		step = 1
	}

	latencyHigh := p.TargetLatencyMS > 0 &&
		p95 > time.Duration(p.TargetLatencyMS)*time.Millisecond*3/2

	target := p.CurrentWorkers
	switch {
	case depth > r.cfg.QueueHighThreshold || latencyHigh:
		target = min(p.CurrentWorkers+step, p.MaxWorkers)
	case depth < r.cfg.QueueLowThreshold && p.CurrentWorkers > p.MinWorkers:
		target = max(p.CurrentWorkers-step, p.MinWorkers)
	}

	if target == p.CurrentWorkers {
		return nil
	}

	if err := r.infra.SetWorkerCount(ctx, p.Name, target); err != nil {
		return fmt.Errorf("apply worker count: %w", err)
	}
	if err := r.store.SetCurrentWorkers(p.Name, target); err != nil {
		return err
	}

	r.logger.Info("pool scaled",
		zap.String("pool", p.Name),
		zap.Int("from", p.CurrentWorkers),
		zap.Int("to", target),
		zap.Int("queue_depth", depth),
		zap.Duration("p95_latency", p95))

	if r.eventBus != nil {
		event := bus.NewEvent(events.PoolScaled, "reconciler", map[string]interface{}{
			"pool":        p.Name,
			"from":        p.CurrentWorkers,
			"to":          target,
			"queue_depth": depth,
		})
		if err := r.eventBus.Publish(ctx, events.PoolScaled, event); err != nil {
			r.logger.Warn("publish pool.scaled failed", zap.Error(err))
		}
	}
	return nil
}

// sweepAgentHealth marks agents whose error rate over the last hour crossed
// the threshold. Each agent is marked once until it recovers.
func (r *Reconciler) sweepAgentHealth() {
	stats, err := r.store.AgentStatsSince(time.Now().Add(-errorWindow))
	if err != nil {
		r.logger.Error("agent stats failed", zap.Error(err))
		return
	}

	for _, st := range stats {
		unhealthy := st.Jobs >= r.cfg.MinJobsForRate && st.ErrorRate() > r.cfg.ErrorRateThreshold

		r.mu.Lock()
		already := r.marked[st.AgentID]
		r.marked[st.AgentID] = unhealthy
		r.mu.Unlock()

		if !unhealthy || already {
			continue
		}

		reason := fmt.Sprintf("error rate %.2f over %d jobs in the last hour",
			st.ErrorRate(), st.Jobs)
		if r.health != nil {
			if err := r.health.MarkError(st.AgentID, reason); err != nil {
				r.logger.Warn("mark agent failed",
					zap.String("agent_id", st.AgentID), zap.Error(err))
			}
		}
		r.recordUnhealthy(st, reason)
		r.logger.Warn("agent marked unhealthy",
			zap.String("agent_id", st.AgentID),
			zap.Float64("error_rate", st.ErrorRate()),
			zap.Int("jobs", st.Jobs))
	}
}

func (r *Reconciler) recordUnhealthy(st AgentStats, reason string) {
	if r.audit == nil {
		return
	}
	_, err := r.audit.Record(&v1.LedgerEvent{
		CorrelationID: uuid.New().String(),
		Layer:         v1.LayerInfra,
		Service:       "operator",
		Actor:         v1.LedgerActor{Role: "reconciler"},
		Action:        auditAgentUnhealthy,
		ResourceType:  "agent",
		ResourceID:    st.AgentID,
		Decision:      v1.DecisionWarn,
		LedgerLevel:   v1.LedgerLevelDecision,
		Metadata: map[string]interface{}{
			"error_rate": st.ErrorRate(),
			"jobs":       st.Jobs,
			"failures":   st.Failures,
			"reason":     reason,
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("ledger record failed", zap.Error(err))
	}
}

// Start runs the reconcile loop until the context is cancelled or Stop is
// called. The current cycle always finishes before the loop exits.
func (r *Reconciler) Start(ctx context.Context) {
	interval := r.cfg.IntervalDuration()
	if interval <= 0 {
		interval = 10 * time.Second
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
				r.RunCycle(ctx)
			}
		}
	}()
	r.logger.Info("reconciler started", zap.Duration("interval", interval))
}

// Stop terminates the loop after the in-flight cycle.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}
