package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

func newService(t *testing.T, dir string) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := NewService(dir, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(corr, action string) *v1.LedgerEvent {
	return &v1.LedgerEvent{
		CorrelationID: corr,
		Layer:         v1.LayerGovernance,
		Service:       "operator",
		Actor:         v1.LedgerActor{AgentID: "agent-1"},
		Action:        action,
		LedgerLevel:   v1.LedgerLevelDecision,
	}
}

func TestRecordAssignsIdentityAndSequence(t *testing.T) {
	s := newService(t, t.TempDir())

	e1, err := s.Record(event("corr-1", "TASK_CREATED"))
	require.NoError(t, err)
	e2, err := s.Record(event("corr-1", "TASK_DISPATCHED"))
	require.NoError(t, err)
	e3, err := s.Record(event("corr-2", "TASK_CREATED"))
	require.NoError(t, err)

	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.False(t, e1.RecordedAt.IsZero())
	assert.False(t, e1.RecordedAt.Before(e1.OccurredAt))

	// Sequence numbers are per correlation and monotonic.
	assert.Equal(t, int64(1), e1.SequenceNum)
	assert.Equal(t, int64(2), e2.SequenceNum)
	assert.Equal(t, int64(1), e3.SequenceNum)
}

func TestRecordValidation(t *testing.T) {
	s := newService(t, t.TempDir())

	_, err := s.Record(&v1.LedgerEvent{CorrelationID: "c", Actor: v1.LedgerActor{AgentID: "a"}})
	assert.ErrorIs(t, err, ErrMissingAction)

	_, err = s.Record(&v1.LedgerEvent{Action: "X", Actor: v1.LedgerActor{AgentID: "a"}})
	assert.ErrorIs(t, err, ErrMissingCorrelation)

	// Identity is required even at level "none".
	_, err = s.Record(&v1.LedgerEvent{
		Action: "X", CorrelationID: "c", LedgerLevel: v1.LedgerLevelNone,
	})
	assert.ErrorIs(t, err, ErrMissingActor)
}

func TestDailyFileAppend(t *testing.T) {
	dir := t.TempDir()
	s := newService(t, dir)

	_, err := s.Record(event("corr-1", "TASK_CREATED"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	name := fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("2006-01-02"))
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "TASK_CREATED")
}

func TestReloadContinuesSequences(t *testing.T) {
	dir := t.TempDir()
	s := newService(t, dir)

	_, err := s.Record(event("corr-1", "TASK_CREATED"))
	require.NoError(t, err)
	_, err = s.Record(event("corr-1", "TASK_QUEUED"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := newService(t, dir)
	assert.Equal(t, 2, s2.Count())

	e, err := s2.Record(event("corr-1", "TASK_DISPATCHED"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.SequenceNum)

	chain := s2.Chain("corr-1")
	require.Len(t, chain, 3)
	for i := 1; i < len(chain); i++ {
		assert.Greater(t, chain[i].SequenceNum, chain[i-1].SequenceNum)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	s := newService(t, t.TempDir())

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ev := event("corr-1", "TASK_CREATED")
		ev.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			ev.Decision = v1.DecisionAllow
		} else {
			ev.Decision = v1.DecisionDeny
		}
		_, err := s.Record(ev)
		require.NoError(t, err)
	}
	other := event("corr-2", "AGENT_CONNECTED")
	other.Actor = v1.LedgerActor{UserID: "u1"}
	_, err := s.Record(other)
	require.NoError(t, err)

	// AND of correlation + decision.
	resp := s.Query(v1.LedgerQuery{CorrelationID: "corr-1", Decision: "deny"})
	assert.Equal(t, 2, resp.Total)
	for _, ev := range resp.Events {
		assert.Equal(t, v1.DecisionDeny, ev.Decision)
	}

	// Sorted by occurred_at descending.
	resp = s.Query(v1.LedgerQuery{CorrelationID: "corr-1"})
	require.Equal(t, 5, resp.Total)
	for i := 1; i < len(resp.Events); i++ {
		assert.False(t, resp.Events[i].OccurredAt.After(resp.Events[i-1].OccurredAt))
	}

	// Pagination.
	resp = s.Query(v1.LedgerQuery{CorrelationID: "corr-1", Limit: 2, Offset: 4})
	assert.Equal(t, 5, resp.Total)
	assert.Len(t, resp.Events, 1)

	// Actor filter.
	resp = s.Query(v1.LedgerQuery{ActorUserID: "u1"})
	assert.Equal(t, 1, resp.Total)

	// Time window.
	cutoff := base.Add(2*time.Minute + 30*time.Second)
	resp = s.Query(v1.LedgerQuery{CorrelationID: "corr-1", OccurredAfter: &cutoff})
	assert.Equal(t, 2, resp.Total)
}

func TestQueryLimitCap(t *testing.T) {
	s := newService(t, t.TempDir())
	resp := s.Query(v1.LedgerQuery{Limit: 99999})
	assert.Equal(t, MaxQueryLimit, resp.Limit)
}
