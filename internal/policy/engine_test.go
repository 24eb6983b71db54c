package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

const eduPack = `scope: edu
default_stance: deny
policies:
  - id: instructor-grade-write
    description: instructors may write grades
    effect: allow
    priority: 100
    subject:
      role: instructor
    action: "edu.grade.write"
    resource: "assignment"
    ledger_level: action
    policy_version: "3"
  - id: anyone-grade-read
    effect: allow
    priority: 50
    subject:
      role: "*"
    action: "edu.grade.read"
    resource: "assignment"
    ledger_level: decision
  - id: licensed-bulk-export
    effect: allow
    priority: 40
    subject:
      role: instructor
    action: "edu.export.**"
    condition:
      claim_check: license
      caller_asserts: ["records_officer"]
    ledger_level: full
`

func writePack(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newEngine(t *testing.T, packs map[string]string) *Engine {
	t.Helper()
	dir := t.TempDir()
	for name, content := range packs {
		writePack(t, dir, name, content)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewEngine(dir, log)
}

func TestStudentDeniedWithLedgerEscalation(t *testing.T) {
	e := newEngine(t, map[string]string{"edu.yaml": eduPack})

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{
		Scope:    "edu",
		Subject:  v1.PolicySubject{Role: "student"},
		Action:   "edu.grade.write",
		Resource: v1.PolicyResource{Type: "assignment"},
	})

	assert.Equal(t, v1.DecisionDeny, resp.Decision)
	assert.NotEmpty(t, resp.Reason)
	// The instructor-only rule matched on action/resource, so its level
	// escalates the requirement even though its subject did not match.
	assert.Equal(t, v1.LedgerLevelAction, resp.RequiredLedgerLevel)
}

func TestTeacherAllowed(t *testing.T) {
	e := newEngine(t, map[string]string{"edu.yaml": eduPack})

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{
		Scope:    "edu",
		Subject:  v1.PolicySubject{Role: "instructor"},
		Action:   "edu.grade.write",
		Resource: v1.PolicyResource{Type: "assignment"},
	})

	assert.Equal(t, v1.DecisionAllow, resp.Decision)
	assert.Equal(t, "instructor-grade-write", resp.PolicyID)
	assert.Equal(t, "3", resp.PolicyVersion)
	assert.Equal(t, v1.LedgerLevelAction, resp.RequiredLedgerLevel)
}

func TestWildcardRoleMatches(t *testing.T) {
	e := newEngine(t, map[string]string{"edu.yaml": eduPack})

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{
		Scope:    "edu",
		Subject:  v1.PolicySubject{Role: "student"},
		Action:   "edu.grade.read",
		Resource: v1.PolicyResource{Type: "assignment"},
	})
	assert.Equal(t, v1.DecisionAllow, resp.Decision)
	assert.Equal(t, "anyone-grade-read", resp.PolicyID)
}

func TestConditionGating(t *testing.T) {
	e := newEngine(t, map[string]string{"edu.yaml": eduPack})

	req := &v1.PolicyEvaluateRequest{
		Scope:    "edu",
		Subject:  v1.PolicySubject{Role: "instructor"},
		Action:   "edu.export.grades.bulk",
		Resource: v1.PolicyResource{Type: "assignment"},
	}

	// No claims: condition fails, default stance, reason quotes the failure.
	resp := e.Evaluate(req)
	assert.Equal(t, v1.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Reason, "license")
	assert.Equal(t, v1.LedgerLevelFull, resp.RequiredLedgerLevel)

	// Claim present but fact missing: still denied.
	req.Context = v1.PolicyContext{Claims: []v1.Claim{{Type: "license"}}}
	resp = e.Evaluate(req)
	assert.Equal(t, v1.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Reason, "records_officer")

	// Both satisfied: allowed.
	req.Context.AssertedFacts = []string{"records_officer"}
	resp = e.Evaluate(req)
	assert.Equal(t, v1.DecisionAllow, resp.Decision)
	assert.Equal(t, "licensed-bulk-export", resp.PolicyID)
}

func TestPriorityOrderFirstMatchWins(t *testing.T) {
	pack := `scope: ops
default_stance: deny
policies:
  - id: low-allow
    effect: allow
    priority: 10
    action: "ops.restart"
  - id: high-deny
    effect: deny
    priority: 200
    action: "ops.restart"
`
	e := newEngine(t, map[string]string{"ops.yaml": pack})

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{
		Scope:  "ops",
		Action: "ops.restart",
	})
	assert.Equal(t, v1.DecisionDeny, resp.Decision)
	assert.Equal(t, "high-deny", resp.PolicyID)
}

func TestUnknownScopeFallsBackToDeny(t *testing.T) {
	e := newEngine(t, map[string]string{"edu.yaml": eduPack})

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{
		Scope:  "nonexistent",
		Action: "whatever",
	})
	assert.Equal(t, v1.DecisionDeny, resp.Decision)
	assert.Equal(t, v1.LedgerLevelNone, resp.RequiredLedgerLevel)
}

func TestLoadFailureReportsUnhealthyAndDeniesAll(t *testing.T) {
	e := newEngine(t, map[string]string{"broken.yaml": "scope: [not a string"})

	h := e.Health()
	assert.Equal(t, "error", h["status"])

	resp := e.Evaluate(&v1.PolicyEvaluateRequest{Action: "anything"})
	assert.Equal(t, v1.DecisionDeny, resp.Decision)
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "edu.yaml", eduPack)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	e := NewEngine(dir, log)

	assert.Len(t, e.Packs(), 1)

	writePack(t, dir, "ops.yaml", "scope: ops\npolicies: []\n")
	require.NoError(t, e.Reload())
	assert.Len(t, e.Packs(), 2)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "edu.yaml", eduPack)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	e := NewEngine(dir, log)

	stop, err := e.Watch()
	require.NoError(t, err)
	defer stop()

	writePack(t, dir, "ops.yaml", "scope: ops\npolicies: []\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.Packs()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher never reloaded the catalog")
}
