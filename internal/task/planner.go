package task

import (
	"context"
	"strings"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Planner turns a natural-language request into an executable plan. The
// scheduler only sees the resulting Plan; backends are selected at startup.
type Planner interface {
	Plan(ctx context.Context, task *v1.Task) (*v1.Plan, error)
}

// StaticPlanner is the offline fallback: it maps a handful of well-known
// request phrasings to fixed plans and otherwise echoes the request as a
// single command. Useful for development and the mock agent.
type StaticPlanner struct{}

// NewStaticPlanner creates the fallback planner.
func NewStaticPlanner() *StaticPlanner {
	return &StaticPlanner{}
}

// Plan implements Planner.
func (p *StaticPlanner) Plan(_ context.Context, task *v1.Task) (*v1.Plan, error) {
	req := strings.ToLower(strings.TrimSpace(task.Request))

	switch {
	case strings.Contains(req, "disk usage") || strings.Contains(req, "disk space"):
		return &v1.Plan{
			Steps:     []string{"Report disk usage"},
			Commands:  []v1.Command{{Run: "df -h"}},
			Reasoning: "Read-only disk usage report",
			RiskLevel: v1.RiskLow,
		}, nil

	case strings.Contains(req, "uptime"):
		return &v1.Plan{
			Steps:     []string{"Report uptime"},
			Commands:  []v1.Command{{Run: "uptime"}},
			RiskLevel: v1.RiskLow,
		}, nil

	case strings.Contains(req, "status"):
		return &v1.Plan{
			Steps: []string{"Gather host status"},
			Commands: []v1.Command{
				{Run: "uptime"},
				{Run: "df -h"},
			},
			RiskLevel: v1.RiskLow,
		}, nil
	}

	// Unknown request: pass it through verbatim and let safety validation
	// and the approval gate decide.
	return &v1.Plan{
		Steps:            []string{task.Request},
		Commands:         []v1.Command{{Run: task.Request, TimeoutSeconds: 300}},
		Reasoning:        "Verbatim execution of operator request",
		RiskLevel:        v1.RiskMedium,
		RequiresApproval: true,
	}, nil
}
