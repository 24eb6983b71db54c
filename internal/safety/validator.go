// Package safety classifies proposed shell commands before they are allowed
// anywhere near an agent. Classification is pure: the same command always
// produces the same result, regardless of surrounding commands.
package safety

import (
	"regexp"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Result is the classification of a single command.
type Result struct {
	Command          string       `json:"command"`
	Valid            bool         `json:"valid"`
	RequiresApproval bool         `json:"requires_approval"`
	RiskLevel        v1.RiskLevel `json:"risk_level"`
	MatchedPattern   string       `json:"matched_pattern,omitempty"`
}

// Summary aggregates the results for a full command list.
type Summary struct {
	AllValid         bool         `json:"all_valid"`
	RequiresApproval bool         `json:"requires_approval"`
	RiskLevel        v1.RiskLevel `json:"risk_level"`
	Results          []Result     `json:"results"`
}

// BlockedResults returns the results that matched the blocklist.
func (s *Summary) BlockedResults() []Result {
	var blocked []Result
	for _, r := range s.Results {
		if !r.Valid {
			blocked = append(blocked, r)
		}
	}
	return blocked
}

// The three ordered pattern families. Blocklist is checked first, then the
// approval list, then the safe list; anything unmatched defaults to
// requiring approval at medium risk.
var (
	blockPatterns = compile([]string{
		`rm\s+-rf\s+/(\s|$)`,
		`rm\s+-rf\s+/\*`,
		`sudo\s+rm\s+-rf`,
		`dd\s+if=.*\s+of=/dev/`,
		`mkfs\.`,
		`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`,
		`>\s*/dev/sd[a-z]`,
		`chmod\s+(-R\s+)?777\s+/(\s|$)`,
		`(>|>>|tee).*/etc/(passwd|shadow)`,
		`(vi|vim|nano|sed\s+-i).*/etc/(passwd|shadow)`,
		`wget.*\|\s*(ba)?sh`,
		`curl.*\|\s*(ba)?sh`,
	})

	approvalPatterns = compile([]string{
		`\breboot\b`,
		`\bshutdown\b`,
		`\bhalt\b`,
		`\bpoweroff\b`,
		`(apt|apt-get|yum|dnf|pacman)\s+(install|remove|purge|upgrade)`,
		`pip3?\s+install`,
		`npm\s+(install|uninstall)\s+(-g|--global)`,
		`docker\s+(rmi|rm)\b`,
		`docker\s+system\s+prune`,
		`docker\s+volume\s+(rm|prune)`,
		`systemctl\s+(stop|disable|mask)`,
		`\bDROP\s+(TABLE|DATABASE)\b`,
		`\bTRUNCATE\b`,
		`\bDELETE\s+FROM\b`,
		`git\s+push\s+.*(-f|--force)`,
		`git\s+reset\s+--hard`,
		`\buserdel\b`,
		`\bgroupdel\b`,
		`iptables\s+(-F|-X|--flush)`,
		`rm\s+-rf?\s+~`,
	})

	safePatterns = compile([]string{
		`^\s*pwd\s*$`,
		`^\s*whoami\s*$`,
		`^\s*hostname\b`,
		`^\s*date\b`,
		`^\s*uptime\s*$`,
		`^\s*ls\b`,
		`^\s*cat\s`,
		`^\s*head\b`,
		`^\s*tail\b`,
		`^\s*grep\b`,
		`^\s*find\s`,
		`^\s*du\b`,
		`^\s*df\b`,
		`^\s*free\b`,
		`^\s*ps\b`,
		`^\s*top\s+-b`,
		`^\s*env\s*$`,
		`^\s*echo\s`,
		`^\s*which\s`,
		`^\s*uname\b`,
		`^\s*git\s+(status|log|diff|branch|fetch|pull|show|remote)\b`,
		`^\s*docker\s+(ps|images|logs|inspect|stats)\b`,
		`^\s*systemctl\s+(status|list-units|is-active)\b`,
		`^\s*journalctl\b`,
		`^\s*kubectl\s+(get|describe|logs)\b`,
		`^\s*npm\s+(ls|list|outdated|test|run\s+build)\b`,
		`^\s*pip3?\s+(list|show|freeze)\b`,
		`^\s*make\s+(test|build|lint)\b`,
		`^\s*curl\s+(-[sSfIL]+\s+)*https?://[^|;&]*$`,
	})
)

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Validator classifies commands into risk levels using ordered regex
// families. The zero value is not usable; use NewValidator.
type Validator struct {
	block    []*regexp.Regexp
	approval []*regexp.Regexp
	safe     []*regexp.Regexp
}

// NewValidator returns a validator loaded with the builtin pattern families.
func NewValidator() *Validator {
	return &Validator{
		block:    blockPatterns,
		approval: approvalPatterns,
		safe:     safePatterns,
	}
}

// ValidateCommand classifies a single shell command.
func (v *Validator) ValidateCommand(command string) Result {
	for _, re := range v.block {
		if re.MatchString(command) {
			return Result{
				Command:        command,
				Valid:          false,
				RiskLevel:      v1.RiskHigh,
				MatchedPattern: re.String(),
			}
		}
	}

	for _, re := range v.approval {
		if re.MatchString(command) {
			return Result{
				Command:          command,
				Valid:            true,
				RequiresApproval: true,
				RiskLevel:        v1.RiskMedium,
				MatchedPattern:   re.String(),
			}
		}
	}

	for _, re := range v.safe {
		if re.MatchString(command) {
			return Result{
				Command:        command,
				Valid:          true,
				RiskLevel:      v1.RiskLow,
				MatchedPattern: re.String(),
			}
		}
	}

	// Unknown commands need a human in the loop.
	return Result{
		Command:          command,
		Valid:            true,
		RequiresApproval: true,
		RiskLevel:        v1.RiskMedium,
	}
}

// ValidateCommands classifies every command in a plan and aggregates:
// AllValid is false if any command is blocked, RiskLevel is the maximum over
// all results, and RequiresApproval is true if any result requires it.
func (v *Validator) ValidateCommands(commands []v1.Command) Summary {
	summary := Summary{
		AllValid:  true,
		RiskLevel: v1.RiskLow,
	}

	for _, cmd := range commands {
		r := v.ValidateCommand(cmd.Run)
		if cmd.ApprovalRequired {
			r.RequiresApproval = true
		}
		if !r.Valid {
			summary.AllValid = false
		}
		if r.RequiresApproval {
			summary.RequiresApproval = true
		}
		summary.RiskLevel = v1.MaxRisk(summary.RiskLevel, r.RiskLevel)
		summary.Results = append(summary.Results, r)
	}

	return summary
}
