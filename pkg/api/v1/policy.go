package v1

// PolicyDecision is the four-valued effect of a policy evaluation.
type PolicyDecision string

const (
	DecisionAllow      PolicyDecision = "allow"
	DecisionDeny       PolicyDecision = "deny"
	DecisionWarn       PolicyDecision = "warn"
	DecisionShadowDeny PolicyDecision = "shadow_deny"
)

// decisionRank orders decisions by severity for aggregation: deny wins over
// warn, warn over shadow_deny, shadow_deny over allow.
var decisionRank = map[PolicyDecision]int{
	DecisionAllow:      0,
	DecisionShadowDeny: 1,
	DecisionWarn:       2,
	DecisionDeny:       3,
}

// StricterDecision returns the more severe of two decisions.
func StricterDecision(a, b PolicyDecision) PolicyDecision {
	if decisionRank[b] > decisionRank[a] {
		return b
	}
	return a
}

// LedgerLevel expresses how much detail the ledger must capture for an action.
type LedgerLevel string

const (
	LedgerLevelNone     LedgerLevel = "none"
	LedgerLevelDecision LedgerLevel = "decision"
	LedgerLevelAction   LedgerLevel = "action"
	LedgerLevelFull     LedgerLevel = "full"
)

var ledgerLevelRank = map[LedgerLevel]int{
	LedgerLevelNone:     0,
	LedgerLevelDecision: 1,
	LedgerLevelAction:   2,
	LedgerLevelFull:     3,
}

// MaxLedgerLevel returns the higher-detail of two ledger levels.
func MaxLedgerLevel(a, b LedgerLevel) LedgerLevel {
	if ledgerLevelRank[b] > ledgerLevelRank[a] {
		return b
	}
	return a
}

// Claim is a verified attestation presented with a request.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// PolicySubject identifies who is asking.
type PolicySubject struct {
	Role   string            `json:"role,omitempty"`
	UserID string            `json:"user_id,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// PolicyResource identifies what is being acted on.
type PolicyResource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// PolicyContext carries claims and caller-asserted facts for condition checks.
type PolicyContext struct {
	Claims        []Claim  `json:"claims,omitempty"`
	AssertedFacts []string `json:"asserted_facts,omitempty"`
}

// PolicyEvaluateRequest is the body of POST /policy/evaluate.
type PolicyEvaluateRequest struct {
	Scope    string         `json:"scope,omitempty"`
	Subject  PolicySubject  `json:"subject"`
	Action   string         `json:"action" binding:"required"`
	Resource PolicyResource `json:"resource"`
	Context  PolicyContext  `json:"context"`
}

// PolicyEvaluateResponse is the result of a policy evaluation.
type PolicyEvaluateResponse struct {
	Decision            PolicyDecision `json:"decision"`
	PolicyID            string         `json:"policy_id,omitempty"`
	PolicyVersion       string         `json:"policy_version,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	RequiredLedgerLevel LedgerLevel    `json:"required_ledger_level"`
}
