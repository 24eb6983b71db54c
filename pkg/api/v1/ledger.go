package v1

import "time"

// LedgerLayer identifies which architectural layer produced an event.
type LedgerLayer string

const (
	LayerExperience LedgerLayer = "experience"
	LayerGateway    LedgerLayer = "gateway"
	LayerGovernance LedgerLayer = "governance"
	LayerMesh       LedgerLayer = "mesh"
	LayerInfra      LedgerLayer = "infra"
)

// LedgerActor identifies who or what performed the recorded action.
type LedgerActor struct {
	UserID       string `json:"user_id,omitempty"`
	Role         string `json:"role,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	DelegationID string `json:"delegation_id,omitempty"`
}

// LedgerEvent is one immutable entry in the append-only audit ledger.
type LedgerEvent struct {
	ID            string      `json:"id"`
	CorrelationID string      `json:"correlation_id"`
	IntentID      string      `json:"intent_id,omitempty"`
	SequenceNum   int64       `json:"sequence_num"`
	Layer         LedgerLayer `json:"layer"`
	Host          string      `json:"host,omitempty"`
	Service       string      `json:"service,omitempty"`
	PolicyScope   string      `json:"policy_scope,omitempty"`

	Actor        LedgerActor    `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Decision     PolicyDecision `json:"decision,omitempty"`

	PolicyID      string `json:"policy_id,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`

	AssertedFacts []string               `json:"asserted_facts,omitempty"`
	FactEvidence  map[string]string      `json:"fact_evidence,omitempty"`
	Claims        []Claim                `json:"claims,omitempty"`
	LedgerLevel   LedgerLevel            `json:"ledger_level"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	RequestContext  map[string]interface{} `json:"request_context,omitempty"`
	ResponseSummary string                 `json:"response_summary,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LedgerQuery selects events; all present filters are ANDed.
type LedgerQuery struct {
	CorrelationID  string     `form:"correlation_id"`
	IntentID       string     `form:"intent_id"`
	ActorUserID    string     `form:"actor_user_id"`
	ActorAgentID   string     `form:"actor_agent_id"`
	Action         string     `form:"action"`
	PolicyScope    string     `form:"policy_scope"`
	Decision       string     `form:"decision"`
	Host           string     `form:"host"`
	Service        string     `form:"service"`
	OccurredAfter  *time.Time `form:"occurred_after" time_format:"2006-01-02T15:04:05Z07:00"`
	OccurredBefore *time.Time `form:"occurred_before" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit          int        `form:"limit"`
	Offset         int        `form:"offset"`
}

// LedgerQueryResponse wraps a page of query results.
type LedgerQueryResponse struct {
	Events []*LedgerEvent `json:"events"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}
