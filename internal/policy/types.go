// Package policy evaluates ABAC policies loaded from YAML packs.
package policy

import (
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// SubjectMatch selects who a policy applies to. Role "*" matches any role;
// empty fields are not constrained.
type SubjectMatch struct {
	Role   string            `yaml:"role,omitempty" json:"role,omitempty"`
	UserID string            `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	Attrs  map[string]string `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Condition gates a matched policy. Every listed claim type must appear in
// the request's claims; every caller_asserts fact must appear in
// asserted_facts. Custom entries are carried for external evaluators and do
// not gate the decision here.
type Condition struct {
	ClaimCheck    string                 `yaml:"claim_check,omitempty" json:"claim_check,omitempty"`
	CallerAsserts []string               `yaml:"caller_asserts,omitempty" json:"caller_asserts,omitempty"`
	Custom        map[string]interface{} `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// Policy is one rule inside a pack.
type Policy struct {
	ID            string            `yaml:"id" json:"id"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	Effect        v1.PolicyDecision `yaml:"effect" json:"effect"`
	Priority      int               `yaml:"priority" json:"priority"`
	Subject       SubjectMatch      `yaml:"subject,omitempty" json:"subject,omitempty"`
	Action        string            `yaml:"action" json:"action"`
	Resource      string            `yaml:"resource,omitempty" json:"resource,omitempty"`
	Condition     *Condition        `yaml:"condition,omitempty" json:"condition,omitempty"`
	LedgerLevel   v1.LedgerLevel    `yaml:"ledger_level,omitempty" json:"ledger_level,omitempty"`
	PolicyVersion string            `yaml:"policy_version,omitempty" json:"policy_version,omitempty"`
}

// Pack is one YAML policy file: a scope with an ordered rule set and a
// default stance for requests nothing matches.
type Pack struct {
	Scope         string            `yaml:"scope" json:"scope"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	DefaultStance v1.PolicyDecision `yaml:"default_stance,omitempty" json:"default_stance,omitempty"`
	Policies      []Policy          `yaml:"policies" json:"policies"`
}
