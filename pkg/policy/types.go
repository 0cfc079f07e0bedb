// Package policy gates plans with OPA. Built-in rego rules cover
// production guardrails; additional .rego files load from a project's
// policies directory. Every rule evaluates against the fully built
// plan, so rejection happens before any provisioning side effect.
package policy

import (
	"time"
)

// Severity is the weight of a violation. Only error and critical
// violations reject a plan; info and warning surface in logs.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether a violation at this severity rejects the plan.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named rego rule set.
type Policy struct {
	// Name uniquely identifies the policy; file-loaded policies use the
	// file path stem.
	Name string `json:"name"`

	// Description is shown when explaining a rejection.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. Rules contribute to a `deny` set in
	// their package; each member is either a message string or an
	// object with message/severity/resource keys.
	Rego string `json:"rego"`

	// Severity is the default for violations that don't set their own.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation without unloading the policy.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`
}

// Violation is one deny result from one policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the aggregate outcome of evaluating every enabled policy
// against one plan.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// planInput is the rego input document. It is a projection of the
// plan, not the plan itself: policies see stable field names that
// don't move when engine internals do.
type planInput struct {
	Environment environmentInput `json:"environment"`
	Plan        planDoc          `json:"plan"`
}

type environmentInput struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

type planDoc struct {
	Destroy          bool          `json:"destroy"`
	AllowDestructive bool          `json:"allow_destructive"`
	Actions          []actionInput `json:"actions"`
}

type actionInput struct {
	Type        string `json:"type"`
	Key         string `json:"key"`
	Destructive bool   `json:"destructive"`
}
