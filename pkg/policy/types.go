package policy

import (
	"strings"
	"time"
)

// Severity ranks a violation. Error and critical violations reject the
// plan; info and warning ones are reported only.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module evaluated against plan JSON. Its deny rule
// yields violations at Severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String renders the violation for logs and error messages.
func (v Violation) String() string {
	var b strings.Builder
	b.WriteString("[" + v.Policy + "] ")
	if v.Resource != "" {
		b.WriteString(v.Resource + ": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They don't block.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocking() {
		r.Allowed = false
		r.Violations = append(r.Violations, v)
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// Messages renders the blocking violations.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}
