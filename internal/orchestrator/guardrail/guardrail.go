// Package guardrail holds the pure policy checks that gate session creation
// and extension. Evaluation has no side effects.
package guardrail

import (
	"fmt"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

// Decision is the outcome of a guardrail evaluation
type Decision string

const (
	DecisionApproved        Decision = "Approved"
	DecisionPendingApproval Decision = "PendingApproval"
	DecisionRejected        Decision = "Rejected"
)

// Check names, in evaluation order
const (
	CheckConcurrency = "concurrency_limit"
	CheckSeverity    = "severity_approval"
	CheckExtension   = "extension_limit"
)

// MaxActiveSessions is how many non-terminal sessions a user may hold
const MaxActiveSessions = 1

// Input is everything a submission evaluation depends on
type Input struct {
	UserID         string
	Blueprint      entity.Blueprint
	ActiveSessions int
	ApprovalToken  string
}

// Result is the evaluation verdict plus the individual checks that led to it
type Result struct {
	Decision Decision
	Reason   string
	Checks   []entity.GuardrailCheck
}

// Err returns the rejection as an AppError, or nil when not rejected
func (r Result) Err() error {
	if r.Decision != DecisionRejected {
		return nil
	}
	msg := "request rejected by guardrail"
	for _, c := range r.Checks {
		if !c.Passed {
			msg = c.Message
			break
		}
	}
	return errors.NewGuardrailRejection(r.Reason, msg)
}

// Snapshot converts the result into the form stored on the session
func (r Result) Snapshot(at time.Time) entity.GuardrailSnapshot {
	return entity.GuardrailSnapshot{
		Decision:  string(r.Decision),
		Reason:    r.Reason,
		Checks:    append([]entity.GuardrailCheck(nil), r.Checks...),
		Timestamp: at,
	}
}

// Evaluate applies the submission rules in order; the first failing rule wins.
//  1. an existing non-terminal session rejects with ConcurrencyLimitExceeded
//  2. HIGH/CRITICAL severity without an approval token holds at PendingApproval
//  3. otherwise Approved
func Evaluate(in Input) Result {
	var checks []entity.GuardrailCheck

	if in.ActiveSessions >= MaxActiveSessions {
		checks = append(checks, entity.GuardrailCheck{
			Name:    CheckConcurrency,
			Passed:  false,
			Message: fmt.Sprintf("user already has %d active lab session(s)", in.ActiveSessions),
		})
		return Result{Decision: DecisionRejected, Reason: errors.ReasonConcurrencyLimitExceeded, Checks: checks}
	}
	checks = append(checks, entity.GuardrailCheck{Name: CheckConcurrency, Passed: true, Message: "no active lab session"})

	if in.Blueprint.Severity.RequiresApproval() && in.ApprovalToken == "" {
		checks = append(checks, entity.GuardrailCheck{
			Name:    CheckSeverity,
			Passed:  false,
			Message: fmt.Sprintf("%s severity requires approval", in.Blueprint.Severity),
		})
		return Result{Decision: DecisionPendingApproval, Reason: "ApprovalRequired", Checks: checks}
	}
	msg := "severity does not require approval"
	if in.Blueprint.Severity.RequiresApproval() {
		msg = "pre-approved by approval token"
	}
	checks = append(checks, entity.GuardrailCheck{Name: CheckSeverity, Passed: true, Message: msg})

	return Result{Decision: DecisionApproved, Checks: checks}
}

// ExtensionInput describes a requested TTL extension
type ExtensionInput struct {
	ActiveSince time.Time
	Deadline    time.Time
	By          time.Duration
	MaxTTL      time.Duration
}

// EvaluateExtension rejects extensions that would push total Active time
// past the tier maximum.
func EvaluateExtension(in ExtensionInput) Result {
	total := in.Deadline.Add(in.By).Sub(in.ActiveSince)
	if in.MaxTTL > 0 && total > in.MaxTTL {
		return Result{
			Decision: DecisionRejected,
			Reason:   errors.ReasonExtensionLimitExceeded,
			Checks: []entity.GuardrailCheck{{
				Name:    CheckExtension,
				Passed:  false,
				Message: fmt.Sprintf("extension would bring the session to %s, above the %s limit", total, in.MaxTTL),
			}},
		}
	}
	return Result{
		Decision: DecisionApproved,
		Checks:   []entity.GuardrailCheck{{Name: CheckExtension, Passed: true, Message: "within tier limit"}},
	}
}
