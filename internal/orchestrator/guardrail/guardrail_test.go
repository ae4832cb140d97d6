package guardrail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		input    Input
		decision Decision
		reason   string
	}{
		{
			name:     "low severity approved",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityLow}},
			decision: DecisionApproved,
		},
		{
			name:     "medium severity approved",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityMedium}},
			decision: DecisionApproved,
		},
		{
			name:     "high severity pending",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityHigh}},
			decision: DecisionPendingApproval,
			reason:   "ApprovalRequired",
		},
		{
			name:     "critical severity pending",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityCritical}},
			decision: DecisionPendingApproval,
			reason:   "ApprovalRequired",
		},
		{
			name:     "critical with token approved",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityCritical}, ApprovalToken: "CHG-1042"},
			decision: DecisionApproved,
		},
		{
			name:     "active session rejects",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityLow}, ActiveSessions: 1},
			decision: DecisionRejected,
			reason:   errors.ReasonConcurrencyLimitExceeded,
		},
		{
			name:     "concurrency wins over severity",
			input:    Input{UserID: "u", Blueprint: entity.Blueprint{Severity: entity.LabSeverityCritical}, ActiveSessions: 2},
			decision: DecisionRejected,
			reason:   errors.ReasonConcurrencyLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.input)
			assert.Equal(t, tt.decision, got.Decision)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, got, Evaluate(tt.input), "evaluation must be deterministic")
		})
	}
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Evaluate(Input{Blueprint: entity.Blueprint{Severity: entity.LabSeverityHigh}}).Err())

	err := Evaluate(Input{ActiveSessions: 1}).Err()
	require.Error(t, err)
	assert.True(t, errors.IsGuardrailRejection(err))
	assert.Equal(t, errors.ReasonConcurrencyLimitExceeded, errors.Reason(err))
}

func TestResult_Snapshot(t *testing.T) {
	at := time.Unix(42, 0)
	snap := Evaluate(Input{Blueprint: entity.Blueprint{Severity: entity.LabSeverityCritical}}).Snapshot(at)
	assert.Equal(t, "PendingApproval", snap.Decision)
	assert.Equal(t, at, snap.Timestamp)
	require.Len(t, snap.Checks, 2)
	assert.True(t, snap.Checks[0].Passed)
	assert.False(t, snap.Checks[1].Passed)
}

func TestEvaluateExtension(t *testing.T) {
	start := time.Unix(0, 0)
	deadline := start.Add(3 * time.Hour)

	ok := EvaluateExtension(ExtensionInput{ActiveSince: start, Deadline: deadline, By: time.Hour, MaxTTL: 4 * time.Hour})
	assert.Equal(t, DecisionApproved, ok.Decision)

	over := EvaluateExtension(ExtensionInput{ActiveSince: start, Deadline: deadline, By: 61 * time.Minute, MaxTTL: 4 * time.Hour})
	assert.Equal(t, DecisionRejected, over.Decision)
	assert.Equal(t, errors.ReasonExtensionLimitExceeded, errors.Reason(over.Err()))

	admin := EvaluateExtension(ExtensionInput{ActiveSince: start, Deadline: deadline, By: 5 * time.Hour, MaxTTL: 8 * time.Hour})
	assert.Equal(t, DecisionApproved, admin.Decision)
}
