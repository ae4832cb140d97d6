package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLabState_IsTerminal(t *testing.T) {
	terminal := map[LabState]bool{
		LabStateDelivered: true,
		LabStateCancelled: true,
		LabStateFailed:    true,
	}
	for _, s := range AllLabStates {
		assert.Equal(t, terminal[s], s.IsTerminal(), s.String())
	}
}

func TestParseSeverity(t *testing.T) {
	sev, ok := ParseSeverity("critical")
	assert.True(t, ok)
	assert.Equal(t, LabSeverityCritical, sev)
	assert.True(t, sev.RequiresApproval())

	sev, ok = ParseSeverity(" medium ")
	assert.True(t, ok)
	assert.False(t, sev.RequiresApproval())

	_, ok = ParseSeverity("severe")
	assert.False(t, ok)
}

func TestLabSession_Remaining(t *testing.T) {
	now := time.Unix(1000, 0)
	deadline := now.Add(time.Minute)
	s := &LabSession{State: LabStateActive, TTLDeadline: &deadline}

	assert.Equal(t, time.Minute, s.Remaining(now))
	assert.Zero(t, s.Remaining(now.Add(2*time.Minute)))

	s.State = LabStateWrappingUp
	assert.Zero(t, s.Remaining(now))
}

func TestLabSession_CloneIsDeep(t *testing.T) {
	p := 40
	start := time.Unix(5, 0)
	s := &LabSession{
		ID:          "s-1",
		Steps:       []Step{{ID: 0, Status: StepStatusRunning, Progress: &p, StartedAt: &start}},
		ActivityLog: []ActivityEntry{{Sequence: 1, Kind: "step"}},
		Blueprint:   Blueprint{Dependencies: []string{"nginx"}},
		EvidencePackage: &EvidencePackage{
			Artifacts: []Artifact{{Name: "a"}},
		},
	}

	c := s.Clone()
	*c.Steps[0].Progress = 90
	c.Steps[0].Status = StepStatusDone
	c.ActivityLog[0].Kind = "changed"
	c.Blueprint.Dependencies[0] = "apache"
	c.EvidencePackage.Artifacts[0].Name = "b"

	assert.Equal(t, 40, *s.Steps[0].Progress)
	assert.Equal(t, StepStatusRunning, s.Steps[0].Status)
	assert.Equal(t, "step", s.ActivityLog[0].Kind)
	assert.Equal(t, "nginx", s.Blueprint.Dependencies[0])
	assert.Equal(t, "a", s.EvidencePackage.Artifacts[0].Name)
}

func TestBlueprint_Validate(t *testing.T) {
	valid := Blueprint{
		Ref:           "totalcms-web-1.7.4",
		CVE:           "CVE-2023-36212",
		Severity:      LabSeverityCritical,
		ContainerSpec: ContainerSpec{Image: "php:8.1-apache"},
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.ContainerSpec.Image = ""
	var vErr *ValidationError
	assert.ErrorAs(t, missing.Validate(), &vErr)
	assert.Equal(t, "container_spec.image", vErr.Field)

	bad := valid
	bad.Severity = "SEVERE"
	assert.Error(t, bad.Validate())
}
