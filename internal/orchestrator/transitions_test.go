package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

func TestNext_ExhaustiveTable(t *testing.T) {
	allowed := map[entity.LabState]map[Event]entity.LabState{
		entity.LabStateRequested: {
			EventGuardrailApproved:      entity.LabStateProvisioning,
			EventGuardrailNeedsApproval: entity.LabStatePendingApproval,
		},
		entity.LabStatePendingApproval: {
			EventApprove: entity.LabStateProvisioning,
			EventDeny:    entity.LabStateCancelled,
		},
		entity.LabStateProvisioning: {
			EventProvisioningCompleted: entity.LabStateActive,
			EventProvisioningFailed:    entity.LabStateFailed,
			EventProvisioningCancelled: entity.LabStateCancelled,
		},
		entity.LabStateActive: {
			EventEndSession:   entity.LabStateWrappingUp,
			EventTimerExpired: entity.LabStateWrappingUp,
		},
		entity.LabStateWrappingUp: {
			EventTeardownCompleted: entity.LabStateDelivered,
			EventTeardownFailed:    entity.LabStateFailed,
		},
	}

	for _, from := range entity.AllLabStates {
		for _, ev := range AllEvents {
			to, err := Next(from, ev)
			want, ok := allowed[from][ev]
			if ok {
				require.NoError(t, err, "%s --%s-->", from, ev)
				assert.Equal(t, want, to, "%s --%s-->", from, ev)
				continue
			}
			assert.True(t, errors.IsInvalidStateTransition(err), "%s --%s--> must be rejected", from, ev)
			assert.Empty(t, to)
		}
	}
}

func TestNext_TerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range entity.AllLabStates {
		if !s.IsTerminal() {
			continue
		}
		for _, ev := range AllEvents {
			_, err := Next(s, ev)
			assert.Error(t, err)
		}
	}
}
