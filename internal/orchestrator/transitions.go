package orchestrator

import (
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
)

// Event is anything that can move a session between states
type Event string

const (
	EventGuardrailApproved      Event = "guardrail_approved"
	EventGuardrailNeedsApproval Event = "guardrail_needs_approval"
	EventApprove                Event = "approve"
	EventDeny                   Event = "deny"
	EventProvisioningCompleted  Event = "provisioning_completed"
	EventProvisioningFailed     Event = "provisioning_failed"
	EventProvisioningCancelled  Event = "provisioning_cancelled"
	EventEndSession             Event = "end_session"
	EventTimerExpired           Event = "timer_expired"
	EventTeardownCompleted      Event = "teardown_completed"
	EventTeardownFailed         Event = "teardown_failed"
)

// AllEvents lists every event, for exhaustive table tests
var AllEvents = []Event{
	EventGuardrailApproved,
	EventGuardrailNeedsApproval,
	EventApprove,
	EventDeny,
	EventProvisioningCompleted,
	EventProvisioningFailed,
	EventProvisioningCancelled,
	EventEndSession,
	EventTimerExpired,
	EventTeardownCompleted,
	EventTeardownFailed,
}

// transitions is the complete edge list. Terminal states have no entries.
var transitions = map[entity.LabState]map[Event]entity.LabState{
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

// Next returns the state reached by applying ev in from, or an
// InvalidStateTransition error when the edge does not exist.
func Next(from entity.LabState, ev Event) (entity.LabState, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", errors.NewInvalidStateTransition(string(from), string(ev))
}
