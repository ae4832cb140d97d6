package entity

import (
	"time"
)

// LabState represents the lifecycle state of a lab session
type LabState string

const (
	LabStateRequested       LabState = "Requested"
	LabStatePendingApproval LabState = "PendingApproval"
	LabStateProvisioning    LabState = "Provisioning"
	LabStateActive          LabState = "Active"
	LabStateWrappingUp      LabState = "WrappingUp"
	LabStateDelivered       LabState = "Delivered"
	LabStateCancelled       LabState = "Cancelled"
	LabStateFailed          LabState = "Failed"
)

// AllLabStates lists every state in lifecycle order
var AllLabStates = []LabState{
	LabStateRequested,
	LabStatePendingApproval,
	LabStateProvisioning,
	LabStateActive,
	LabStateWrappingUp,
	LabStateDelivered,
	LabStateCancelled,
	LabStateFailed,
}

// IsTerminal reports whether no further transitions are possible
func (s LabState) IsTerminal() bool {
	return s == LabStateDelivered || s == LabStateCancelled || s == LabStateFailed
}

// String implements the Stringer interface for LabState
func (s LabState) String() string {
	return string(s)
}

// LabRequest represents a user submission. Never mutated after creation.
type LabRequest struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	BlueprintRef  string    `json:"blueprint_ref"`
	ApprovalToken string    `json:"-"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Validate validates the lab request entity
func (lr *LabRequest) Validate() error {
	if lr.UserID == "" {
		return NewValidationError("user_id", "User ID is required")
	}
	if lr.BlueprintRef == "" {
		return NewValidationError("blueprint_ref", "Blueprint ref is required")
	}
	return nil
}

// StepStatus represents the status of a pipeline step
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// IsFinal reports whether the status can no longer change
func (s StepStatus) IsFinal() bool {
	return s == StepStatusDone || s == StepStatusFailed
}

// Step is a single unit of pipeline work
type Step struct {
	ID          int        `json:"id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Progress    *int       `json:"progress,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// Activity kinds recorded by the core. Telemetry may push any other kind.
const (
	ActivityKindStateChange = "state_change"
	ActivityKindStep        = "step"
	ActivityKindPipeline    = "pipeline"
	ActivityKindExtension   = "extension"
	ActivityKindApproval    = "approval"
	ActivityKindCleanup     = "cleanup"
	ActivityKindEvidence    = "evidence"
	ActivityKindDelivery    = "delivery"
	ActivityKindSessionJoin = "session_join"
	ActivityKindCommand     = "command"
	ActivityKindFileUpload  = "file_upload"
	ActivityKindConnection  = "connection"
)

// ActivityEntry is an immutable audit record
type ActivityEntry struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
}

// Artifact is a content-addressed piece of collected evidence
type Artifact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	StorageKey  string    `json:"storage_key"`
	CollectedAt time.Time `json:"collected_at"`
}

// ManifestEntry is one line of an evidence manifest
type ManifestEntry struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
}

// Manifest is the canonical, hashed description of a package
type Manifest struct {
	SessionID string          `json:"session_id"`
	Artifacts []ManifestEntry `json:"artifacts"`
	Notes     string          `json:"notes,omitempty"`
}

// EvidencePackage is the terminal, signed bundle of a session's evidence
type EvidencePackage struct {
	ManifestHash       string     `json:"manifest_hash"`
	Manifest           Manifest   `json:"manifest"`
	Signature          string     `json:"signature"`
	SignatureAlgorithm string     `json:"signature_algorithm"`
	KeyID              string     `json:"key_id"`
	Artifacts          []Artifact `json:"artifacts"`
	ReportKey          string     `json:"report_key,omitempty"`
	Partial            bool       `json:"partial,omitempty"`
	GeneratedAt        time.Time  `json:"generated_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
}

// DestinationKind is the delivery channel for an evidence package
type DestinationKind string

const (
	DestinationLink  DestinationKind = "link"
	DestinationEmail DestinationKind = "email"
)

// Destination names where a package is delivered
type Destination struct {
	Kind   DestinationKind `json:"kind"`
	Target string          `json:"target,omitempty"`
}

// Delivery records one delivery attempt
type Delivery struct {
	Destination Destination `json:"destination"`
	URL         string      `json:"url,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	AttemptedAt time.Time   `json:"attempted_at"`
	Error       string      `json:"error,omitempty"`
}

// Succeeded reports whether the delivery attempt went through
func (d Delivery) Succeeded() bool {
	return d.Error == ""
}

// GuardrailCheck represents a single guardrail validation
type GuardrailCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// GuardrailSnapshot captures the state of guardrail checks at submission
type GuardrailSnapshot struct {
	Decision  string           `json:"decision"`
	Reason    string           `json:"reason,omitempty"`
	Checks    []GuardrailCheck `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// LabSession is the central aggregate. Only the orchestrator mutates it;
// everything handed out is a Clone.
type LabSession struct {
	ID              string            `json:"id"`
	Request         LabRequest        `json:"request"`
	Blueprint       Blueprint         `json:"blueprint"`
	Tier            Tier              `json:"tier"`
	State           LabState          `json:"state"`
	Guardrail       GuardrailSnapshot `json:"guardrail"`
	Steps           []Step            `json:"steps"`
	TeardownSteps   []Step            `json:"teardown_steps,omitempty"`
	ActiveSince     *time.Time        `json:"active_since,omitempty"`
	TTLDeadline     *time.Time        `json:"ttl_deadline,omitempty"`
	Extended        time.Duration     `json:"extended,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	ActivityLog     []ActivityEntry   `json:"activity_log"`
	ActivityDropped int               `json:"activity_dropped,omitempty"`
	Artifacts       []Artifact        `json:"artifacts"`
	EvidencePackage *EvidencePackage  `json:"evidence_package,omitempty"`
	Deliveries      []Delivery        `json:"deliveries,omitempty"`
	FailureStep     string            `json:"failure_step,omitempty"`
	FailureDetail   string            `json:"failure_detail,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsActive reports whether the session still counts against the user's slot
func (s *LabSession) IsActive() bool {
	return !s.State.IsTerminal()
}

// Remaining returns the time left on the TTL, never negative
func (s *LabSession) Remaining(now time.Time) time.Duration {
	if s.TTLDeadline == nil || s.State != LabStateActive {
		return 0
	}
	if d := s.TTLDeadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy safe to hand out as a read-only projection
func (s *LabSession) Clone() *LabSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Blueprint.Dependencies = append([]string(nil), s.Blueprint.Dependencies...)
	out.Blueprint.ContainerSpec.Ports = append([]int(nil), s.Blueprint.ContainerSpec.Ports...)
	if s.Blueprint.ContainerSpec.Environment != nil {
		env := make(map[string]string, len(s.Blueprint.ContainerSpec.Environment))
		for k, v := range s.Blueprint.ContainerSpec.Environment {
			env[k] = v
		}
		out.Blueprint.ContainerSpec.Environment = env
	}
	out.Guardrail.Checks = append([]GuardrailCheck(nil), s.Guardrail.Checks...)
	out.Steps = CloneSteps(s.Steps)
	out.TeardownSteps = CloneSteps(s.TeardownSteps)
	out.ActiveSince = cloneTime(s.ActiveSince)
	out.TTLDeadline = cloneTime(s.TTLDeadline)
	out.ActivityLog = append([]ActivityEntry(nil), s.ActivityLog...)
	out.Artifacts = append([]Artifact(nil), s.Artifacts...)
	out.Deliveries = make([]Delivery, len(s.Deliveries))
	for i, d := range s.Deliveries {
		d.ExpiresAt = cloneTime(d.ExpiresAt)
		out.Deliveries[i] = d
	}
	if s.EvidencePackage != nil {
		pkg := *s.EvidencePackage
		pkg.Artifacts = append([]Artifact(nil), s.EvidencePackage.Artifacts...)
		pkg.Manifest.Artifacts = append([]ManifestEntry(nil), s.EvidencePackage.Manifest.Artifacts...)
		out.EvidencePackage = &pkg
	}
	return &out
}

// CloneSteps deep-copies a step slice
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, st := range steps {
		if st.Progress != nil {
			p := *st.Progress
			st.Progress = &p
		}
		st.StartedAt = cloneTime(st.StartedAt)
		st.FinishedAt = cloneTime(st.FinishedAt)
		out[i] = st
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
