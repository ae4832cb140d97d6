package entity

import (
	"strings"
	"time"
)

// LabSeverity represents the severity level of a CVE
type LabSeverity string

const (
	LabSeverityLow      LabSeverity = "LOW"
	LabSeverityMedium   LabSeverity = "MEDIUM"
	LabSeverityHigh     LabSeverity = "HIGH"
	LabSeverityCritical LabSeverity = "CRITICAL"
)

// ParseSeverity normalizes a severity label, accepting any case
func ParseSeverity(s string) (LabSeverity, bool) {
	switch sev := LabSeverity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case LabSeverityLow, LabSeverityMedium, LabSeverityHigh, LabSeverityCritical:
		return sev, true
	default:
		return "", false
	}
}

// RequiresApproval checks if this severity level requires approval
func (s LabSeverity) RequiresApproval() bool {
	return s == LabSeverityHigh || s == LabSeverityCritical
}

// String implements the Stringer interface for LabSeverity
func (s LabSeverity) String() string {
	return string(s)
}

// ContainerSpec describes the target container bundle
type ContainerSpec struct {
	Image       string            `json:"image" yaml:"image"`
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Ports       []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Blueprint is the immutable descriptor of a target environment.
type Blueprint struct {
	Ref               string        `json:"ref" yaml:"ref"`
	CVE               string        `json:"cve" yaml:"cve"`
	Product           string        `json:"product" yaml:"product"`
	Version           string        `json:"version" yaml:"version"`
	Severity          LabSeverity   `json:"severity" yaml:"severity"`
	ContainerSpec     ContainerSpec `json:"container_spec" yaml:"container_spec"`
	Dependencies      []string      `json:"dependencies" yaml:"dependencies"`
	PocReference      string        `json:"poc_reference" yaml:"poc_reference"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	CostCredits       int           `json:"cost_credits" yaml:"cost_credits"`
}

// Validate validates the blueprint descriptor
func (b *Blueprint) Validate() error {
	if b.Ref == "" {
		return NewValidationError("ref", "Blueprint ref is required")
	}
	if b.CVE == "" {
		return NewValidationError("cve", "CVE is required")
	}
	if _, ok := ParseSeverity(string(b.Severity)); !ok {
		return NewValidationError("severity", "Severity must be one of LOW, MEDIUM, HIGH, CRITICAL")
	}
	if b.ContainerSpec.Image == "" {
		return NewValidationError("container_spec.image", "Container image is required")
	}
	if b.CostCredits < 0 {
		return NewValidationError("cost_credits", "Cost cannot be negative")
	}
	return nil
}

// Title returns a human readable label for the blueprint
func (b *Blueprint) Title() string {
	if b.Product == "" {
		return b.CVE
	}
	return b.Product + " " + b.Version + " (" + b.CVE + ")"
}
