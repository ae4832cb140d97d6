package entity

// Tier represents the account tier of a principal
type Tier string

const (
	TierStandard Tier = "standard"
	TierAdmin    Tier = "admin"
)

// ParseTier maps an identity-provider claim onto a Tier, defaulting to standard
func ParseTier(s string) Tier {
	if Tier(s) == TierAdmin {
		return TierAdmin
	}
	return TierStandard
}

// Principal is the authenticated caller as supplied by the identity provider
type Principal struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
	Email  string `json:"email,omitempty"`
}

// IsAdmin reports whether the principal may act as a reviewer
func (p Principal) IsAdmin() bool {
	return p.Tier == TierAdmin
}

// Validate validates the principal
func (p Principal) Validate() error {
	if p.UserID == "" {
		return NewValidationError("user_id", "User ID is required")
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Message
}
