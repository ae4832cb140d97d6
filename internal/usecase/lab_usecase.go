package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/services"
	"github.com/zerozero/octolab/internal/orchestrator/guardrail"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// maxExtendMinutes bounds a single extension request; the tier limit is
	// enforced by the orchestrator
	maxExtendMinutes = 8 * 60
)

// Orchestrator is the lifecycle core the use case delegates to
type Orchestrator interface {
	Submit(ctx context.Context, p entity.Principal, bp entity.Blueprint, approvalToken string) (*entity.LabSession, error)
	Approve(ctx context.Context, sessionID, reviewer string) (*entity.LabSession, error)
	Deny(ctx context.Context, sessionID, reviewer, reason string) (*entity.LabSession, error)
	CancelProvisioning(ctx context.Context, sessionID, by string) (*entity.LabSession, error)
	End(ctx context.Context, sessionID, by, notes string) (*entity.LabSession, error)
	Extend(ctx context.Context, sessionID, by string, d time.Duration) (*entity.LabSession, error)
	RecordActivity(ctx context.Context, sessionID, kind, message, by string, ts *time.Time) (entity.ActivityEntry, error)
	Share(ctx context.Context, sessionID string, dest entity.Destination) (entity.Delivery, error)
	Get(ctx context.Context, sessionID string) (*entity.LabSession, error)
	ActiveSession(ctx context.Context, userID string) (*entity.LabSession, bool, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*entity.LabSession, error)
}

// LabUseCase handles lab session business logic on behalf of an authenticated principal
type LabUseCase interface {
	// GetContext returns the quick picks, guardrail limits and the caller's active session
	GetContext(ctx context.Context, p entity.Principal) (*LabContext, error)

	// Submit resolves the blueprint and submits a lab request
	Submit(ctx context.Context, p entity.Principal, input *SubmitLabInput) (*entity.LabSession, error)

	// Get retrieves a session the caller may see
	Get(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error)

	// List returns the caller's sessions, newest first
	List(ctx context.Context, p entity.Principal, limit, offset int) ([]*entity.LabSession, error)

	// Approve and Deny are reviewer actions on a PendingApproval session
	Approve(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error)
	Deny(ctx context.Context, p entity.Principal, sessionID, reason string) (*entity.LabSession, error)

	// Cancel stops provisioning
	Cancel(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error)

	// End finishes an Active session and starts teardown
	End(ctx context.Context, p entity.Principal, sessionID, notes string) (*entity.LabSession, error)

	// Extend pushes the TTL deadline out
	Extend(ctx context.Context, p entity.Principal, sessionID string, minutes int) (*entity.LabSession, error)

	// RecordActivity appends session telemetry
	RecordActivity(ctx context.Context, p entity.Principal, sessionID string, input *RecordActivityInput) (entity.ActivityEntry, error)

	// Share delivers the evidence package of a Delivered session
	Share(ctx context.Context, p entity.Principal, sessionID string, dest entity.Destination) (entity.Delivery, error)
}

// labUseCase is the concrete implementation
type labUseCase struct {
	orchestrator Orchestrator
	catalog      services.BlueprintCatalog
	labCfg       config.LabConfig
	logger       logger.Logger
}

// NewLabUseCase creates a new lab use case
func NewLabUseCase(
	orchestrator Orchestrator,
	catalog services.BlueprintCatalog,
	labCfg config.LabConfig,
	logger logger.Logger,
) LabUseCase {
	return &labUseCase{
		orchestrator: orchestrator,
		catalog:      catalog,
		labCfg:       labCfg,
		logger:       logger,
	}
}

// GuardrailLimits describes the policy applied to the caller
type GuardrailLimits struct {
	MaxActiveSessions   int                  `json:"max_active_sessions"`
	DefaultTTLMinutes   int                  `json:"default_ttl_minutes"`
	MaxTTLMinutes       int                  `json:"max_ttl_minutes"`
	ApprovalRequiredFor []entity.LabSeverity `json:"approval_required_for"`
	CanRequest          bool                 `json:"can_request"`
}

// LabContext contains context data for the request lab page
type LabContext struct {
	QuickPicks []entity.Blueprint `json:"quick_picks"`
	Guardrails GuardrailLimits    `json:"guardrails"`
	ActiveLab  *entity.LabSession `json:"active_lab,omitempty"`
	Principal  entity.Principal   `json:"principal"`
}

// SubmitLabInput represents input for submitting a lab request
type SubmitLabInput struct {
	BlueprintRef  string `json:"blueprint_ref"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// RecordActivityInput represents a telemetry event
type RecordActivityInput struct {
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	Actor     string     `json:"actor,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// GetContext implements LabUseCase
func (uc *labUseCase) GetContext(ctx context.Context, p entity.Principal) (*LabContext, error) {
	active, ok, err := uc.orchestrator.ActiveSession(ctx, p.UserID)
	if err != nil {
		uc.logger.Error("Failed to get active session", logger.String("user_id", p.UserID), logger.Error(err))
		return nil, err
	}
	if !ok {
		active = nil
	}

	return &LabContext{
		QuickPicks: uc.catalog.List(ctx),
		Guardrails: GuardrailLimits{
			MaxActiveSessions:   guardrail.MaxActiveSessions,
			DefaultTTLMinutes:   int(uc.labCfg.DefaultTTL / time.Minute),
			MaxTTLMinutes:       int(uc.labCfg.MaxTTL(p.IsAdmin()) / time.Minute),
			ApprovalRequiredFor: []entity.LabSeverity{entity.LabSeverityHigh, entity.LabSeverityCritical},
			CanRequest:          active == nil,
		},
		ActiveLab: active,
		Principal: p,
	}, nil
}

// Submit implements LabUseCase
func (uc *labUseCase) Submit(ctx context.Context, p entity.Principal, input *SubmitLabInput) (*entity.LabSession, error) {
	if input == nil || strings.TrimSpace(input.BlueprintRef) == "" {
		return nil, errors.NewValidation("blueprint_ref is required")
	}

	bp, err := uc.catalog.Resolve(ctx, input.BlueprintRef)
	if err != nil {
		return nil, err
	}

	s, err := uc.orchestrator.Submit(ctx, p, *bp, strings.TrimSpace(input.ApprovalToken))
	if err != nil {
		return nil, err
	}

	uc.logger.Info("Lab request submitted",
		logger.String("session_id", s.ID),
		logger.String("user_id", p.UserID),
		logger.String("blueprint", bp.Ref),
		logger.String("state", string(s.State)),
	)
	return s, nil
}

// Get implements LabUseCase
func (uc *labUseCase) Get(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error) {
	s, err := uc.orchestrator.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Request.UserID != p.UserID && !p.IsAdmin() {
		return nil, errors.NewForbidden("You do not have access to this lab session").
			WithMetadata("session_id", sessionID)
	}
	return s, nil
}

// authorizeOwner loads the session and checks the caller owns it
func (uc *labUseCase) authorizeOwner(ctx context.Context, p entity.Principal, sessionID string) error {
	s, err := uc.orchestrator.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Request.UserID != p.UserID {
		uc.logger.Warn("Rejected action on another user's session",
			logger.String("session_id", sessionID),
			logger.String("user_id", p.UserID))
		return errors.NewForbidden("Only the session owner can do this").
			WithMetadata("session_id", sessionID)
	}
	return nil
}

func requireReviewer(p entity.Principal, sessionID string) error {
	if !p.IsAdmin() {
		return errors.NewForbidden("Only admins can review lab requests").
			WithMetadata("session_id", sessionID)
	}
	return nil
}

// List implements LabUseCase
func (uc *labUseCase) List(ctx context.Context, p entity.Principal, limit, offset int) ([]*entity.LabSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return uc.orchestrator.List(ctx, p.UserID, limit, offset)
}

// Approve implements LabUseCase
func (uc *labUseCase) Approve(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error) {
	if err := requireReviewer(p, sessionID); err != nil {
		return nil, err
	}
	s, err := uc.orchestrator.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Request.UserID == p.UserID {
		uc.logger.Warn("Rejected self-approval",
			logger.String("session_id", sessionID),
			logger.String("user_id", p.UserID))
		return nil, errors.NewForbidden("Reviewers cannot approve their own lab request").
			WithMetadata("session_id", sessionID)
	}
	return uc.orchestrator.Approve(ctx, sessionID, p.UserID)
}

// Deny implements LabUseCase
func (uc *labUseCase) Deny(ctx context.Context, p entity.Principal, sessionID, reason string) (*entity.LabSession, error) {
	if err := requireReviewer(p, sessionID); err != nil {
		return nil, err
	}
	return uc.orchestrator.Deny(ctx, sessionID, p.UserID, reason)
}

// Cancel implements LabUseCase
func (uc *labUseCase) Cancel(ctx context.Context, p entity.Principal, sessionID string) (*entity.LabSession, error) {
	if err := uc.authorizeOwner(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return uc.orchestrator.CancelProvisioning(ctx, sessionID, p.UserID)
}

// End implements LabUseCase
func (uc *labUseCase) End(ctx context.Context, p entity.Principal, sessionID, notes string) (*entity.LabSession, error) {
	if err := uc.authorizeOwner(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return uc.orchestrator.End(ctx, sessionID, p.UserID, notes)
}

// Extend implements LabUseCase
func (uc *labUseCase) Extend(ctx context.Context, p entity.Principal, sessionID string, minutes int) (*entity.LabSession, error) {
	if minutes <= 0 || minutes > maxExtendMinutes {
		return nil, errors.NewValidation("minutes must be between 1 and 480").
			WithMetadata("minutes", minutes)
	}
	if err := uc.authorizeOwner(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return uc.orchestrator.Extend(ctx, sessionID, p.UserID, time.Duration(minutes)*time.Minute)
}

// RecordActivity implements LabUseCase
func (uc *labUseCase) RecordActivity(ctx context.Context, p entity.Principal, sessionID string, input *RecordActivityInput) (entity.ActivityEntry, error) {
	if input == nil {
		return entity.ActivityEntry{}, errors.NewValidation("activity body is required")
	}
	if err := uc.authorizeOwner(ctx, p, sessionID); err != nil {
		return entity.ActivityEntry{}, err
	}
	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		actor = p.UserID
	}
	return uc.orchestrator.RecordActivity(ctx, sessionID, strings.TrimSpace(input.Kind), input.Message, actor, input.Timestamp)
}

// Share implements LabUseCase
func (uc *labUseCase) Share(ctx context.Context, p entity.Principal, sessionID string, dest entity.Destination) (entity.Delivery, error) {
	if err := uc.authorizeOwner(ctx, p, sessionID); err != nil {
		return entity.Delivery{}, err
	}
	if dest.Kind == "" {
		dest.Kind = entity.DestinationLink
	}
	return uc.orchestrator.Share(ctx, sessionID, dest)
}
