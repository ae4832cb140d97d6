package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/internal/usecase"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

// stubLabUseCase answers every call from canned values
type stubLabUseCase struct {
	session  *entity.LabSession
	err      error
	caller   entity.Principal
	minutes  int
	reason   string
	limit    int
	offset   int
	submit   *usecase.SubmitLabInput
	activity *usecase.RecordActivityInput
	dest     entity.Destination
}

func (s *stubLabUseCase) respond(p entity.Principal) (*entity.LabSession, error) {
	s.caller = p
	return s.session, s.err
}

func (s *stubLabUseCase) GetContext(_ context.Context, p entity.Principal) (*usecase.LabContext, error) {
	s.caller = p
	if s.err != nil {
		return nil, s.err
	}
	return &usecase.LabContext{
		QuickPicks: []entity.Blueprint{{Ref: "log4j-2.14.1"}},
		Guardrails: usecase.GuardrailLimits{MaxActiveSessions: 1, CanRequest: s.session == nil},
		ActiveLab:  s.session,
		Principal:  p,
	}, nil
}

func (s *stubLabUseCase) Submit(_ context.Context, p entity.Principal, in *usecase.SubmitLabInput) (*entity.LabSession, error) {
	s.submit = in
	return s.respond(p)
}

func (s *stubLabUseCase) Get(_ context.Context, p entity.Principal, _ string) (*entity.LabSession, error) {
	return s.respond(p)
}

func (s *stubLabUseCase) List(_ context.Context, p entity.Principal, limit, offset int) ([]*entity.LabSession, error) {
	s.caller, s.limit, s.offset = p, limit, offset
	if s.session == nil {
		return nil, s.err
	}
	return []*entity.LabSession{s.session}, s.err
}

func (s *stubLabUseCase) Approve(_ context.Context, p entity.Principal, _ string) (*entity.LabSession, error) {
	return s.respond(p)
}

func (s *stubLabUseCase) Deny(_ context.Context, p entity.Principal, _, reason string) (*entity.LabSession, error) {
	s.reason = reason
	return s.respond(p)
}

func (s *stubLabUseCase) Cancel(_ context.Context, p entity.Principal, _ string) (*entity.LabSession, error) {
	return s.respond(p)
}

func (s *stubLabUseCase) End(_ context.Context, p entity.Principal, _, notes string) (*entity.LabSession, error) {
	s.reason = notes
	return s.respond(p)
}

func (s *stubLabUseCase) Extend(_ context.Context, p entity.Principal, _ string, minutes int) (*entity.LabSession, error) {
	s.minutes = minutes
	return s.respond(p)
}

func (s *stubLabUseCase) RecordActivity(_ context.Context, p entity.Principal, _ string, in *usecase.RecordActivityInput) (entity.ActivityEntry, error) {
	s.caller, s.activity = p, in
	return entity.ActivityEntry{Sequence: 1, Kind: in.Kind, Message: in.Message}, s.err
}

func (s *stubLabUseCase) Share(_ context.Context, p entity.Principal, _ string, dest entity.Destination) (entity.Delivery, error) {
	s.caller, s.dest = p, dest
	return entity.Delivery{Destination: dest, URL: "https://labs.example/e/abc"}, s.err
}

func newTestRouter(uc usecase.LabUseCase) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewLabHandler(uc, logger.NewNop())

	labs := r.Group("/api/labs", auth.NewHeaderAuth(logger.NewNop()).Middleware())
	labs.GET("/context", h.GetContext)
	labs.GET("", h.List)
	labs.POST("", h.Submit)
	labs.GET("/:id", h.GetByID)
	labs.POST("/:id/approve", h.Approve)
	labs.POST("/:id/deny", h.Deny)
	labs.POST("/:id/cancel", h.Cancel)
	labs.POST("/:id/end", h.End)
	labs.POST("/:id/extend", h.Extend)
	labs.POST("/:id/activity", h.RecordActivity)
	labs.POST("/:id/share", h.Share)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, user string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func activeSession() *entity.LabSession {
	deadline := time.Now().Add(time.Hour)
	return &entity.LabSession{
		ID:          "s1",
		Request:     entity.LabRequest{ID: "s1", UserID: "alice", BlueprintRef: "log4j-2.14.1"},
		State:       entity.LabStateActive,
		TTLDeadline: &deadline,
	}
}

func TestLabHandler_RequiresIdentity(t *testing.T) {
	r := newTestRouter(&stubLabUseCase{})
	w, body := do(t, r, http.MethodGet, "/api/labs/context", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(errors.ErrUnauthorized), body["error"].(map[string]interface{})["code"])
}

func TestLabHandler_Submit(t *testing.T) {
	uc := &stubLabUseCase{session: activeSession()}
	r := newTestRouter(uc)

	w, body := do(t, r, http.MethodPost, "/api/labs", gin.H{"blueprint_ref": "log4j-2.14.1", "approval_token": "CHG-7"}, "alice")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", uc.caller.UserID)
	assert.Equal(t, "CHG-7", uc.submit.ApprovalToken)

	session := body["session"].(map[string]interface{})
	assert.Equal(t, "s1", session["id"])
	assert.Equal(t, "alice", session["user_id"])
	assert.Greater(t, session["remaining_seconds"].(float64), float64(3500))
}

func TestLabHandler_SubmitRejectsBadBody(t *testing.T) {
	r := newTestRouter(&stubLabUseCase{})
	req := httptest.NewRequest(http.MethodPost, "/api/labs", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.HeaderUserID, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLabHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   errors.ErrorCode
	}{
		{"not found", errors.NewNotFound("lab session"), http.StatusNotFound, errors.ErrNotFound},
		{"forbidden", errors.NewForbidden("nope"), http.StatusForbidden, errors.ErrForbidden},
		{"guardrail", errors.NewGuardrailRejection("ConcurrencyLimit", "one lab at a time"), http.StatusConflict, errors.ErrGuardrailRejection},
		{"wrapped", errors.NewInvalidStateTransition("Active", "cancel").WithError(context.Canceled), http.StatusConflict, errors.ErrInvalidStateTransition},
		{"plain", context.DeadlineExceeded, http.StatusInternalServerError, errors.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&stubLabUseCase{err: tt.err})
			w, body := do(t, r, http.MethodGet, "/api/labs/s1", nil, "alice")
			assert.Equal(t, tt.status, w.Code)
			e := body["error"].(map[string]interface{})
			assert.Equal(t, string(tt.code), e["code"])
			assert.NotEmpty(t, e["message"])
		})
	}
}

func TestLabHandler_Actions(t *testing.T) {
	uc := &stubLabUseCase{session: activeSession()}
	r := newTestRouter(uc)

	w, _ := do(t, r, http.MethodPost, "/api/labs/s1/extend", gin.H{"minutes": 45}, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 45, uc.minutes)

	w, _ = do(t, r, http.MethodPost, "/api/labs/s1/end", gin.H{"notes": "got a shell"}, "alice")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "got a shell", uc.reason)

	w, _ = do(t, r, http.MethodPost, "/api/labs/s1/cancel", nil, "alice")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/labs/s1/deny", gin.H{"reason": "out of window"}, "root")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "out of window", uc.reason)
	assert.Equal(t, "root", uc.caller.UserID)

	w, body := do(t, r, http.MethodPost, "/api/labs/s1/activity", gin.H{"kind": "command", "message": "id"}, "alice")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "command", body["entry"].(map[string]interface{})["kind"])

	w, body = do(t, r, http.MethodPost, "/api/labs/s1/share", gin.H{"kind": "email", "target": "sec@example.com"}, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.DestinationKind("email"), uc.dest.Kind)
	assert.NotEmpty(t, body["delivery"])
}

func TestLabHandler_ListAndContext(t *testing.T) {
	uc := &stubLabUseCase{session: activeSession()}
	r := newTestRouter(uc)

	w, body := do(t, r, http.MethodGet, "/api/labs?limit=5&offset=10", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, uc.limit)
	assert.Equal(t, 10, uc.offset)
	assert.Len(t, body["sessions"], 1)

	w, body = do(t, r, http.MethodGet, "/api/labs/context", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["quick_picks"], 1)
	assert.NotNil(t, body["active_lab"])
}
