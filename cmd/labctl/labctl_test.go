package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/pkg/errors"
)

type recorded struct {
	method string
	path   string
	user   string
	tier   string
	bearer string
	body   map[string]interface{}
}

func fakeAPI(t *testing.T, status int, response interface{}) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method: r.Method,
			path:   r.URL.RequestURI(),
			user:   r.Header.Get(auth.HeaderUserID),
			tier:   r.Header.Get(auth.HeaderTier),
			bearer: r.Header.Get("Authorization"),
		}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		calls = append(calls, rec)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var activeSession = map[string]interface{}{
	"session": map[string]interface{}{
		"id":                "s1",
		"state":             "Active",
		"remaining_seconds": 3600,
		"blueprint":         map[string]interface{}{"ref": "log4j-2.14.1", "cve": "CVE-2021-44228", "severity": "CRITICAL"},
		"steps": []map[string]interface{}{
			{"id": 1, "name": "Resolve Blueprint", "status": "done"},
		},
	},
}

func TestRequest_SendsDevHeaders(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusCreated, activeSession)

	out, err := run(t, "--server", srv.URL, "--user", "alice", "--tier", "admin",
		"request", "log4j-2.14.1", "--approval-token", "CHG-9")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/api/labs", c.path)
	assert.Equal(t, "alice", c.user)
	assert.Equal(t, "admin", c.tier)
	assert.Equal(t, "log4j-2.14.1", c.body["blueprint_ref"])
	assert.Equal(t, "CHG-9", c.body["approval_token"])

	assert.Contains(t, out, "Session:   s1")
	assert.Contains(t, out, "Remaining: 1h0m0s")
	assert.Contains(t, out, "Resolve Blueprint")
}

func TestExtend_UsesBearerToken(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK, activeSession)

	_, err := run(t, "--server", srv.URL, "--token", "tok", "extend", "s1", "-m", "45")
	require.NoError(t, err)

	c := (*calls)[0]
	assert.Equal(t, "/api/labs/s1/extend", c.path)
	assert.Equal(t, "Bearer tok", c.bearer)
	assert.Empty(t, c.user)
	assert.Equal(t, float64(45), c.body["minutes"])
}

func TestAPIErrorsSurfaceAsAppErrors(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusConflict, map[string]interface{}{
		"error": map[string]interface{}{
			"code":     "GUARDRAIL_REJECTION",
			"message":  "You already have an active lab",
			"metadata": map[string]interface{}{"reason": "ConcurrencyLimitExceeded"},
		},
	})

	_, err := run(t, "--server", srv.URL, "--user", "alice", "request", "log4j-2.14.1")
	require.Error(t, err)
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrGuardrailRejection, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.StatusCode)
}

func TestListJSONOutput(t *testing.T) {
	srv, calls := fakeAPI(t, http.StatusOK, map[string]interface{}{
		"sessions": []interface{}{activeSession["session"]},
	})

	out, err := run(t, "--server", srv.URL, "--user", "alice", "-o", "json", "list", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, "/api/labs?limit=5&offset=0", (*calls)[0].path)

	var sessions []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0]["id"])
}

func TestRequiresIdentity(t *testing.T) {
	t.Setenv("LABCTL_USER", "")
	t.Setenv("LABCTL_TOKEN", "")
	_, err := run(t, "list")
	assert.Error(t, err)
}
