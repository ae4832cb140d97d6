package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/internal/usecase"
	"github.com/zerozero/octolab/pkg/errors"
)

type credentials struct {
	token string
	user  string
	tier  string
}

// apiClient is a thin JSON client for the /api/labs routes
type apiClient struct {
	baseURL string
	http    *http.Client
	creds   credentials
}

func newAPIClient(baseURL string, timeout time.Duration, creds credentials) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
	}
}

type sessionEnvelope struct {
	Session *sessionView `json:"session"`
}

// sessionView is the session payload plus the server-computed countdown
type sessionView struct {
	entity.LabSession
	UserID           string `json:"user_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

type labContextView struct {
	QuickPicks []entity.Blueprint      `json:"quick_picks"`
	Guardrails usecase.GuardrailLimits `json:"guardrails"`
	ActiveLab  *sessionView            `json:"active_lab"`
	Principal  entity.Principal        `json:"principal"`
}

func (c *apiClient) labContext(ctx context.Context) (*labContextView, error) {
	var out labContextView
	if err := c.do(ctx, http.MethodGet, "/api/labs/context", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) list(ctx context.Context, limit, offset int) ([]*sessionView, error) {
	var out struct {
		Sessions []*sessionView `json:"sessions"`
	}
	path := fmt.Sprintf("/api/labs?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *apiClient) get(ctx context.Context, id string) (*sessionView, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/labs/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *apiClient) submit(ctx context.Context, in usecase.SubmitLabInput) (*sessionView, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/labs", in, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

// action posts to /api/labs/:id/<verb> and returns the updated session
func (c *apiClient) action(ctx context.Context, id, verb string, body interface{}) (*sessionView, error) {
	var out sessionEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/labs/"+id+"/"+verb, body, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *apiClient) recordActivity(ctx context.Context, id string, in usecase.RecordActivityInput) (*entity.ActivityEntry, error) {
	var out struct {
		Entry *entity.ActivityEntry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/labs/"+id+"/activity", in, &out); err != nil {
		return nil, err
	}
	return out.Entry, nil
}

func (c *apiClient) share(ctx context.Context, id string, dest entity.Destination) (*entity.Delivery, error) {
	var out struct {
		Delivery *entity.Delivery `json:"delivery"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/labs/"+id+"/share", dest, &out); err != nil {
		return nil, err
	}
	return out.Delivery, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.token)
	} else {
		req.Header.Set(auth.HeaderUserID, c.creds.user)
		if c.creds.tier != "" {
			req.Header.Set(auth.HeaderTier, c.creds.tier)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error *errors.AppError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error == nil {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
