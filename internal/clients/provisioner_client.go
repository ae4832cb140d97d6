package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/logger"
)

// Job statuses reported by the provisioner
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// JobStatus is the provisioner's view of a running infrastructure step
type JobStatus struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CurrentStep  string `json:"current_step,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Complete reports whether the job finished successfully
func (s JobStatus) Complete() bool { return s.Status == JobStatusCompleted }

// Failed reports whether the job ended without completing
func (s JobStatus) Failed() bool {
	return s.Status == JobStatusFailed || s.Status == JobStatusCancelled
}

// Artifact is a raw evidence file produced inside the lab environment
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Content []byte `json:"content"`
}

type startJobRequest struct {
	Step      string           `json:"step"`
	Blueprint entity.Blueprint `json:"blueprint"`
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ProvisionerClient talks to the provisioner REST API.
// Used by Temporal activities to drive lab infrastructure.
type ProvisionerClient struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

// NewProvisionerClient creates a new provisioner REST client
func NewProvisionerClient(baseURL string, timeout time.Duration, log logger.Logger) (*ProvisionerClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provisioner base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid provisioner base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log.Info("Provisioner client created", logger.String("base_url", baseURL))

	return &ProvisionerClient{
		baseURL: baseURL,
		log:     log,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// StartJob starts one infrastructure step for a session and returns its job ID
func (c *ProvisionerClient) StartJob(ctx context.Context, sessionID, step string, bp entity.Blueprint) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	path := "/v1/labs/" + url.PathEscape(sessionID) + "/steps/" + url.PathEscape(step)
	if err := c.do(ctx, http.MethodPost, path, startJobRequest{Step: step, Blueprint: bp}, &resp); err != nil {
		c.log.Error("Failed to start provisioner job",
			logger.String("session_id", sessionID),
			logger.String("step", step),
			logger.Error(err))
		return "", fmt.Errorf("failed to start job: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("provisioner returned an empty job id")
	}

	c.log.Info("Provisioner job started",
		logger.String("session_id", sessionID),
		logger.String("step", step),
		logger.String("job_id", resp.JobID))
	return resp.JobID, nil
}

// GetJobStatus queries the status of a job (read-only)
func (c *ProvisionerClient) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	return &status, nil
}

// CancelJob asks the provisioner to stop a running job
func (c *ProvisionerClient) CancelJob(ctx context.Context, jobID, reason string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", cancelJobRequest{Reason: reason}, nil); err != nil {
		c.log.Error("Failed to cancel provisioner job", logger.String("job_id", jobID), logger.Error(err))
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	c.log.Info("Provisioner job cancelled", logger.String("job_id", jobID))
	return nil
}

// StopResources releases every resource held for a session
func (c *ProvisionerClient) StopResources(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/labs/"+url.PathEscape(sessionID)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("failed to stop resources: %w", err)
	}
	return nil
}

// ListArtifacts fetches the raw evidence files of a session
func (c *ProvisionerClient) ListArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	var resp struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/labs/"+url.PathEscape(sessionID)+"/artifacts", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return resp.Artifacts, nil
}

func (c *ProvisionerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
