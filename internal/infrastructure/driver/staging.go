// Package driver contains the infrastructure drivers that execute lab
// steps: an in-process dry-run driver and a Temporal-backed driver.
package driver

import (
	"context"
	"io"
	"path"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/internal/orchestrator"
)

var tracer = otel.Tracer("github.com/zerozero/octolab/internal/infrastructure/driver")

// Artifact kinds produced by lab environments
const (
	KindExploit    = "exploit"
	KindPcap       = "pcap"
	KindLog        = "log"
	KindScreenshot = "screenshot"
)

func opener(store blob.Store, key string) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		_, rc, err := store.Get(ctx, key)
		return rc, err
	}
}

// EnumerateStaged lists the files staged for a session in the evidence store
func EnumerateStaged(ctx context.Context, store blob.Store, sessionID string) ([]orchestrator.CollectedArtifact, error) {
	infos, err := store.List(ctx, blob.StagingPrefix(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.CollectedArtifact, 0, len(infos))
	for _, inf := range infos {
		name := inf.Metadata["name"]
		if name == "" {
			name = path.Base(inf.Key)
		}
		kind := inf.Metadata["kind"]
		if kind == "" {
			kind = strings.TrimPrefix(path.Ext(name), ".")
		}
		out = append(out, orchestrator.CollectedArtifact{
			Name:        name,
			Kind:        kind,
			CollectedAt: inf.LastModified,
			Open:        opener(store, inf.Key),
		})
	}
	return out, nil
}
