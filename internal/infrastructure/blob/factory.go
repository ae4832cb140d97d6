package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/zerozero/octolab/pkg/config"
)

// Open constructs the store selected by cfg.BlobDriver.
func Open(ctx context.Context, cfg config.EvidenceConfig) (Store, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(cfg.BlobDriver))) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFilesystem:
		return NewFSStore(cfg.FSRoot)
	case DriverS3:
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3UsePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.BlobDriver)
	}
}
