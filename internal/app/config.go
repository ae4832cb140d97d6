package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/zerozero/octolab/pkg/config"
)

// envFiles are loaded from the repository root in order; earlier files win
// because godotenv.Load never overrides variables that are already set.
var envFiles = []string{".env.local", ".env"}

// getRootDir finds the git root directory
func getRootDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}

	// Walk up the directory tree to find git root
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

// LoadConfig loads environment files, then the application configuration,
// and rejects combinations the processes cannot start with.
func LoadConfig() (*config.Config, error) {
	rootDir := getRootDir()
	for _, name := range envFiles {
		envPath := filepath.Join(rootDir, name)
		if err := godotenv.Load(envPath); err == nil {
			log.Printf("Loaded environment from: %s", envPath)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *config.Config) error {
	switch cfg.Database.Driver {
	case "", "memory", "sqlite":
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.Database.Driver)
	}

	if !cfg.Auth.DevHeaderAuth && cfg.Auth.ClerkSecretKey == "" {
		return fmt.Errorf("CLERK_SECRET_KEY is required unless AUTH_DEV_HEADERS is set")
	}
	if cfg.Temporal.Enabled && cfg.Temporal.PollInterval <= 0 {
		return fmt.Errorf("TEMPORAL_POLL_INTERVAL must be positive")
	}
	if cfg.Lab.MaxTTLStandard < cfg.Lab.DefaultTTL {
		return fmt.Errorf("LAB_MAX_TTL_STANDARD (%s) is below LAB_DEFAULT_TTL (%s)", cfg.Lab.MaxTTLStandard, cfg.Lab.DefaultTTL)
	}
	if cfg.Evidence.LinkTTL > cfg.Evidence.PackageRetention {
		log.Printf("Warning: EVIDENCE_LINK_TTL exceeds EVIDENCE_RETENTION; links are capped at the package expiry")
	}
	return nil
}
