package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zerozero/octolab/internal/domain/repository"
	"github.com/zerozero/octolab/internal/infrastructure/db"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/logger"
)

// Store bundles the session repository with the handles that back it
type Store struct {
	Repo repository.SessionRepository
	// Pool is set for the postgres driver and backs the health check
	Pool  *pgxpool.Pool
	close []func()
}

// Close releases every handle opened for the store
func (s *Store) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
}

// ConnectDatabase establishes a connection to the database
func ConnectDatabase(cfg *config.Config, log logger.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnLifetime = time.Duration(cfg.Database.ConnMaxLifetime) * time.Second

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, err
	}

	// Ping database to verify connection
	if err := dbPool.Ping(context.Background()); err != nil {
		dbPool.Close()
		return nil, err
	}

	log.Info("Connected to database")
	return dbPool, nil
}

// ConnectGORMDatabase opens the GORM handle used by the session repository
func ConnectGORMDatabase(cfg *config.Config, log logger.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.App.Debug {
		level = gormlogger.Info
	}
	gdb, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	log.Info("Connected to database with GORM")
	return gdb, nil
}

// OpenSessionStore builds the repository selected by DATABASE_DRIVER
func OpenSessionStore(ctx context.Context, cfg *config.Config, log logger.Logger) (*Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		log.Info("Using in-memory session store")
		return &Store{Repo: db.NewMemoryRepository()}, nil

	case "sqlite":
		repo, err := db.NewSQLiteRepository(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("Using sqlite session store", logger.String("path", cfg.Database.SQLitePath))
		return &Store{Repo: repo, close: []func(){func() { _ = repo.Close() }}}, nil

	case "postgres":
		pool, err := ConnectDatabase(cfg, log)
		if err != nil {
			return nil, err
		}
		store := &Store{Pool: pool, close: []func(){pool.Close}}

		gdb, err := ConnectGORMDatabase(cfg, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			store.close = append(store.close, func() { _ = sqlDB.Close() })
		}

		repo := db.NewSessionRepository(gdb)
		if err := repo.AutoMigrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		store.Repo = repo
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
