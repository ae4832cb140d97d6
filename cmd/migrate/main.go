package main

import (
	"context"
	"fmt"
	"log"

	"github.com/zerozero/octolab/internal/app"
	"github.com/zerozero/octolab/pkg/logger"
)

// migrate creates the session tables for the configured database and prints
// what is there afterwards.
func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if cfg.Database.Driver == "" || cfg.Database.Driver == "memory" {
		log.Fatal("DATABASE_DRIVER is memory; nothing to migrate")
	}

	// Opening the store runs AutoMigrate for postgres and the schema for sqlite
	store, err := app.OpenSessionStore(ctx, cfg, logger.New(cfg.App.LogLevel))
	if err != nil {
		log.Fatal("Failed to migrate:", err)
	}
	defer store.Close()

	fmt.Printf("✓ Session store ready (%s)\n", cfg.Database.Driver)
	if store.Pool == nil {
		return
	}

	rows, err := store.Pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		ORDER BY table_name
	`)
	if err != nil {
		log.Fatal("Failed to query tables:", err)
	}
	defer rows.Close()

	fmt.Println("\nTables:")
	count := 0
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			log.Fatal("Failed to scan:", err)
		}
		count++
		fmt.Printf("%d. %s\n", count, tableName)
	}
	if err := rows.Err(); err != nil {
		log.Fatal("Failed to read tables:", err)
	}

	fmt.Println("\nSessions by state:")
	stateRows, err := store.Pool.Query(ctx, `SELECT state, count(*) FROM lab_sessions GROUP BY state ORDER BY state`)
	if err != nil {
		log.Fatal("Failed to count sessions:", err)
	}
	defer stateRows.Close()
	for stateRows.Next() {
		var state string
		var n int64
		if err := stateRows.Scan(&state, &n); err != nil {
			log.Fatal("Failed to scan:", err)
		}
		fmt.Printf("  %-16s %d\n", state, n)
	}
}
