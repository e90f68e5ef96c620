package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sideline-chat/config"
	"sideline-chat/internal/repository"
	"sideline-chat/pkg/database"
)

const usage = `
Sideline Chat - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Create the messaging schema (idempotent)
  down        Drop the messaging schema
  status      Show connection status and table row counts
  reset       Drop and re-create the schema (DANGEROUS)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	cfg := config.LoadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, db)
	case "down":
		runMigrationsDown(ctx, db)
	case "status":
		showStatus(ctx, db)
	case "reset":
		runReset(ctx, db)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, db *sql.DB) {
	log.Println("🚀 Running migrations UP...")

	if err := repository.InitSchema(ctx, db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migrations completed successfully!")
}

func runMigrationsDown(ctx context.Context, db *sql.DB) {
	log.Println("⬇️  Rolling back migrations...")

	if err := repository.DropSchema(ctx, db); err != nil {
		log.Fatalf("❌ Rollback failed: %v", err)
	}

	log.Println("✅ Rollback completed successfully!")
}

func showStatus(ctx context.Context, db *sql.DB) {
	log.Println("🔍 Checking database status...")

	if err := database.HealthCheck(ctx, db); err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	log.Println("✅ Database connection: OK")

	for _, table := range repository.SchemaTables() {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			log.Printf("⚠️  Error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("❌ Table %-20s does not exist", table)
			continue
		}
		var count int64
		// table names come from SchemaTables, never from input
		_ = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)
		log.Printf("✅ Table %-20s exists (%d rows)", table, count)
	}
}

func runReset(ctx context.Context, db *sql.DB) {
	log.Println("⚠️  WARNING: This will DROP all tables and re-create them!")

	log.Println("🗑️  Dropping all tables...")
	if err := repository.DropSchema(ctx, db); err != nil {
		log.Fatalf("❌ Failed to drop tables: %v", err)
	}

	log.Println("🚀 Running migrations...")
	if err := repository.InitSchema(ctx, db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Database reset completed!")
}
