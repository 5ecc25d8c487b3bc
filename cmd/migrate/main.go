package main

// Apply the embedded migrations to the configured store:
//   go run ./cmd/migrate

import (
	"context"
	"database/sql"
	"log"
	"os"

	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/storage/db"
)

func main() {
	cfg := config.MustLoad()
	ctx := context.Background()

	var (
		sqlDB *sql.DB
		err   error
	)
	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	switch cfg.StoreDriver {
	case "memory":
		log.Printf("STORE_DRIVER=memory has nothing to migrate")
		return
	case db.DriverPostgres:
		sqlDB, err = db.Connect(ctx, db.DriverPostgres, cfg.DatabaseURL, opts)
	default:
		sqlDB, err = db.OpenLocal(ctx, cfg.LocalDBPath, opts)
	}
	if err != nil {
		log.Printf("failed to connect database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(ctx, sqlDB, cfg.StoreDriver); err != nil {
		log.Printf("failed to run migrations: %v", err)
		os.Exit(1)
	}
	log.Printf("migrations applied to %s store", cfg.StoreDriver)
}
