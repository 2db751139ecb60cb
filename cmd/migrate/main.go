// Command migrate applies the database schema.
package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
)

func main() {
	var (
		action  = flag.String("action", "up", "migration action: up, down, version, force")
		steps   = flag.Int("steps", 0, "number of migrations to run (0 = all; down defaults to 1)")
		dir     = flag.String("dir", "migrations", "migrations directory")
		version = flag.Int("version", 0, "target version for force")
	)
	flag.Parse()

	logger := telemetry.SetupLogger("info", "")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://"+*dir, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch *action {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		n := *steps
		if n <= 0 {
			n = 1
		}
		err = m.Steps(-n)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil {
			logger.Error("failed to read version", "error", verr)
			os.Exit(1)
		}
		logger.Info("schema version", "version", v, "dirty", dirty)
		return
	case "force":
		err = m.Force(*version)
	default:
		logger.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no pending migrations")
		return
	}
	if err != nil {
		logger.Error("migration failed", "action", *action, "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "action", *action)
}
