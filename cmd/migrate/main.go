package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/ovaphlow/pitchfork/service-intake/internal/config"
	"github.com/ovaphlow/pitchfork/service-intake/internal/migrations"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/database"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Int("version", -1, "Target version (for force command)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if cfg.DBDriver != database.DriverPostgres {
		sugar.Fatalf("migrations only work with postgres, current driver: %s", cfg.DBDriver)
	}

	m, err := migrations.New(cfg.DatabaseURL)
	if err != nil {
		sugar.Fatalf("migrate init: %v", err)
	}
	defer m.Close()

	switch *command {
	case "up":
		err = step(m, *steps, true)
	case "down":
		err = step(m, *steps, false)
	case "version":
		v, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			sugar.Info("no migrations applied")
			return
		}
		if verr != nil {
			sugar.Fatalf("migrate version: %v", verr)
		}
		sugar.Infow("current migration version", "version", v, "dirty", dirty)
		return
	case "force":
		if *version < 0 {
			sugar.Fatal("version required for force command (use -version flag)")
		}
		err = m.Force(*version)
	default:
		sugar.Fatalf("unknown command: %s (supported: up, down, version, force)", *command)
	}
	if err != nil {
		sugar.Fatalf("migrate %s: %v", *command, err)
	}
	v, dirty, _ := m.Version()
	sugar.Infow("migration complete", "command", *command, "version", v, "dirty", dirty)
}

func step(m *migrate.Migrate, steps int, up bool) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
