package main

import (
	"database/sql"
	"errors"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/logging"
	appmigrations "github.com/healthfirst/availability-scheduling/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("cmd", "migrate").Logger()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping db")
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db driver")
	}

	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		log.Fatal().Err(err).Msg("source driver")
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("create migrator")
	}
	defer func() { _, _ = m.Close() }()

	// migrate force <version> | migrate down
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "force":
			if len(os.Args) < 3 {
				log.Fatal().Msg("usage: migrate force <version>")
			}
			version, err := strconv.Atoi(os.Args[2])
			if err != nil {
				log.Fatal().Err(err).Msg("invalid version")
			}
			if err := m.Force(version); err != nil {
				log.Fatal().Err(err).Msg("force version")
			}
			log.Info().Int("version", version).Msg("forced version")
			return
		case "down":
			if err := m.Steps(-1); err != nil {
				log.Fatal().Err(err).Msg("migrate down")
			}
			log.Info().Msg("rolled back one migration")
			return
		case "up":
		default:
			log.Fatal().Str("command", os.Args[1]).Msg("unknown command, expected up, down or force")
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal().Err(err).Msg("migrate up")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Fatal().Err(err).Msg("read version")
	}
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations complete")
}
