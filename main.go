package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/app"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/capability"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/config"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/database"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/delivery/httpd"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/pkg/logger"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrations(os.Args[2:])
			return
		case "worker":
			run(false)
			return
		case "token":
			issueToken(os.Args[2:])
			return
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "usage: %s [serve|worker|migrate up|down|force N|token ACTOR ROLE [TTL]]\n", os.Args[0])
			os.Exit(2)
		}
	}
	run(true)
}

func setup() (*config.Config, zerolog.Logger) {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	return cfg, logger.NewWithConfig(cfg.Logging.Level, cfg.Logging.Pretty, cfg.Logging.NoColor)
}

// run starts the service. With serveHTTP false only the submission worker
// and the screening tasks it starts are run.
func run(serveHTTP bool) {
	cfg, log := setup()

	application, err := app.New(cfg, log, version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if cfg.RabbitMQ.Enabled || !serveHTTP {
		if err := application.StartWorker(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start submission worker")
		}
	}

	if serveHTTP {
		go func() {
			if err := application.Run(); err != nil {
				log.Error().Err(err).Msg("HTTP server failed")
				stop()
			}
		}()
		log.Info().Str("version", version).Msgf("Manuscript Service started on %s", cfg.Server.Address)
	} else {
		log.Info().Str("version", version).Msg("Manuscript submission worker started")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down Manuscript Service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown gracefully")
	}

	log.Info().Msg("Manuscript Service stopped")
}

func runMigrations(args []string) {
	cfg, log := setup()

	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}

	migrator, err := database.NewMigrator(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrator")
	}

	switch direction {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied successfully")
	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("Failed to rollback migrations")
		}
		log.Info().Msg("Migrations rolled back successfully")
	case "force":
		if len(args) < 2 {
			log.Fatal().Msg("Usage: migrate force VERSION")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid migration version")
		}
		if err := migrator.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Failed to force migration version")
		}
		log.Info().Int("version", v).Msg("Migration version forced")
	default:
		log.Fatal().Msg("Invalid migration direction. Use 'up', 'down' or 'force'")
	}
}

// issueToken prints a signed bearer token for local testing and operators.
func issueToken(args []string) {
	cfg, log := setup()

	if len(args) < 2 {
		log.Fatal().Msg("Usage: token ACTOR_ID ROLE [TTL]")
	}
	role, err := capability.ParseRole(args[1])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid role")
	}
	ttl := 24 * time.Hour
	if len(args) > 2 {
		if ttl, err = time.ParseDuration(args[2]); err != nil {
			log.Fatal().Err(err).Msg("Invalid TTL")
		}
	}

	token, err := httpd.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).IssueToken(args[0], role, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}
	fmt.Println(token)
}
