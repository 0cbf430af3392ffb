// cmd/main.go is the application entry point.
// It wires together all layers behind the careerday command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/career-day/internal/config"
	"github.com/Shivanand-hulikatti/career-day/internal/database"
	"github.com/Shivanand-hulikatti/career-day/internal/handler"
	"github.com/Shivanand-hulikatti/career-day/internal/repository/postgres"
	"github.com/Shivanand-hulikatti/career-day/internal/repository/postgrest"
	"github.com/Shivanand-hulikatti/career-day/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/career-day/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "careerday",
		Short:         "Career day talk enrollment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newImportCmd(),
		newStatsCmd(),
		newExportCmd(),
	)
	return root
}

// setup loads configuration and configures the standard logger from it.
func setup() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logrus.StandardLogger()
	if err := configureLogger(log, cfg.Log); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func configureLogger(log *logrus.Logger, cfg config.Log) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.Format)
	}
	return nil
}

// store is what the commands need from any backend.
type store interface {
	service.Store
	handler.Pinger
}

// openStore connects the backend selected by STORE_DRIVER. The returned
// func releases it.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("host", cfg.Postgres.Host).Info("connected to PostgreSQL")
		return postgres.NewStore(pool), pool.Close, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.SQLite.Path).Info("opened SQLite database")
		return s, func() { _ = s.Close() }, nil

	case config.DriverPostgREST:
		s, err := postgrest.New(cfg.PostgREST.URL, cfg.PostgREST.APIKey)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("url", cfg.PostgREST.URL).Info("using PostgREST backend")
		return s, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// openPool is used by commands that only make sense against PostgreSQL.
func openPool(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*pgxpool.Pool, error) {
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, fmt.Errorf("this command needs STORE_DRIVER=%s, got %s", config.DriverPostgres, cfg.StoreDriver)
	}
	return database.NewPool(ctx, cfg.Postgres, log)
}

func newService(s service.Store, cfg config.Config, log logrus.FieldLogger, opts ...service.Option) *service.EnrollmentService {
	opts = append([]service.Option{
		service.WithTimeout(cfg.StoreTimeout),
		service.WithLogger(log),
	}, opts...)
	return service.NewEnrollmentService(s, opts...)
}
