package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/txengine/internal/csvio"
	"github.com/MarkoPoloResearchLab/txengine/internal/diagnostics"
	"github.com/MarkoPoloResearchLab/txengine/internal/httpapi"
	"github.com/MarkoPoloResearchLab/txengine/internal/metrics"
	"github.com/MarkoPoloResearchLab/txengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/txengine/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	envPrefix               = "TXENGINE"
	flagLogLevel            = "log-level"
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagMaxBodyBytes        = "max-body-bytes"
	flagExportBackend       = "export-backend"
	configKeyLogLevel       = "log_level"
	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyMaxBodyBytes   = "max_body_bytes"
	configKeyExportBackend  = "export_backend"
	backendGORM             = "gorm"
	backendPGX              = "pgx"
	defaultLogLevel         = "info"
	defaultListenAddr       = ":8080"
	driverPostgres          = "postgres"
	driverSQLite            = "sqlite"
	metricsSourceCLI        = "cli"
)

type runtimeConfig struct {
	LogLevel      string
	DatabaseURL   string
	ExportBackend string
	HTTP          httpapi.Config
}

func main() {
	cmd := newRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "txengine: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "txengine <transactions.csv>",
		Short:         "Replay a transaction feed and print the final account balances as CSV",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runProcess(cmd.Context(), cfg, args[0], stdout, logger)
		},
	}

	cmd.PersistentFlags().String(flagLogLevel, defaultLogLevel, "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "Snapshot export database (postgres:// or sqlite://); empty disables export")
	cmd.PersistentFlags().String(flagExportBackend, backendGORM, "Export backend for PostgreSQL: gorm or pgx")
	cmd.AddCommand(newServeCommand(settings, cfg))

	return cmd
}

func newServeCommand(settings *viper.Viper, cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Serve the HTTP snapshot API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().Int64(flagMaxBodyBytes, 0, "Upload size limit in bytes (0 uses the default)")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	bindings := map[string]string{
		configKeyLogLevel:       flagLogLevel,
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyMaxBodyBytes:   flagMaxBodyBytes,
		configKeyExportBackend:  flagExportBackend,
	}
	for key, flagName := range bindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := settings.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	cfg.LogLevel = settings.GetString(configKeyLogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(configKeyDatabaseURL))
	cfg.ExportBackend = strings.ToLower(strings.TrimSpace(settings.GetString(configKeyExportBackend)))
	if cfg.ExportBackend == "" {
		cfg.ExportBackend = backendGORM
	}
	if err := validateExportBackend(cfg.ExportBackend, cfg.DatabaseURL); err != nil {
		return err
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:     settings.GetString(configKeyListenAddr),
		AllowedOrigins: httpapi.ParseAllowedOrigins(settings.GetString(configKeyAllowedOrigins)),
		MaxBodyBytes:   settings.GetInt64(configKeyMaxBodyBytes),
	}
	if _, err := zap.ParseAtomicLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return cfg.HTTP.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = atomicLevel
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

// runProcess replays the file at path and writes the final snapshot to stdout.
// Only infrastructure failures are returned; bad records are counted and logged.
func runProcess(ctx context.Context, cfg *runtimeConfig, path string, stdout io.Writer, logger *zap.Logger) (err error) {
	started := time.Now().UTC()
	recorder := metrics.NewProcessor(metricsSourceCLI)
	var (
		summary  ledger.Summary
		accounts int
	)
	defer func() { recorder.ObserveRun(err, started, summary, accounts) }()

	input, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer input.Close()

	decoder, err := csvio.NewDecoder(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	processor, err := ledger.NewProcessor(
		ledger.NewStore(),
		ledger.WithOutcomeObserver(diagnostics.NewZapObserver(logger)),
		ledger.WithOutcomeObserver(recorder),
	)
	if err != nil {
		return fmt.Errorf("processor init: %w", err)
	}
	summary = processor.ProcessAll(decoder.Records())
	if err := decoder.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	store := processor.Store()
	accounts = store.Len()

	if err := csvio.NewWriter(stdout).WriteSnapshots(store.Snapshots()); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if cfg.DatabaseURL != "" {
		run := gormstore.Run{
			RunID:      uuid.New(),
			Source:     filepath.Base(path),
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Summary:    summary,
		}
		if err := exportRun(ctx, cfg, run, store); err != nil {
			return err
		}
		logger.Info("snapshot exported", zap.String("run_id", run.RunID.String()))
	}

	logger.Info("processing completed",
		zap.String("source", path),
		zap.Int("processed", summary.Processed()),
		zap.Int("applied", summary.Applied),
		zap.Int("ignored_invalid_reference", summary.IgnoredInvalidReference),
		zap.Int("ignored_account_locked", summary.IgnoredAccountLocked),
		zap.Int("malformed", summary.Malformed),
		zap.Int("accounts", accounts),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

func exportRun(ctx context.Context, cfg *runtimeConfig, run gormstore.Run, store *ledger.Store) error {
	exporter, cleanup, err := openExporter(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := exporter.ExportRun(ctx, run, store.Snapshots()); err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var exporter httpapi.Exporter
	if cfg.DatabaseURL != "" {
		opened, cleanup, err := openExporter(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		exporter = opened
	}

	return httpapi.Run(ctx, cfg.HTTP, logger, exporter)
}

func validateExportBackend(backend string, dsn string) error {
	switch backend {
	case backendGORM:
		return nil
	case backendPGX:
		if dsn == "" {
			return nil
		}
		if target, err := parseDatabaseURL(dsn); err != nil || target.driver != driverPostgres {
			return fmt.Errorf("export backend %q requires a postgres database url", backend)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export backend %q", backend)
	}
}

// openExporter connects the configured export backend and prepares its schema.
func openExporter(ctx context.Context, cfg *runtimeConfig) (httpapi.Exporter, func(), error) {
	if cfg.ExportBackend == backendPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		exporter := pgstore.New(pool)
		if err := exporter.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return exporter, pool.Close, nil
	}

	gormDB, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	cleanup := func() { _ = closeDB() }
	exporter := gormstore.New(gormDB)
	if err := prepareSchema(ctx, exporter, driver); err != nil {
		cleanup()
		return nil, nil, err
	}
	return exporter, cleanup, nil
}

// databaseTarget is a parsed --database-url.
type databaseTarget struct {
	driver string
	dsn    string
}

const (
	sqliteMemory      = ":memory:"
	defaultSQLiteFile = "txengine.db"
)

// parseDatabaseURL accepts postgres:// and postgresql:// URLs, sqlite:// URLs,
// and bare paths, which are treated as SQLite files.
func parseDatabaseURL(raw string) (databaseTarget, error) {
	if !strings.Contains(raw, "://") {
		return databaseTarget{driver: driverSQLite, dsn: sqliteFile(raw)}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return databaseTarget{}, fmt.Errorf("parse database url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return databaseTarget{driver: driverPostgres, dsn: raw}, nil
	case driverSQLite:
		return databaseTarget{driver: driverSQLite, dsn: sqliteFile(parsed.Host + parsed.Path)}, nil
	default:
		return databaseTarget{}, fmt.Errorf("unsupported database scheme %q", parsed.Scheme)
	}
}

func sqliteFile(path string) string {
	if path == sqliteMemory {
		return path
	}
	if path == "" || path == "/" {
		return defaultSQLiteFile
	}
	return filepath.Clean(path)
}

func (target databaseTarget) dialector() (gorm.Dialector, error) {
	if target.driver == driverPostgres {
		return postgres.Open(target.dsn), nil
	}
	if target.dsn != sqliteMemory {
		if err := os.MkdirAll(filepath.Dir(target.dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return sqlite.Open(target.dsn), nil
}

func openDatabase(ctx context.Context, raw string) (*gorm.DB, func() error, string, error) {
	target, err := parseDatabaseURL(raw)
	if err != nil {
		return nil, nil, "", err
	}
	dialector, err := target.dialector()
	if err != nil {
		return nil, nil, "", err
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	return db.WithContext(ctx), sqlDB.Close, target.driver, nil
}

// prepareSchema migrates SQLite only; PostgreSQL schemas are managed outside the binary.
func prepareSchema(ctx context.Context, exporter *gormstore.Exporter, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := exporter.Migrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
