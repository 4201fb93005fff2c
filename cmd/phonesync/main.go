package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/phonesync/internal/config"
	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/platform/db"
	"github.com/ehr/phonesync/internal/platform/middleware"
	"github.com/ehr/phonesync/internal/reconcile"
	"github.com/ehr/phonesync/internal/report"
	"github.com/ehr/phonesync/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "phonesync",
		Short:        "Reconcile patient phone numbers from a change log",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(normalizeCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(importCmd())
	return root
}

// newLogger builds the process logger: JSON by default, console output in
// development, level from LOG_LEVEL (info when unparsable).
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// rowSource picks the change-log reader by file extension.
func rowSource(path, sheet string) changelog.Source {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return changelog.XLSXSource{Path: path, Sheet: sheet}
	}
	return changelog.CSVSource{Path: path}
}

// applyRunFlags overrides config values with the flags set on cmd.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	overrides := map[string]*string{
		"changes":        &cfg.ChangesPath,
		"sheet":          &cfg.ChangesSheet,
		"records":        &cfg.RecordsPath,
		"output":         &cfg.OutputDir,
		"format":         &cfg.PhoneFormat,
		"records-format": &cfg.OutputRecordsFormat,
		"validation":     &cfg.PhoneValidation,
	}
	for name, dst := range overrides {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if cmd.Flags().Changed("rejected-xlsx") {
		cfg.RejectedXLSX, _ = cmd.Flags().GetBool("rejected-xlsx")
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply a change log to the patient records and write the outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := newLogger(cfg, os.Stdout)
			if err := runJob(context.Background(), cfg, logger); err != nil {
				logger.Error().Err(err).Msg("reconciliation failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("changes", "", "Change log file (.csv or .xlsx)")
	cmd.Flags().String("sheet", "", "Worksheet to read from an .xlsx change log (default first sheet)")
	cmd.Flags().String("records", "", "Patient records file (Bundle or JSON array)")
	cmd.Flags().String("output", "", "Output directory")
	cmd.Flags().String("format", "", "Phone output format: international or national")
	cmd.Flags().String("records-format", "", "Record output format: bundle or ndjson")
	cmd.Flags().String("validation", "", "Phone validation: basic or numberplan")
	cmd.Flags().Bool("rejected-xlsx", false, "Also write rejected.xlsx")
	return cmd
}

func runJob(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.ChangesPath == "" {
		return fmt.Errorf("a change log is required (--changes or CHANGES_PATH)")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	var sink report.Sink = report.DirSink{
		Dir:           cfg.OutputDir,
		RecordsFormat: cfg.OutputRecordsFormat,
		RejectedXLSX:  cfg.RejectedXLSX,
		BundleID:      runID,
		Now:           func() time.Time { return time.Now().In(loc) },
	}

	var records patient.Source
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := patient.NewPGRepository(pool, cfg.NationalIDSystem)
		records = repo
		sink = report.Tee(sink, report.PersistRecords(repo))
	} else {
		if cfg.RecordsPath == "" {
			return fmt.Errorf("a records file is required (--records or RECORDS_PATH)")
		}
		records = patient.FileSource{Path: cfg.RecordsPath}
	}

	job := &reconcile.Job{
		RunID:      runID,
		Rows:       rowSource(cfg.ChangesPath, cfg.ChangesSheet),
		Records:    records,
		KeySystem:  cfg.NationalIDSystem,
		Stamper:    patient.NewStamper(loc),
		Normalizer: phone.ForMode(cfg.PhoneValidation),
		Format:     cfg.Format(),
		Sink:       sink,
		Logger:     logger,
	}
	res, err := job.Execute(ctx)
	if err != nil {
		return err
	}

	logger.Info().
		Str("run_id", res.RunID).
		Str("output_dir", cfg.OutputDir).
		Int("rejected", len(res.Rejections)).
		Msg("reconciliation finished")
	return nil
}

func normalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize <phone>...",
		Short: "Print the canonical form of each phone number, or why it is rejected",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("format") {
				cfg.PhoneFormat, _ = cmd.Flags().GetString("format")
			}
			if cmd.Flags().Changed("validation") {
				cfg.PhoneValidation, _ = cmd.Flags().GetString("validation")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			printNormalized(cmd.OutOrStdout(), phone.ForMode(cfg.PhoneValidation), cfg.Format(), args)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format: international or national")
	cmd.Flags().String("validation", "", "Phone validation: basic or numberplan")
	return cmd
}

func printNormalized(w io.Writer, n phone.Normalizer, f phone.Format, inputs []string) {
	for _, raw := range inputs {
		res := n.Normalize(raw, f)
		if res.Valid {
			fmt.Fprintf(w, "%s\t%s\n", raw, res.Value)
			continue
		}
		fmt.Fprintf(w, "%s\tinvalid: %s\n", raw, res.Reason)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// Request bodies larger than this are rejected; reconcile requests carry
// whole record collections and get the larger limit.
const (
	defaultBodyLimit   = "1M"
	reconcileBodyLimit = "32M"
)

// newServer wires the middleware and routes. pinger may be nil when no
// database is configured.
func newServer(cfg *config.Config, logger zerolog.Logger, pinger db.Pinger) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(defaultBodyLimit, reconcileBodyLimit, "/api/v1/reconcile"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}

	apiV1 := e.Group("/api/v1")
	handler := reconcile.NewHandler(
		phone.ForMode(cfg.PhoneValidation),
		cfg.Format(),
		cfg.NationalIDSystem,
		patient.NewStamper(loc),
		logger,
	)
	handler.RegisterRoutes(apiV1)
	return e, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	var pinger db.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(context.Background(), db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		pinger = pool
	}

	e, err := newServer(cfg, logger, pinger)
	if err != nil {
		return err
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// openMigrator connects to DATABASE_URL; the returned func closes the pool.
func openMigrator(ctx context.Context, schema string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS, schema), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, schema)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, schema)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load patient records from a Bundle or JSON array into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			schema, _ := cmd.Flags().GetString("schema")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			ctx := context.Background()
			records, err := patient.FileSource{Path: file}.Load(ctx)
			if err != nil {
				return err
			}

			pool, err := db.NewPool(ctx, db.PoolOptions{
				URL:      cfg.DatabaseURL,
				MaxConns: cfg.DBMaxConns,
				MinConns: cfg.DBMinConns,
				Schema:   schema,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := patient.NewPGRepository(pool, cfg.NationalIDSystem)
			if err := repo.Save(ctx, records); err != nil {
				logger.Error().Err(err).Str("file", file).Msg("import failed")
				return err
			}
			logger.Info().Str("file", file).Int("records", len(records)).Msg("records imported")
			return nil
		},
	}
	cmd.Flags().String("file", "", "Bundle or JSON array of Patient resources")
	cmd.Flags().String("schema", "", "Schema holding patient_record (default search_path)")
	return cmd
}
