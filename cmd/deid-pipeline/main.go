package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/deid/internal/config"
	"github.com/ehr/deid/internal/deid/anonymize"
	"github.com/ehr/deid/internal/deid/compliance"
	"github.com/ehr/deid/internal/deid/pipeline"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/telemetry"
)

var version = "dev"

var errVerifyFailed = errors.New("compliance checks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// cli holds flag values shared by the subcommands.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configFile string
	input      string
	output     string
	report     string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:          "deid-pipeline",
		Short:        "De-identify FHIR bundles",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to a .env style config file (default ./.env)")

	rootCmd.AddCommand(c.runCmd())
	rootCmd.AddCommand(c.verifyCmd())
	rootCmd.AddCommand(c.tokensCmd())
	rootCmd.AddCommand(c.migrateCmd())
	return rootCmd
}

// load reads configuration and applies flag overrides.
func (c *cli) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if c.input != "" {
		cfg.InputPath = c.input
	}
	if c.output != "" {
		cfg.OutputPath = c.output
	}
	if c.report != "" {
		cfg.ReportPath = c.report
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, c.logger(cfg), nil
}

func (c *cli) logger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(c.stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: c.stderr}).With().Timestamp().Logger()
	}
	level, _ := cfg.Level()
	return logger.Level(level)
}

func (c *cli) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest, scrub, verify and audit one bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.RequirePaths(true); err != nil {
				return err
			}
			return c.run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&c.input, "input", "", "Input bundle path or s3:// URI (overrides INPUT_PATH)")
	cmd.Flags().StringVar(&c.output, "output", "", "Output bundle path or s3:// URI (overrides OUTPUT_PATH)")
	cmd.Flags().StringVar(&c.report, "report", "", "Compliance report path (overrides REPORT_PATH)")
	return cmd
}

func (c *cli) run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	res := newResources(cfg, logger)
	defer res.close()

	// The audit sink comes first so a run that cannot start is still recorded.
	audit, err := res.auditSink(ctx)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics()
	p, err := c.pipeline(ctx, cfg, logger, res, audit, metrics)
	if err != nil {
		runID, aerr := pipeline.RecordSetupFailure(ctx, audit, err)
		if aerr != nil {
			logger.Error().Str("event", "audit_failed").Err(aerr).Msg("could not record failed run")
		}
		fmt.Fprintf(c.stdout, "run %s: %s (setup: %v)\n", runID, pipeline.StateFailed, err)
		return err
	}

	outcome, runErr := p.Run(ctx, pipeline.Job{
		Input:      cfg.InputPath,
		Output:     cfg.OutputPath,
		ReportPath: cfg.ReportPath,
	})

	pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.PushgatewayURL, "deid-pipeline"); err != nil {
		logger.Warn().Err(err).Msg("metrics push failed")
	}

	if outcome != nil {
		c.printOutcome(outcome)
	}
	return runErr
}

// pipeline opens the remaining backends and assembles the orchestrator.
func (c *cli) pipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger, res *resources, audit hipaa.AuditSink, metrics *telemetry.Metrics) (*pipeline.Pipeline, error) {
	store, err := res.bundleStore(ctx, cfg.InputPath, cfg.OutputPath, cfg.ReportPath)
	if err != nil {
		return nil, err
	}
	tokens, err := res.tokenStore(ctx, false)
	if err != nil {
		return nil, err
	}
	detector, err := res.detector()
	if err != nil {
		return nil, err
	}
	prov, err := res.tracing(ctx, c.stderr)
	if err != nil {
		return nil, err
	}
	policy, err := pipeline.ParsePolicy(cfg.KAnonymityPolicy)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Deps{
		Storage: store,
		Anonymizer: anonymize.New(detector, tokens, anonymize.Options{
			Workers: cfg.DetectWorkers,
			Logger:  logger,
			Metrics: metrics,
		}),
		Validator: compliance.NewValidator(compliance.Config{
			K:                  cfg.KAnonymityK,
			IntegrityThreshold: cfg.IntegrityThreshold,
			ChildTypes:         cfg.IntegrityChildTypes,
		}, logger, metrics),
		Tokens:  tokens,
		Audit:   audit,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  prov.Tracer("github.com/ehr/deid/internal/deid/pipeline"),
	}, pipeline.Config{
		Retry:  pipeline.RetryPolicy{MaxAttempts: cfg.IngestMaxAttempts, Delay: cfg.IngestRetryDelay},
		Policy: policy,
	})
}

func (c *cli) printOutcome(o *pipeline.Outcome) {
	passed := "n/a"
	if o.Report != nil {
		passed = fmt.Sprint(o.Report.Passed)
	}
	fmt.Fprintf(c.stdout, "run %s: %s (records=%d, compliance passed=%s)\n", o.RunID, o.State, o.Records, passed)
}

func (c *cli) verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the compliance checks over an already scrubbed bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.RequirePaths(false); err != nil {
				return err
			}
			ctx := cmd.Context()

			res := newResources(cfg, logger)
			defer res.close()

			store, err := res.bundleStore(ctx, cfg.InputPath)
			if err != nil {
				return err
			}
			p, err := pipeline.New(pipeline.Deps{
				Storage: store,
				Validator: compliance.NewValidator(compliance.Config{
					K:                  cfg.KAnonymityK,
					IntegrityThreshold: cfg.IntegrityThreshold,
					ChildTypes:         cfg.IntegrityChildTypes,
				}, logger, nil),
				Logger: logger,
			}, pipeline.Config{
				Retry: pipeline.RetryPolicy{MaxAttempts: cfg.IngestMaxAttempts, Delay: cfg.IngestRetryDelay},
			})
			if err != nil {
				return err
			}

			rep, err := p.Verify(ctx, cfg.InputPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if !rep.Passed {
				return errVerifyFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&c.input, "input", "", "Bundle path or s3:// URI (overrides INPUT_PATH)")
	return cmd
}

func (c *cli) tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect the token map",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <ENTITY_TYPE> <value>",
		Short: "Print the token issued for a value without creating one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			res := newResources(cfg, logger)
			defer res.close()

			store, err := res.tokenStore(ctx, true)
			if err != nil {
				return err
			}
			entry, err := store.Lookup(ctx, args[0], args[1])
			if errors.Is(err, token.ErrNotFound) {
				return fmt.Errorf("no token issued for this %s value", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "%s\t%s\n", entry.Token, entry.CreatedAt.Format(time.RFC3339))
			return nil
		},
	})
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema for the token map and audit log",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(c.stdout, "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Fprintf(c.stdout, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(c.stdout, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func (c *cli) withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	res := newResources(cfg, logger)
	defer res.close()

	pool, err := res.dbPool(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}
