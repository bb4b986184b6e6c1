package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fractal-lba/mmlu-prep/internal/acquire"
	"github.com/fractal-lba/mmlu-prep/internal/cache"
	"github.com/fractal-lba/mmlu-prep/internal/config"
	"github.com/fractal-lba/mmlu-prep/internal/eval"
	"github.com/fractal-lba/mmlu-prep/internal/manifest"
	"github.com/fractal-lba/mmlu-prep/internal/metrics"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
	"github.com/fractal-lba/mmlu-prep/internal/prep"
	"github.com/fractal-lba/mmlu-prep/internal/report"
	"github.com/fractal-lba/mmlu-prep/internal/verify"
	"github.com/fractal-lba/mmlu-prep/pkg/otel"
)

const serviceName = "mmlu-prep"

// pageCacheTTL bounds how long a fetched hub page is reused within one process.
const pageCacheTTL = 30 * time.Minute

// cli holds the global flags and the state built from them before a subcommand runs.
type cli struct {
	configFile string
	envFile    string
	dataDir    string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	rootCmd := &cobra.Command{
		Use:   "mmlu-prep",
		Short: "Download and prepare the MMLU benchmark as per-subject CSV files",
		Long: `Acquires the MMLU multiple-choice benchmark and lays it out as
<data-dir>/{test,dev,val}/<subject>_<split>.csv, one headerless row per question:
question, choice A, choice B, choice C, choice D, answer index.

Acquisition tries the Hugging Face datasets-server first, then the original
release archive, and finally falls back to a small built-in sample set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&c.dataDir, "data-dir", "d", "", "output directory (default mmlu/data)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(c.prepareCmd())
	rootCmd.AddCommand(c.verifyCmd())
	rootCmd.AddCommand(c.subjectsCmd())
	rootCmd.AddCommand(c.reportCmd())

	return rootCmd
}

func (c *cli) setup() error {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if c.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger = logger.Named(serviceName)

	cfg, err := config.Load(c.configFile, c.envFile)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	c.logger.Debug("configuration loaded", zap.String("data_dir", cfg.DataDir), zap.String("manifest", cfg.Manifest.Backend))
	return nil
}

func (c *cli) prepareCmd() *cobra.Command {
	var modeFlag string

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Acquire the dataset and write per-subject CSV files",
		Long: `Runs the full preparation flow.

  --mode full    download from the hub, falling back to the release archive and
                 then to sample data (writes test, dev and val)
  --mode sample  write the built-in sample data only (test and dev)

Without --mode, or with an unrecognized mode, sample data is written and nothing is
downloaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mode, ok := prep.ParseMode(strings.ToLower(strings.TrimSpace(modeFlag)))
			if !ok {
				fmt.Fprintf(c.out, "Unknown mode %q, using sample data.\n", modeFlag)
				c.logger.Warn("unknown mode, using sample data", zap.String("mode", modeFlag))
			}

			tp, err := otel.InitTracer(ctx, c.tracerConfig())
			if err != nil {
				c.logger.Warn("tracing disabled", zap.Error(err))
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := otel.Shutdown(shutdownCtx, tp); err != nil {
					c.logger.Warn("failed to shut down tracer", zap.Error(err))
				}
			}()

			store, err := openManifest(c.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					c.logger.Warn("failed to close manifest", zap.Error(err))
				}
			}()

			m := metrics.New()
			hub, err := c.hubSource(m)
			if err != nil {
				return err
			}
			archive := acquire.NewArchiveSource(c.cfg.Archive.URL, nil, c.retryPolicy(), m, c.logger)

			p := prep.New(c.cfg.DataDir, prep.Deps{
				Hub:      hub,
				Archive:  archive,
				Manifest: store,
				Verifier: verify.NewEngine(c.verifyParams(), store, m, c.logger),
				Metrics:  m,
				Logger:   c.logger,
				Out:      c.out,
			})

			fmt.Fprintln(c.out, "Preparing MMLU data...")
			res, runErr := p.Run(ctx, mode)

			if c.cfg.MetricsFile != "" {
				if err := m.WriteTextfile(c.cfg.MetricsFile); err != nil {
					c.logger.Warn("failed to write metrics", zap.String("path", c.cfg.MetricsFile), zap.Error(err))
				}
			}
			if runErr != nil {
				return runErr
			}

			fmt.Fprintln(c.out)
			prep.PrintLayout(c.out, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modeFlag, "mode", "m", string(prep.ModeSample), "acquisition mode: full or sample")
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check the layout and shape of prepared data",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.DataDir
			if len(args) == 1 {
				dir = args[0]
			}

			store, err := openManifest(c.cfg)
			if err != nil {
				return err
			}
			// The memory snapshot is only rewritten by prepare.
			if _, mem := store.(*manifest.MemoryStore); !mem {
				defer store.Close()
			}

			engine := verify.NewEngine(c.verifyParams(), store, metrics.New(), c.logger)
			r := engine.Verify(cmd.Context(), dir)
			r.Print(c.out)
			if !r.OK {
				return r.Err
			}
			return nil
		},
	}
}

func (c *cli) subjectsCmd() *cobra.Command {
	var (
		prepared  bool
		splitName string
	)

	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "List MMLU subjects by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prepared {
				split, err := mmlu.ParseSplit(splitName)
				if err != nil {
					return err
				}
				subjects, err := eval.NewBenchmarkLoader(c.cfg.DataDir).SubjectFiles(split)
				if err != nil {
					return err
				}
				for _, subject := range subjects {
					cat, ok := mmlu.CategoryOf(subject)
					if !ok {
						cat = "Uncategorized"
					}
					fmt.Fprintf(c.out, "%-40s %s\n", subject, cat)
				}
				return nil
			}

			cats := mmlu.Categories()
			for _, name := range mmlu.CategoryNames() {
				fmt.Fprintf(c.out, "%s (%d)\n", name, len(cats[name]))
				for _, s := range cats[name] {
					fmt.Fprintf(c.out, "  %s\n", s)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prepared, "prepared", false, "list subjects found in the data directory instead")
	cmd.Flags().StringVar(&splitName, "split", string(mmlu.SplitTest), "split to list with --prepared: test, dev or val")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a per-subject row count workbook for prepared data",
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := report.Summarize(c.cfg.DataDir)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				return fmt.Errorf("no prepared data under %s", c.cfg.DataDir)
			}
			if err := report.WriteWorkbook(outPath, summaries); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Wrote %d subjects to %s\n", len(summaries), outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "summary.xlsx", "output workbook path")
	return cmd
}

func (c *cli) verifyParams() verify.Params {
	return verify.Params{SampleSize: c.cfg.VerifySample, ManifestRoot: c.cfg.DataDir}
}

func (c *cli) retryPolicy() acquire.RetryPolicy {
	p := acquire.DefaultRetryPolicy()
	p.MaxTries = c.cfg.Hub.MaxTries
	return p
}

func (c *cli) hubSource(m *metrics.Metrics) (*acquire.HubSource, error) {
	pages, err := cache.NewPageCache(c.cfg.Hub.PageCacheSize, pageCacheTTL)
	if err != nil {
		return nil, err
	}
	burst := int(c.cfg.Hub.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return acquire.NewHubSource(
		acquire.WithEndpoint(c.cfg.Hub.Endpoint),
		acquire.WithDataset(c.cfg.Hub.Dataset, c.cfg.Hub.Config),
		acquire.WithPageSize(c.cfg.Hub.PageSize),
		acquire.WithRateLimit(c.cfg.Hub.RequestsPerSecond, burst),
		acquire.WithHubRetry(c.retryPolicy()),
		acquire.WithSplitAttempts(c.cfg.Hub.SplitAttempts),
		acquire.WithPageCache(pages),
		acquire.WithHubMetrics(m),
		acquire.WithHubLogger(c.logger),
	), nil
}

func (c *cli) tracerConfig() *otel.Config {
	tc := otel.DefaultConfig(serviceName)
	tc.CollectorEndpoint = c.cfg.OTLPEndpoint
	return tc
}

// openManifest builds the configured manifest store.
func openManifest(cfg *config.Config) (manifest.Store, error) {
	switch cfg.Manifest.Backend {
	case config.ManifestNone:
		return manifest.NopStore{}, nil
	case config.ManifestRedis:
		return manifest.NewRedisStore(cfg.Manifest.RedisAddr, cfg.Manifest.RedisPassword, cfg.Manifest.RedisDB)
	case config.ManifestPostgres:
		return manifest.NewPostgresStore(cfg.Manifest.PostgresConn)
	default:
		path := cfg.Manifest.SnapshotPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, ".manifest.json")
		}
		return manifest.NewMemoryStore(path)
	}
}
