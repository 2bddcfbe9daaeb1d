package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/anicoll/cosmigrate"
	"github.com/anicoll/cosmigrate/pkg/checkpointstore"
	"github.com/anicoll/cosmigrate/pkg/cosmos"
	"github.com/anicoll/cosmigrate/pkg/interceptor"
	"github.com/anicoll/cosmigrate/pkg/progress"
	"github.com/anicoll/cosmigrate/pkg/sanitizer"
	"github.com/anicoll/cosmigrate/pkg/signal"
)

const (
	authKey = "key"
	authAAD = "aad"

	storeMemory  = "memory"
	storeFile    = "file"
	storeSQLite  = "sqlite"
	storeSpanner = "spanner"

	defaultCheckpointTable = "MigrationCheckpoints"
	spannerMaxInFlight     = 16
)

// runConfig is everything the migrate command needs besides the engine configuration.
type runConfig struct {
	engine cosmigrate.Config

	sourceAccount string
	sourceKey     string
	targetAccount string
	targetKey     string
	auth          string

	checkpointStore string
	checkpointPath  string
	checkpointDSN   string
	checkpointTable string

	logFile     string
	summaryFile string
	metricsPort int
	noProgress  bool
	runID       string
}

// MigrateCommand returns the command copying every container of the source account into the target account.
func MigrateCommand() *cli.Command {
	defaults := cosmigrate.DefaultConfig()
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "source-account",
			Sources:  cli.EnvVars("SOURCE_ACCOUNT"),
			Required: true,
			Usage:    "source account name or endpoint URL",
		},
		&cli.StringFlag{
			Name:    "source-key",
			Sources: cli.EnvVars("SOURCE_KEY"),
			Usage:   "source account key, required with --auth key",
		},
		&cli.StringFlag{
			Name:     "target-account",
			Sources:  cli.EnvVars("TARGET_ACCOUNT"),
			Required: true,
			Usage:    "target account name or endpoint URL",
		},
		&cli.StringFlag{
			Name:    "target-key",
			Sources: cli.EnvVars("TARGET_KEY"),
			Usage:   "target account key, required with --auth key",
		},
		&cli.StringFlag{
			Name:    "auth",
			Sources: cli.EnvVars("AUTH"),
			Value:   authKey,
			Usage:   "authentication mode: key or aad",
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Sources: cli.EnvVars("BATCH_SIZE"),
			Value:   defaults.PageSize,
			Usage:   "page size hint used when reading source containers",
		},
		&cli.IntFlag{
			Name:    "max-page-bytes",
			Sources: cli.EnvVars("MAX_PAGE_BYTES"),
			Value:   defaults.MaxPageBytes,
			Usage:   "page byte budget, larger pages shrink subsequent reads (0 disables)",
		},
		&cli.IntFlag{
			Name:    "max-item-bytes",
			Sources: cli.EnvVars("MAX_ITEM_BYTES"),
			Value:   defaults.MaxItemBytes,
			Usage:   "largest document accepted by the writer (0 disables)",
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Sources: cli.EnvVars("PARALLELISM"),
			Value:   defaults.Parallelism,
			Usage:   "number of containers migrated concurrently",
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Sources: cli.EnvVars("MAX_RETRIES"),
			Value:   defaults.MaxRetryAttempts,
			Usage:   "retries of a throttled or transiently failing call",
		},
		&cli.DurationFlag{
			Name:    "base-backoff",
			Sources: cli.EnvVars("BASE_BACKOFF"),
			Value:   defaults.BaseBackoff,
		},
		&cli.DurationFlag{
			Name:    "max-backoff",
			Sources: cli.EnvVars("MAX_BACKOFF"),
			Value:   defaults.MaxBackoff,
		},
		&cli.FloatFlag{
			Name:    "write-rate-limit",
			Sources: cli.EnvVars("WRITE_RATE_LIMIT"),
			Usage:   "maximum item writes per second across all containers (0 disables)",
		},
		&cli.StringFlag{
			Name:    "on-item-failure",
			Sources: cli.EnvVars("ON_ITEM_FAILURE"),
			Value:   defaults.OnItemFailure,
			Usage:   "skip or abort-unit",
		},
		&cli.StringFlag{
			Name:    "throughput-policy",
			Sources: cli.EnvVars("THROUGHPUT_POLICY"),
			Value:   defaults.ThroughputPolicy,
			Usage:   "match-source, fixed, fixed:<RU> or skip-creation",
		},
		&cli.Int32Flag{
			Name:    "throughput",
			Sources: cli.EnvVars("THROUGHPUT"),
			Usage:   "throughput of created containers with --throughput-policy fixed",
		},
		&cli.StringFlag{
			Name:    "database",
			Sources: cli.EnvVars("DATABASE"),
			Usage:   "migrate only this database",
		},
		&cli.StringFlag{
			Name:    "container",
			Sources: cli.EnvVars("CONTAINER"),
			Usage:   "migrate only this container, requires --database",
		},
		&cli.BoolFlag{
			Name:    "sanitize",
			Sources: cli.EnvVars("SANITIZE"),
			Usage:   "replace personal data fields with fake values",
		},
		&cli.BoolFlag{
			Name:    "verify",
			Sources: cli.EnvVars("VERIFY"),
			Usage:   "compare item counts after each container",
		},
		&cli.BoolFlag{
			Name:    "strict",
			Sources: cli.EnvVars("STRICT"),
			Value:   defaults.Strict,
			Usage:   "exit with code 2 when items were rejected",
		},
		&cli.StringFlag{
			Name:    "checkpoint-store",
			Sources: cli.EnvVars("CHECKPOINT_STORE"),
			Value:   storeFile,
			Usage:   "memory, file, sqlite or spanner",
		},
		&cli.StringFlag{
			Name:    "checkpoint-path",
			Sources: cli.EnvVars("CHECKPOINT_PATH"),
			Usage:   "checkpoint file of the file and sqlite stores (default: migration_checkpoints.json or .db)",
		},
		&cli.StringFlag{
			Name:    "checkpoint-dsn",
			Sources: cli.EnvVars("CHECKPOINT_DSN"),
			Usage:   "spanner database of the spanner store",
		},
		&cli.StringFlag{
			Name:    "checkpoint-table",
			Sources: cli.EnvVars("CHECKPOINT_TABLE"),
			Value:   defaultCheckpointTable,
		},
		&cli.StringFlag{
			Name:    "run-id",
			Sources: cli.EnvVars("RUN_ID"),
			Usage:   "identifier reported in the summary (default: random)",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   defaults.LogLevel,
		},
		&cli.StringFlag{
			Name:    "log-file",
			Sources: cli.EnvVars("LOG_FILE"),
			Value:   "migration.log",
			Usage:   "JSON log file, empty disables",
		},
		&cli.StringFlag{
			Name:    "summary-file",
			Sources: cli.EnvVars("SUMMARY_FILE"),
			Value:   "migration_summary.json",
			Usage:   "run summary file, empty disables",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Sources: cli.EnvVars("METRICS_PORT"),
			Usage:   "serve prometheus metrics on this port (0 disables)",
		},
		&cli.BoolFlag{
			Name:    "no-progress",
			Sources: cli.EnvVars("NO_PROGRESS"),
			Usage:   "disable progress bars",
		},
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "copy every database and container of the source account into the target account",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := buildConfig(c)
			if err != nil {
				return err
			}

			closeLog, err := setupLogging(cfg.engine.LogLevel, cfg.logFile, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			eg, egCtx := errgroup.WithContext(runCtx)

			eg.Go(func() error {
				return signal.SignalHandler(egCtx)
			})

			var summary *cosmigrate.Summary
			eg.Go(func() error {
				defer stop()
				s, err := run(egCtx, cfg)
				summary = s
				return err
			})

			err = eg.Wait()
			if summary == nil {
				if err != nil && !errors.Is(err, signal.ErrSignal) {
					return err
				}
				return nil
			}

			printSummary(c.Root().Writer, summary)
			if cfg.summaryFile != "" {
				if err := summary.WriteFile(cfg.summaryFile); err != nil {
					log.Error().Err(err).Str("path", cfg.summaryFile).Msg("failed to write summary file")
				}
			}
			if code := summary.ExitCode(); code != cosmigrate.ExitOK {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func buildConfig(c *cli.Command) (*runConfig, error) {
	cfg := &runConfig{
		engine: cosmigrate.Config{
			Parallelism:      c.Int("parallelism"),
			PageSize:         c.Int("batch-size"),
			MaxPageBytes:     c.Int("max-page-bytes"),
			MaxItemBytes:     c.Int("max-item-bytes"),
			MaxRetryAttempts: c.Int("max-retries"),
			BaseBackoff:      c.Duration("base-backoff"),
			MaxBackoff:       c.Duration("max-backoff"),
			OnItemFailure:    c.String("on-item-failure"),
			ThroughputPolicy: c.String("throughput-policy"),
			Throughput:       c.Int32("throughput"),
			Database:         c.String("database"),
			Container:        c.String("container"),
			Verify:           c.Bool("verify"),
			Sanitize:         c.Bool("sanitize"),
			WriteRateLimit:   c.Float("write-rate-limit"),
			Strict:           c.Bool("strict"),
			LogLevel:         c.String("log-level"),
		},
		sourceAccount:   c.String("source-account"),
		sourceKey:       c.String("source-key"),
		targetAccount:   c.String("target-account"),
		targetKey:       c.String("target-key"),
		auth:            c.String("auth"),
		checkpointStore: c.String("checkpoint-store"),
		checkpointPath:  c.String("checkpoint-path"),
		checkpointDSN:   c.String("checkpoint-dsn"),
		checkpointTable: c.String("checkpoint-table"),
		logFile:         c.String("log-file"),
		summaryFile:     c.String("summary-file"),
		metricsPort:     c.Int("metrics-port"),
		noProgress:      c.Bool("no-progress"),
		runID:           c.String("run-id"),
	}

	var errs []error
	if err := cfg.engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.auth {
	case authKey:
		if cfg.sourceKey == "" || cfg.targetKey == "" {
			errs = append(errs, errors.New("--source-key and --target-key are required with --auth key"))
		}
	case authAAD:
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", cfg.auth))
	}
	switch cfg.checkpointStore {
	case storeMemory, storeFile, storeSQLite:
	case storeSpanner:
		if cfg.checkpointDSN == "" {
			errs = append(errs, errors.New("--checkpoint-dsn is required with --checkpoint-store spanner"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint store %q", cfg.checkpointStore))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging writes human readable logs to console and JSON logs to a rotated file.
func setupLogging(level, logFile string, console io.Writer) (io.Closer, error) {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openAccount(auth, account, key string) (*cosmos.Account, error) {
	if auth == authAAD {
		return cosmos.NewAccountWithAAD(account)
	}
	return cosmos.NewAccountWithKey(account, key)
}

// openCheckpointStore returns the configured store and a function releasing it.
func openCheckpointStore(ctx context.Context, cfg *runConfig) (cosmigrate.CheckpointStore, func(), error) {
	switch cfg.checkpointStore {
	case storeMemory:
		return checkpointstore.NewInmemory(), func() {}, nil
	case storeFile:
		return checkpointstore.NewFile(pathOr(cfg.checkpointPath, "migration_checkpoints.json")), func() {}, nil
	case storeSQLite:
		s, err := checkpointstore.NewSQLite(ctx, pathOr(cfg.checkpointPath, "migration_checkpoints.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case storeSpanner:
		limiter := interceptor.NewLimitInterceptor(spannerMaxInFlight)
		opts := make([]option.ClientOption, 0, 2)
		for _, o := range limiter.DialOptions() {
			opts = append(opts, option.WithGRPCDialOption(o))
		}
		client, err := spanner.NewClient(ctx, cfg.checkpointDSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create spanner client: %w", err)
		}
		s := checkpointstore.NewSpanner(client, cfg.checkpointTable, checkpointstore.WithRequestPriority(spannerpb.RequestOptions_PRIORITY_MEDIUM))
		if err := s.RunMigrations(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint store %q", cfg.checkpointStore)
	}
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}

// serveMetrics exposes reg on /metrics until ctx is done and returns the listening address.
func serveMetrics(ctx context.Context, eg *errgroup.Group, port int, reg *prometheus.Registry) (net.Addr, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	eg.Go(func() error {
		log.Info().Str("addr", lis.Addr().String()).Msg("serving metrics")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.WithoutCancel(ctx))
	})
	return lis.Addr(), nil
}

func run(ctx context.Context, cfg *runConfig) (*cosmigrate.Summary, error) {
	source, err := openAccount(cfg.auth, cfg.sourceAccount, cfg.sourceKey)
	if err != nil {
		return nil, err
	}
	target, err := openAccount(cfg.auth, cfg.targetAccount, cfg.targetKey)
	if err != nil {
		return nil, err
	}

	checkpoints, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	options, err := cfg.engine.Options()
	if err != nil {
		return nil, err
	}
	options = append(options, cosmigrate.WithAccountNames(cfg.sourceAccount, cfg.targetAccount))
	if cfg.runID != "" {
		options = append(options, cosmigrate.WithRunID(cfg.runID))
	}
	if cfg.engine.Sanitize {
		options = append(options, cosmigrate.WithItemTransform(sanitizer.New(sanitizer.DefaultFields).Transform))
	}

	// the metrics server lives as long as the migration.
	serveCtx, stopServing := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(serveCtx)
	defer func() {
		stopServing()
		if err := eg.Wait(); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped with error")
		}
	}()
	if cfg.metricsPort > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if _, err := serveMetrics(egCtx, eg, cfg.metricsPort, reg); err != nil {
			return nil, err
		}
		options = append(options, cosmigrate.WithRegisterer(reg))
	}

	reporter := progress.NewReporter(os.Stderr, cfg.noProgress)
	options = append(options, cosmigrate.WithObserver(reporter))

	m, err := cosmigrate.NewMigrator(source, target, checkpoints, options...)
	if err != nil {
		return nil, err
	}
	summary, err := m.Run(ctx)
	reporter.Wait()

	for class, n := range reporter.Retries() {
		log.Info().Str("class", class).Int("retries", n).Msg("retried remote calls")
	}
	return summary, err
}

func printSummary(out io.Writer, s *cosmigrate.Summary) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	for _, col := range []int{3, 4, 5} {
		table.RightAlign(col)
	}

	table.AddRow("SOURCE", "TARGET", "STATE", "INSERTED", "PRESENT", "REJECTED", "VERIFIED", "DURATION")
	for _, u := range s.Units {
		verified := "-"
		if u.Verification != nil {
			verified = fmt.Sprintf("%t (%s/%s)", u.Verification.Verified,
				humanize.Comma(u.Verification.TargetCount), humanize.Comma(u.Verification.SourceCount))
		}
		table.AddRow(
			u.Source.String(),
			u.Target.String(),
			string(u.State),
			humanize.Comma(u.Counts.Inserted),
			humanize.Comma(u.Counts.AlreadyPresent),
			humanize.Comma(u.Counts.Rejected),
			verified,
			u.Duration.Round(time.Millisecond).String(),
		)
	}

	totals := s.Totals()
	rate := 0.0
	if d := s.Duration().Seconds(); d > 0 {
		rate = float64(totals.Inserted) / d
	}

	fmt.Fprintln(out, table)
	fmt.Fprintf(out, "\nrun %s: %d unit(s) in %s, %s inserted, %s already present, %s rejected, %s items/s\n",
		s.RunID,
		len(s.Units),
		s.Duration().Round(time.Millisecond),
		humanize.Comma(totals.Inserted),
		humanize.Comma(totals.AlreadyPresent),
		humanize.Comma(totals.Rejected),
		humanize.CommafWithDigits(rate, 1),
	)
	if s.Error != "" {
		fmt.Fprintf(out, "run failed: %s\n", s.Error)
	}
}
