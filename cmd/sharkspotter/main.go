// sharkspotter walks the manta buckets of a region's metadata shards and
// records every object whose copies live on the requested storage nodes,
// flagging object ids whose metadata shows up more than once along the way.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/common/quotas"
	"github.com/TritonDataCenter/sharkspotter/config"
	"github.com/TritonDataCenter/sharkspotter/directdb"
	"github.com/TritonDataCenter/sharkspotter/duplicate"
	"github.com/TritonDataCenter/sharkspotter/match"
	"github.com/TritonDataCenter/sharkspotter/metrics"
	"github.com/TritonDataCenter/sharkspotter/moray"
	"github.com/TritonDataCenter/sharkspotter/output"
	"github.com/TritonDataCenter/sharkspotter/scan"
)

// Flag names. Flags override the corresponding config file fields; a flag
// left unset leaves the file's (or default) value in place.
const (
	FlagDomain             = "domain"
	FlagDomainWithAlias    = FlagDomain + ", d"
	FlagShark              = "shark"
	FlagSharkWithAlias     = FlagShark + ", s"
	FlagMinShard           = "min_shard"
	FlagMinShardWithAlias  = FlagMinShard + ", m"
	FlagMaxShard           = "max_shard"
	FlagMaxShardWithAlias  = FlagMaxShard + ", M"
	FlagBegin              = "begin"
	FlagBeginWithAlias     = FlagBegin + ", b"
	FlagEnd                = "end"
	FlagEndWithAlias       = FlagEnd + ", e"
	FlagChunkSize          = "chunk-size"
	FlagChunkSizeWithAlias = FlagChunkSize + ", c"
	FlagMultithreaded      = "multithreaded"
	FlagMaxThreads         = "max_threads"
	FlagDirectDB           = "direct_db"
	FlagObjectIDOnly       = "object_id_only"
	FlagSkipValidation     = "skip-validation"
	FlagFile               = "file"
	FlagFileWithAlias      = FlagFile + ", f"
	FlagMinCopies          = "min-copies"
	FlagIndexColumn        = "index-column"
	FlagConfig             = "config"
	FlagLogLevel           = "log-level"
)

const (
	appVersion = "0.2.0"

	// exitCodeFailed is returned when the run finished but not every shard
	// completed, or the run could not be set up at all.
	exitCodeFailed = 1
	// exitCodeInterrupted is returned when an operator signal stopped the
	// run before completion.
	exitCodeInterrupted = 130
)

func main() {
	app := buildApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFailed)
	}
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "sharkspotter"
	app.Usage = "scan metadata shards for objects that live on given storage nodes"
	app.Version = appVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  FlagDomainWithAlias,
			Usage: "region domain the shards live under, e.g. east.joyent.us",
		},
		cli.StringSliceFlag{
			Name:  FlagSharkWithAlias,
			Usage: "storage node to report objects for, repeatable",
		},
		cli.UintFlag{
			Name:  FlagMinShardWithAlias,
			Usage: "lowest shard number to scan",
		},
		cli.UintFlag{
			Name:  FlagMaxShardWithAlias,
			Usage: "highest shard number to scan, inclusive",
		},
		cli.Uint64Flag{
			Name:  FlagBeginWithAlias,
			Usage: "index value each shard scan starts from",
		},
		cli.Uint64Flag{
			Name:  FlagEndWithAlias,
			Usage: "index value each shard scan stops before, 0 scans to the end",
		},
		cli.IntFlag{
			Name:  FlagChunkSizeWithAlias,
			Usage: "records requested per page",
		},
		cli.BoolFlag{
			Name:  FlagMultithreaded,
			Usage: "scan shards concurrently instead of one at a time",
		},
		cli.IntFlag{
			Name:  FlagMaxThreads,
			Usage: "cap on concurrent shard scans, 0 runs one scanner per shard",
		},
		cli.BoolFlag{
			Name:  FlagDirectDB,
			Usage: "read each shard's database replica directly instead of the metadata service",
		},
		cli.BoolFlag{
			Name:  FlagObjectIDOnly,
			Usage: "emit bare object ids instead of full metadata records",
		},
		cli.BoolFlag{
			Name:  FlagSkipValidation,
			Usage: "skip the pre-flight check that each shark exists exactly once",
		},
		cli.StringFlag{
			Name:  FlagFileWithAlias,
			Usage: "write every match to this single file instead of per shark and shard files",
		},
		cli.IntFlag{
			Name:  FlagMinCopies,
			Usage: "only report objects with at least this many copies",
		},
		cli.StringSliceFlag{
			Name:  FlagIndexColumn,
			Usage: "manta index column to walk, repeatable; defaults to _id and _idx",
		},
		cli.StringFlag{
			Name:  FlagConfig,
			Usage: "path to a yaml config file, flags override its fields",
		},
		cli.StringFlag{
			Name:  FlagLogLevel,
			Usage: "minimum log level: debug, info, warn or error",
		},
	}
	app.Action = run
	return app
}

func run(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitCodeFailed)
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return cli.NewExitError(err.Error(), exitCodeFailed)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := atomic.NewBool(false)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		interrupted.Store(true)
		logger.Info("received signal, shard scans stop at the next page boundary",
			zap.String("signal", sig.String()))
		cancel()
	}()

	report, err := execute(ctx, cfg, logger)
	if report != nil {
		printSummary(os.Stdout, report)
	}
	if err != nil {
		logger.Error("run finished with errors", zap.Error(err))
		if interrupted.Load() {
			return cli.NewExitError(err.Error(), exitCodeInterrupted)
		}
		return cli.NewExitError(err.Error(), exitCodeFailed)
	}
	return nil
}

// resolveConfig layers command line flags over the optional config file and
// validates the result.
func resolveConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(FlagConfig))
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, c)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, c *cli.Context) {
	if c.IsSet(FlagDomain) {
		cfg.Domain = c.String(FlagDomain)
	}
	if c.IsSet(FlagShark) {
		cfg.Sharks = c.StringSlice(FlagShark)
	}
	if c.IsSet(FlagMinShard) {
		cfg.MinShard = uint32(c.Uint(FlagMinShard))
	}
	if c.IsSet(FlagMaxShard) {
		cfg.MaxShard = uint32(c.Uint(FlagMaxShard))
	}
	if c.IsSet(FlagBegin) {
		cfg.Begin = c.Uint64(FlagBegin)
	}
	if c.IsSet(FlagEnd) {
		cfg.End = c.Uint64(FlagEnd)
	}
	if c.IsSet(FlagChunkSize) {
		cfg.ChunkSize = c.Int(FlagChunkSize)
	}
	if c.IsSet(FlagMultithreaded) {
		cfg.Multithreaded = c.Bool(FlagMultithreaded)
	}
	if c.IsSet(FlagMaxThreads) {
		cfg.MaxThreads = c.Int(FlagMaxThreads)
	}
	if c.IsSet(FlagDirectDB) {
		cfg.DirectDB = c.Bool(FlagDirectDB)
	}
	if c.IsSet(FlagObjectIDOnly) {
		cfg.ObjectIDOnly = c.Bool(FlagObjectIDOnly)
	}
	if c.IsSet(FlagSkipValidation) {
		cfg.SkipSharkValidation = c.Bool(FlagSkipValidation)
	}
	if c.IsSet(FlagFile) {
		cfg.OutputFile = c.String(FlagFile)
	}
	if c.IsSet(FlagMinCopies) {
		cfg.MinCopies = c.Int(FlagMinCopies)
	}
	if c.IsSet(FlagIndexColumn) {
		cfg.IndexColumns = c.StringSlice(FlagIndexColumn)
	}
	if c.IsSet(FlagLogLevel) {
		cfg.LogLevel = c.String(FlagLogLevel)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, common.NewConfigError(fmt.Sprintf("unknown log level %q", level), err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, common.NewConfigError("failed to build logger", err)
	}
	return logger, nil
}

// execute wires the run together and blocks until every shard scan reached a
// terminal state. The report is returned alongside the error whenever any
// scanning happened at all.
func execute(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*scan.RunReport, error) {
	scope, closer, err := metrics.NewScope(cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	sharks := match.FixupSharks(cfg.Sharks, cfg.Domain, logger)
	targets := match.NewTargetSet(sharks, cfg.MinCopies)

	store, err := buildStubStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	detector := duplicate.NewDetector(store, logger, scope)

	// The aggregator cancels this context when an output write fails, which
	// stops every scanner at its next page boundary.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shards := make([]uint32, 0, cfg.MaxShard-cfg.MinShard+1)
	for shard := cfg.MinShard; shard <= cfg.MaxShard; shard++ {
		shards = append(shards, shard)
	}
	aggregator, err := output.NewAggregator(output.Params{
		Sharks:       sharks,
		Shards:       shards,
		Domain:       cfg.Domain,
		BaseDir:      ".",
		ObjectIDOnly: cfg.ObjectIDOnly,
		SingleFile:   cfg.OutputFile,
		Cancel:       cancel,
		Logger:       logger,
		Scope:        scope,
	})
	if err != nil {
		return nil, err
	}
	aggregator.Start()

	// One limiter for the whole run so adding shards never multiplies the
	// load put on the metadata tier.
	burst := int(cfg.PageRPS)
	if burst < 1 {
		burst = 1
	}
	limiter := quotas.NewRateLimiter(cfg.PageRPS, burst)
	factory := func(ctx context.Context, desc scan.ShardDescriptor) (scan.Accessor, error) {
		if cfg.DirectDB {
			return directdb.NewAccessor(ctx, desc.PostgresHost(), limiter, logger)
		}
		return moray.NewAccessor(ctx, desc.MorayAddr(), limiter, logger)
	}
	validator := moray.NewValidator(scan.MorayHostForShard(1, cfg.Domain), logger)

	dispatcher := scan.NewDispatcher(cfg, targets, factory, validator, detector, aggregator, logger, scope)
	report, runErr := dispatcher.Run(runCtx)
	runErr = multierr.Append(runErr, aggregator.Close())
	if report != nil {
		logger.Info("run finished",
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("cancelled", report.Cancelled),
			zap.Int64("written", aggregator.Written()))
	}
	return report, runErr
}

func buildStubStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (duplicate.Store, error) {
	if cfg.StubDB.DSN == "" {
		logger.Warn("no stub database configured, duplicate findings will not survive the run")
		return duplicate.NewMemoryStore(), nil
	}
	return duplicate.NewPostgresStore(ctx, cfg.StubDB.DSN, logger)
}

func printSummary(w io.Writer, report *scan.RunReport) {
	fmt.Fprintf(w, "\nrun %v: %v completed, %v failed, %v cancelled\n\n",
		report.RunID, report.Completed, report.Failed, report.Cancelled)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Shard", "State", "Records", "Matched", "Duplicates", "Etag Conflicts", "Data Errors", "Pages"})
	table.SetBorder(false)
	for _, shard := range report.Shards {
		table.Append([]string{
			strconv.FormatUint(uint64(shard.Shard), 10),
			shard.State.String(),
			strconv.FormatInt(shard.Handled.RecordsCount, 10),
			strconv.FormatInt(shard.Handled.MatchedCount, 10),
			strconv.FormatInt(shard.Handled.DuplicateCount, 10),
			strconv.FormatInt(shard.Handled.EtagConflictCount, 10),
			strconv.FormatInt(shard.Handled.DataErrorCount, 10),
			strconv.FormatInt(shard.Handled.PagesCount, 10),
		})
	}
	table.Render()

	for _, shard := range report.Shards {
		for _, failure := range shard.ControlFlowFailures {
			fmt.Fprintf(w, "shard %v: %v: %v\n", shard.Shard, failure.Note, failure.Details)
		}
	}
}
