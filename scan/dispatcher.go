package scan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pborman/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/config"
	"github.com/TritonDataCenter/sharkspotter/match"
)

type (
	// Dispatcher turns a run's configuration into per shard work, validates
	// the target sharks, and fans the work out over a bounded set of
	// workers. Shards fail independently; one shard's error never stops its
	// siblings.
	Dispatcher struct {
		cfg       *config.Config
		runID     string
		targets   *match.TargetSet
		factory   AccessorFactory
		validator SharkValidator
		observer  Observer
		sink      RecordSink
		logger    *zap.Logger
		scope     tally.Scope
	}
)

// NewDispatcher returns a new instance of Dispatcher.
func NewDispatcher(
	cfg *config.Config,
	targets *match.TargetSet,
	factory AccessorFactory,
	validator SharkValidator,
	observer Observer,
	sink RecordSink,
	logger *zap.Logger,
	scope tally.Scope,
) *Dispatcher {
	runID := uuid.New()
	return &Dispatcher{
		cfg:       cfg,
		runID:     runID,
		targets:   targets,
		factory:   factory,
		validator: validator,
		observer:  observer,
		sink:      sink,
		logger:    logger.With(zap.String("runID", runID)),
		scope:     scope,
	}
}

// Run executes the scan and blocks until every shard reached a terminal
// state. The returned error aggregates the per shard failures; the report is
// returned alongside it whenever any scanning happened at all.
func (d *Dispatcher) Run(ctx context.Context) (*RunReport, error) {
	if d.cfg.SkipSharkValidation {
		d.logger.Warn("shark validation skipped by configuration")
	} else {
		if err := d.validator.Validate(ctx, d.targets.Sharks()); err != nil {
			return nil, err
		}
		d.logger.Info("target sharks validated", zap.Strings("sharks", d.targets.Sharks()))
	}

	descs := d.shardDescriptors()
	workers := d.workerCount(len(descs))
	d.logger.Info("dispatching shard scans",
		zap.Int("shards", len(descs)),
		zap.Int("workers", workers),
		zap.Strings("sharks", d.targets.Sharks()))

	var reports []*ShardScanReport
	if workers <= 1 {
		for _, desc := range descs {
			reports = append(reports, d.scanShard(ctx, desc))
		}
	} else {
		work := make(chan ShardDescriptor)
		results := make(chan *ShardScanReport, len(descs))

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for desc := range work {
					results <- d.scanShard(ctx, desc)
				}
			}()
		}
		for _, desc := range descs {
			work <- desc
		}
		close(work)
		wg.Wait()
		close(results)

		for report := range results {
			reports = append(reports, report)
		}
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Shard < reports[j].Shard
	})

	report := &RunReport{
		RunID:  d.runID,
		Shards: reports,
	}
	var runErr error
	for _, shardReport := range reports {
		switch shardReport.State {
		case ScanStateCompleted:
			report.Completed++
		case ScanStateFailed:
			report.Failed++
			runErr = multierr.Append(runErr,
				fmt.Errorf("shard %v failed: %v", shardReport.Shard, failureDetails(shardReport)))
		case ScanStateCancelled:
			report.Cancelled++
		}
	}
	if report.Cancelled > 0 {
		runErr = multierr.Append(runErr,
			fmt.Errorf("run cancelled with %v shard scans unfinished", report.Cancelled))
	}

	d.logger.Info("run finished",
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled))
	return report, runErr
}

// RunID returns the identifier stamped on this run's report and logs.
func (d *Dispatcher) RunID() string {
	return d.runID
}

func (d *Dispatcher) scanShard(ctx context.Context, desc ShardDescriptor) *ShardScanReport {
	accessor, err := d.factory(ctx, desc)
	if err != nil {
		state := ScanStateFailed
		note := "failed to construct shard accessor"
		if ctx.Err() != nil {
			state = ScanStateCancelled
			note = "scan cancelled before start"
		}
		return &ShardScanReport{
			Shard:   desc.Shard,
			State:   state,
			Handled: ShardScanHandled{MatchedByShark: make(map[string]int64)},
			ControlFlowFailures: []ControlFlowFailure{{
				Note:    note,
				Details: err.Error(),
			}},
		}
	}
	defer func() {
		if err := accessor.Close(); err != nil {
			d.logger.Warn("failed to close shard accessor",
				zap.Uint32("shard", desc.Shard), zap.Error(err))
		}
	}()

	scanner := NewShardScanner(desc, accessor, d.targets, d.observer, d.sink, d.logger, d.scope)
	return scanner.Scan(ctx)
}

func (d *Dispatcher) shardDescriptors() []ShardDescriptor {
	descs := make([]ShardDescriptor, 0, d.cfg.MaxShard-d.cfg.MinShard+1)
	for shard := d.cfg.MinShard; shard <= d.cfg.MaxShard; shard++ {
		descs = append(descs, ShardDescriptor{
			Shard:     shard,
			Domain:    d.cfg.Domain,
			Begin:     d.cfg.Begin,
			End:       d.cfg.End,
			Columns:   d.cfg.IndexColumns,
			ChunkSize: d.cfg.ChunkSize,
		})
	}
	return descs
}

func (d *Dispatcher) workerCount(shards int) int {
	if !d.cfg.Multithreaded {
		return 1
	}
	workers := d.cfg.MaxThreads
	if workers <= 0 || workers > shards {
		workers = shards
	}
	return workers
}

func failureDetails(report *ShardScanReport) string {
	if len(report.ControlFlowFailures) == 0 {
		return report.State.String()
	}
	failure := report.ControlFlowFailures[0]
	return fmt.Sprintf("%v: %v", failure.Note, failure.Details)
}
