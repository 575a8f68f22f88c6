package scan

import (
	"context"
	"fmt"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/duplicate"
	"github.com/TritonDataCenter/sharkspotter/match"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

type (
	shardScanner struct {
		desc     ShardDescriptor
		accessor Accessor
		targets  *match.TargetSet
		observer Observer
		sink     RecordSink
		logger   *zap.Logger
		scope    tally.Scope
	}
)

// NewShardScanner constructs a Scanner which scans a single shard's index
// sequences over the given accessor.
func NewShardScanner(
	desc ShardDescriptor,
	accessor Accessor,
	targets *match.TargetSet,
	observer Observer,
	sink RecordSink,
	logger *zap.Logger,
	scope tally.Scope,
) Scanner {
	return &shardScanner{
		desc:     desc,
		accessor: accessor,
		targets:  targets,
		observer: observer,
		sink:     sink,
		logger:   logger.With(zap.Uint32("shard", desc.Shard)),
		scope:    scope.Tagged(map[string]string{"shard": fmt.Sprintf("%d", desc.Shard)}),
	}
}

// Scan walks every configured index sequence of the shard and reports what
// it handled. A scan that stops early reports why; cancellation is only
// honored at page boundaries so the records of an in flight page are never
// half processed.
func (s *shardScanner) Scan(ctx context.Context) *ShardScanReport {
	report := &ShardScanReport{
		Shard: s.desc.Shard,
		State: ScanStatePaging,
		Handled: ShardScanHandled{
			MatchedByShark: make(map[string]int64),
		},
	}

	s.logger.Info("shard scan started",
		zap.Uint64("begin", s.desc.Begin),
		zap.Uint64("end", s.desc.End),
		zap.Strings("sequences", s.desc.Columns))

	for _, column := range s.desc.Columns {
		if err := s.scanSequence(ctx, column, report); err != nil {
			if ctx.Err() != nil {
				report.State = ScanStateCancelled
				report.ControlFlowFailures = append(report.ControlFlowFailures, ControlFlowFailure{
					Note:    "scan cancelled before completion",
					Details: err.Error(),
				})
				s.logger.Warn("shard scan cancelled", zap.String("sequence", column), zap.Error(err))
			} else {
				report.State = ScanStateFailed
				report.ControlFlowFailures = append(report.ControlFlowFailures, ControlFlowFailure{
					Note:    "failed to scan shard",
					Details: err.Error(),
				})
				s.logger.Error("shard scan failed", zap.String("sequence", column), zap.Error(err))
			}
			return report
		}
	}

	report.State = ScanStateCompleted
	s.logger.Info("shard scan completed",
		zap.Int64("records", report.Handled.RecordsCount),
		zap.Int64("matched", report.Handled.MatchedCount),
		zap.Int64("duplicates", report.Handled.DuplicateCount),
		zap.Int64("dataErrors", report.Handled.DataErrorCount),
		zap.Int64("pages", report.Handled.PagesCount))
	return report
}

func (s *shardScanner) scanSequence(ctx context.Context, column string, report *ShardScanReport) error {
	itr := newPageIterator(ctx, s.accessor, s.desc, column, s.logger)
	defer func() {
		report.Handled.PagesCount += itr.Pages()
		report.Cursors = append(report.Cursors, itr.Cursor())
	}()

	for itr.HasNext() {
		curr, err := itr.Next()
		if err != nil {
			return err
		}
		if curr.Error != nil {
			report.Handled.DataErrorCount++
			s.scope.Counter("data_errors").Inc(1)
			fields := []zap.Field{zap.String("sequence", column), zap.Error(curr.Error)}
			if curr.Record != nil {
				fields = append(fields, zap.Uint64("index", curr.Record.Index))
			}
			s.logger.Warn("skipping malformed record", fields...)
			continue
		}
		if err := s.processRecord(ctx, curr.Record, column, report); err != nil {
			return err
		}
	}
	return itr.Err()
}

func (s *shardScanner) processRecord(ctx context.Context, record *metadata.Record, column string, report *ShardScanReport) error {
	report.Handled.RecordsCount++
	s.scope.Counter("records_scanned").Inc(1)

	results := s.targets.Match(record, s.desc.Shard)
	if len(results) == 0 {
		return nil
	}
	report.Handled.MatchedCount++
	s.scope.Counter("records_matched").Inc(1)

	observed, err := s.observer.Observe(ctx, record, s.desc.Shard, column)
	if err != nil {
		return fmt.Errorf("failed to record object sighting: %w", err)
	}
	switch observed {
	case duplicate.ResultDuplicate:
		report.Handled.DuplicateCount++
	case duplicate.ResultEtagConflict:
		report.Handled.EtagConflictCount++
	}

	for _, result := range results {
		if err := s.sink.Write(result); err != nil {
			return fmt.Errorf("failed to write match: %w", err)
		}
		report.Handled.MatchedByShark[result.Shark]++
	}
	return nil
}
