package duplicate

import (
	"context"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/metadata"
)

type (
	// Detector classifies observations of matched records against a Store.
	// It is safe for concurrent use by multiple shard scanners.
	Detector struct {
		store  Store
		logger *zap.Logger
		scope  tally.Scope
	}
)

// NewDetector returns a new instance of Detector backed by the given store.
func NewDetector(store Store, logger *zap.Logger, scope tally.Scope) *Detector {
	return &Detector{
		store:  store,
		logger: logger,
		scope:  scope.SubScope("duplicate"),
	}
}

// Observe records one sighting of a matched record and classifies it. The
// record must carry decoded object metadata; shard and sequence name the
// coordinates the record was scanned at.
func (d *Detector) Observe(ctx context.Context, record *metadata.Record, shard uint32, sequence string) (Result, error) {
	stub := &Stub{
		ObjectID:       record.Object.ObjectID,
		Key:            record.Key,
		Etag:           record.Etag,
		Shards:         []int64{int64(shard)},
		AnchorShard:    shard,
		AnchorSequence: sequence,
		AnchorIndex:    record.Index,
	}

	inserted, existing, err := d.store.InsertStub(ctx, stub)
	if err != nil {
		return "", err
	}
	if inserted {
		d.scope.Counter("first_seen").Inc(1)
		return ResultFirstSeen, nil
	}

	if existing.AnchorShard == shard && existing.AnchorSequence == sequence && existing.AnchorIndex == record.Index {
		// The stub's own first observation came around again, which happens
		// whenever an unchanged scan is re-run.
		return ResultFirstSeen, nil
	}

	if existing.Etag != record.Etag {
		d.logger.Error("found two metadata entries with different etags",
			zap.String("objectID", record.Object.ObjectID),
			zap.String("key", record.Key),
			zap.Uint32("shard", shard),
			zap.Uint32("firstSeenShard", existing.AnchorShard),
			zap.String("etag", record.Etag),
			zap.String("firstSeenEtag", existing.Etag))
		d.scope.Counter("etag_conflicts").Inc(1)
		return ResultEtagConflict, nil
	}

	if err := d.store.MarkDuplicate(ctx, record.Object.ObjectID, shard); err != nil {
		return "", err
	}
	entry := &Entry{
		ObjectID: record.Object.ObjectID,
		Key:      record.Key,
		Shard:    shard,
		Sequence: sequence,
		Index:    record.Index,
		Object:   record.Value,
	}
	if err := d.store.InsertEntry(ctx, entry); err != nil {
		return "", err
	}

	d.scope.Counter("duplicates").Inc(1)
	return ResultDuplicate, nil
}
