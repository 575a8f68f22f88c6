package scan

import (
	"context"
	"errors"

	"github.com/TritonDataCenter/sharkspotter/duplicate"
	"github.com/TritonDataCenter/sharkspotter/match"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

// ErrIteratorEmpty indicates that Next was called on an empty iterator.
var ErrIteratorEmpty = errors.New("iterator is empty")

type (
	// Accessor reads pages of records from one shard's metadata store. Both
	// access modes satisfy this; the scanner never knows which one it runs
	// against.
	Accessor interface {
		// Page returns up to limit records of the given index column whose
		// index is at least fromIndex, in ascending index order, one
		// RecordResult per underlying row. A page shorter than limit means
		// the sequence is exhausted.
		Page(ctx context.Context, column string, fromIndex uint64, limit int) ([]metadata.RecordResult, error)

		Close() error
	}

	// AccessorFactory builds the accessor for one shard, in whichever access
	// mode the run was configured for.
	AccessorFactory func(ctx context.Context, desc ShardDescriptor) (Accessor, error)

	// SharkValidator checks before any scanning starts that each target
	// shark exists exactly once in the region.
	SharkValidator interface {
		Validate(ctx context.Context, sharks []string) error
	}

	// RecordIterator walks one index sequence of one shard record by record,
	// fetching pages on demand.
	RecordIterator interface {
		// Next returns the current result and advances the iterator.
		// If HasNext is true it is guaranteed that Next will return a nil
		// error and a non-nil result.
		Next() (*metadata.RecordResult, error)
		// HasNext indicates if the iterator has a next element.
		HasNext() bool
		// Err returns the error that stopped the iterator early, nil after a
		// clean exhaustion.
		Err() error
		// Cursor returns the iterator's current cursor.
		Cursor() Cursor
		// Pages returns the number of pages fetched so far.
		Pages() int64
	}

	// Scanner scans a single shard.
	Scanner interface {
		Scan(ctx context.Context) *ShardScanReport
	}

	// RecordSink receives matched records. The output aggregator satisfies
	// this; tests substitute their own.
	RecordSink interface {
		Write(result match.Result) error
	}

	// Observer classifies sightings of matched records. The duplicate
	// detector satisfies this.
	Observer interface {
		Observe(ctx context.Context, record *metadata.Record, shard uint32, sequence string) (duplicate.Result, error)
	}
)
