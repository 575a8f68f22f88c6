// Package duplicate detects object metadata that appears more than once
// across the scanned shards.
//
// The first sighting of an object id writes a stub recording where it was
// seen. Every later sighting at different coordinates is a duplicate: the
// stub is marked, the sighting shard is appended to it, and a full snapshot
// of the duplicated metadata is kept for offline inspection. A sighting
// whose record version differs from the stub's is a conflict and is only
// reported, never recorded, so the stored state never mixes versions.
package duplicate

import (
	"context"
	"encoding/json"
)

type (
	// Result classifies one observation of a record.
	Result string

	// Stub is the insert-if-absent marker for one object id. The anchor
	// fields pin the coordinates of the first observation so that re-running
	// an unchanged scan classifies the same row as first seen again.
	Stub struct {
		ObjectID       string
		Key            string
		Etag           string
		Duplicate      bool
		Shards         []int64
		AnchorShard    uint32
		AnchorSequence string
		AnchorIndex    uint64
	}

	// Entry is a full snapshot of one duplicated observation, keyed by the
	// object id plus the coordinates it was sighted at.
	Entry struct {
		ObjectID string
		Key      string
		Shard    uint32
		Sequence string
		Index    uint64
		Object   json.RawMessage
	}

	// Store persists stubs and duplicate entries. Implementations must
	// serialize concurrent access; scanners for different shards observe
	// records through the same store at the same time.
	Store interface {
		// InsertStub inserts the stub if no stub exists for its object id.
		// It reports whether the insert happened, and returns the resident
		// stub when it did not.
		InsertStub(ctx context.Context, stub *Stub) (bool, *Stub, error)

		// MarkDuplicate flags the stub for objectID and records shard as one
		// of the shards the object was sighted on.
		MarkDuplicate(ctx context.Context, objectID string, shard uint32) error

		// InsertEntry records a duplicate snapshot, ignoring re-inserts of
		// the same observation coordinates.
		InsertEntry(ctx context.Context, entry *Entry) error

		Close() error
	}
)

const (
	// ResultFirstSeen means no stub existed for the object id, or the
	// observation hit the stub's own anchor coordinates again.
	ResultFirstSeen Result = "first_seen"
	// ResultDuplicate means the object id was already stubbed from different
	// coordinates with a matching record version.
	ResultDuplicate Result = "duplicate"
	// ResultEtagConflict means the object id was already stubbed but the
	// record versions disagree.
	ResultEtagConflict Result = "etag_conflict"
)
