package duplicate

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	createStubsTable = `CREATE TABLE IF NOT EXISTS mantastubs (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		etag TEXT NOT NULL,
		duplicate BOOLEAN NOT NULL DEFAULT FALSE,
		shards BIGINT[] NOT NULL,
		anchor_shard INTEGER NOT NULL,
		anchor_sequence TEXT NOT NULL,
		anchor_index BIGINT NOT NULL
	)`

	createDuplicatesTable = `CREATE TABLE IF NOT EXISTS mantaduplicates (
		id TEXT NOT NULL,
		key TEXT NOT NULL,
		shard INTEGER NOT NULL,
		sequence TEXT NOT NULL,
		idx BIGINT NOT NULL,
		object JSONB NOT NULL,
		PRIMARY KEY (id, shard, sequence, idx)
	)`

	insertStubQuery = `INSERT INTO mantastubs
		(id, key, etag, duplicate, shards, anchor_shard, anchor_sequence, anchor_index)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	getStubQuery = `SELECT id, key, etag, duplicate, shards, anchor_shard, anchor_sequence, anchor_index
		FROM mantastubs WHERE id = $1`

	markDuplicateQuery = `UPDATE mantastubs SET duplicate = TRUE,
		shards = CASE WHEN $2 = ANY(shards) THEN shards ELSE array_append(shards, $2) END
		WHERE id = $1`

	insertEntryQuery = `INSERT INTO mantaduplicates (id, key, shard, sequence, idx, object)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`
)

type (
	// PostgresStore is a Store backed by a postgres database. The database
	// serializes concurrent observations from the shard scanners, and keeps
	// findings across runs so a scan can be resumed or re-checked offline.
	PostgresStore struct {
		db     *sqlx.DB
		logger *zap.Logger
	}
)

// NewPostgresStore connects to the database at dsn and creates the stub and
// duplicate tables if they do not exist yet.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{createStubsTable, createDuplicatesTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// InsertStub inserts the stub if its object id is unseen, otherwise returns
// the resident stub.
func (s *PostgresStore) InsertStub(ctx context.Context, stub *Stub) (bool, *Stub, error) {
	result, err := s.db.ExecContext(ctx, insertStubQuery,
		stub.ObjectID, stub.Key, stub.Etag, pq.Array(stub.Shards),
		int64(stub.AnchorShard), stub.AnchorSequence, int64(stub.AnchorIndex))
	if err != nil {
		return false, nil, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if inserted == 1 {
		return true, nil, nil
	}

	existing, err := s.getStub(ctx, stub.ObjectID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// MarkDuplicate flags the stub for objectID and appends the sighting shard
// if it is not recorded yet.
func (s *PostgresStore) MarkDuplicate(ctx context.Context, objectID string, shard uint32) error {
	_, err := s.db.ExecContext(ctx, markDuplicateQuery, objectID, int64(shard))
	return err
}

// InsertEntry records a duplicate snapshot, ignoring repeats of the same
// observation coordinates.
func (s *PostgresStore) InsertEntry(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, insertEntryQuery,
		entry.ObjectID, entry.Key, int64(entry.Shard), entry.Sequence, int64(entry.Index),
		types.JSONText(entry.Object))
	return err
}

// Close releases the database connections.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) getStub(ctx context.Context, objectID string) (*Stub, error) {
	var stub Stub
	row := s.db.QueryRowContext(ctx, getStubQuery, objectID)
	err := row.Scan(&stub.ObjectID, &stub.Key, &stub.Etag, &stub.Duplicate,
		pq.Array(&stub.Shards), &stub.AnchorShard, &stub.AnchorSequence, &stub.AnchorIndex)
	if errors.Is(err, sql.ErrNoRows) {
		// An insert conflict without a resident row; surface it rather than
		// classify the observation blindly.
		s.logger.Warn("stub disappeared between insert and read",
			zap.String("objectID", objectID))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &stub, nil
}
