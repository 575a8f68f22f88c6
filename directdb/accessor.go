// Package directdb pages object records straight out of a shard's backing
// PostgreSQL database, bypassing the metadata service. The rows differ
// slightly from what the service's sql rpc returns, so decoding goes through
// its own row shape.
package directdb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	// PostgreSQL driver.
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/common/backoff"
	"github.com/TritonDataCenter/sharkspotter/common/quotas"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

const (
	pageQuery = "SELECT %s AS idx, _key, _value, _etag, _mtime FROM manta" +
		" WHERE %s >= $1 AND type = 'object' ORDER BY %s ASC LIMIT $2"

	dsnTemplate = "host=%s port=5432 user=postgres dbname=moray sslmode=disable connect_timeout=10"
)

type (
	// mantaRow is one row of the shard's manta table. The WHERE clause only
	// selects rows whose index column is set, so idx is never null.
	mantaRow struct {
		Idx   int64  `db:"idx"`
		Key   string `db:"_key"`
		Value string `db:"_value"`
		Etag  string `db:"_etag"`
		Mtime int64  `db:"_mtime"`
	}

	// Accessor pages object records out of one shard's database.
	Accessor struct {
		host    string
		db      *sqlx.DB
		limiter quotas.Limiter
		policy  backoff.RetryPolicy
		logger  *zap.Logger
	}
)

// NewAccessor connects to the shard's database. The connection is verified
// eagerly so an unreachable shard fails before any paging starts.
func NewAccessor(ctx context.Context, host string, limiter quotas.Limiter, logger *zap.Logger) (*Accessor, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", fmt.Sprintf(dsnTemplate, host))
	if err != nil {
		return nil, common.NewConnectivityError("connect", host, err)
	}
	logger.Debug("connected to shard database", zap.String("host", host))
	return &Accessor{
		host:    host,
		db:      db,
		limiter: limiter,
		policy:  common.CreateScanRetryPolicy(),
		logger:  logger,
	}, nil
}

// Page returns up to limit records of the column's index sequence, ascending
// from fromIndex. A short page means the sequence is exhausted. Rows whose
// payload fails to decode come back carrying their error so the caller can
// account for them without stopping the scan.
func (a *Accessor) Page(ctx context.Context, column string, fromIndex uint64, limit int) ([]metadata.RecordResult, error) {
	if !metadata.IsIndexColumn(column) {
		return nil, fmt.Errorf("column %q is not an index sequence", column)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(pageQuery, column, column, column)
	var page []metadata.RecordResult
	op := func() error {
		page = page[:0]
		rows, err := a.db.QueryxContext(ctx, query, int64(fromIndex), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row mantaRow
			if err := rows.StructScan(&row); err != nil {
				return err
			}
			record, decodeErr := metadata.NewRecord(uint64(row.Idx), row.Key, row.Etag, row.Mtime, []byte(row.Value))
			page = append(page, metadata.RecordResult{Record: record, Error: decodeErr})
		}
		return rows.Err()
	}
	if err := backoff.Retry(ctx, op, a.policy, common.IsTransientError); err != nil {
		if common.IsTransientError(err) {
			return nil, common.NewConnectivityError("query", a.host, err)
		}
		return nil, err
	}
	return page, nil
}

// Close releases the database handle.
func (a *Accessor) Close() error {
	return a.db.Close()
}
