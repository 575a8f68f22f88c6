package moray

import (
	"context"
	"fmt"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/common/backoff"
	"github.com/TritonDataCenter/sharkspotter/common/quotas"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

type (
	// sqlClient is the slice of the protocol client paging depends on.
	sqlClient interface {
		SQL(ctx context.Context, query string, each func(*fastjson.Value) error) error
		Close() error
	}

	// Accessor pages object records out of one shard's metadata table over
	// the service's sql RPC.
	Accessor struct {
		addr    string
		dial    func(ctx context.Context) (sqlClient, error)
		client  sqlClient
		limiter quotas.Limiter
		policy  backoff.RetryPolicy
		logger  *zap.Logger
	}
)

// NewAccessor connects to a shard's metadata service. The connection is made
// eagerly so a dead endpoint fails the shard before any paging starts;
// transient failures during paging reconnect and retry with backoff.
func NewAccessor(ctx context.Context, addr string, limiter quotas.Limiter, logger *zap.Logger) (*Accessor, error) {
	a := &Accessor{
		addr: addr,
		dial: func(ctx context.Context) (sqlClient, error) {
			return dialClient(ctx, addr, logger)
		},
		limiter: limiter,
		policy:  common.CreateScanRetryPolicy(),
		logger:  logger,
	}
	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// Page returns up to limit records of the column's index sequence, ascending
// from fromIndex. A short page means the sequence is exhausted. Rows that
// fail to decode come back carrying their error so the caller can account
// for them without stopping the scan.
func (a *Accessor) Page(ctx context.Context, column string, fromIndex uint64, limit int) ([]metadata.RecordResult, error) {
	if !metadata.IsIndexColumn(column) {
		return nil, fmt.Errorf("column %q is not an index sequence", column)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT * FROM manta WHERE %s >= %d AND type = 'object' ORDER BY %s ASC LIMIT %d;",
		column, fromIndex, column, limit)

	var page []metadata.RecordResult
	op := func() error {
		page = page[:0]
		if a.client == nil {
			client, err := a.dial(ctx)
			if err != nil {
				return err
			}
			a.client = client
		}
		err := a.client.SQL(ctx, query, func(row *fastjson.Value) error {
			record, decodeErr := metadata.DecodeRecord(row.MarshalTo(nil), column)
			page = append(page, metadata.RecordResult{Record: record, Error: decodeErr})
			return nil
		})
		if err != nil {
			// The stream is in an unknown state, reconnect before retrying.
			if closeErr := a.client.Close(); closeErr != nil {
				a.logger.Debug("failed to close moray connection", zap.Error(closeErr))
			}
			a.client = nil
		}
		return err
	}
	if err := backoff.Retry(ctx, op, a.policy, common.IsTransientError); err != nil {
		if common.IsTransientError(err) && !common.IsConnectivityError(err) {
			return nil, common.NewConnectivityError("sql", a.addr, err)
		}
		return nil, err
	}
	return page, nil
}

func (a *Accessor) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
