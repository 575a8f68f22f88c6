package moray

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/common/backoff"
	"github.com/TritonDataCenter/sharkspotter/common/quotas"
)

type (
	// fakeSQLClient replays one scripted outcome per call: either the
	// error at that position or the rows at that position.
	fakeSQLClient struct {
		rows      [][]string
		errs      []error
		calls     int
		queries   []string
		closed    bool
		closeErrs int
	}

	AccessorSuite struct {
		*require.Assertions
		suite.Suite
	}
)

func (f *fakeSQLClient) SQL(ctx context.Context, query string, each func(*fastjson.Value) error) error {
	call := f.calls
	f.calls++
	f.queries = append(f.queries, query)
	if call < len(f.errs) && f.errs[call] != nil {
		return f.errs[call]
	}
	if call >= len(f.rows) {
		return nil
	}
	var parser fastjson.Parser
	for _, row := range f.rows[call] {
		v, err := parser.Parse(row)
		if err != nil {
			return err
		}
		if err := each(v); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSQLClient) Close() error {
	f.closed = true
	f.closeErrs++
	return nil
}

func TestAccessorSuite(t *testing.T) {
	suite.Run(t, new(AccessorSuite))
}

func (s *AccessorSuite) SetupTest() {
	s.Assertions = require.New(s.T())
}

func fastRetryPolicy(maxAttempts int) backoff.RetryPolicy {
	policy := backoff.NewExponentialRetryPolicy(time.Millisecond)
	policy.SetMaximumInterval(2 * time.Millisecond)
	policy.SetMaximumAttempts(maxAttempts)
	return policy
}

func (s *AccessorSuite) newAccessor(client *fakeSQLClient) (*Accessor, *int) {
	dials := 0
	return &Accessor{
		addr: "1.moray.east.joyent.us:2021",
		dial: func(ctx context.Context) (sqlClient, error) {
			dials++
			return client, nil
		},
		client:  client,
		limiter: quotas.NewRateLimiter(1000, 1000),
		policy:  fastRetryPolicy(3),
		logger:  zap.NewNop(),
	}, &dials
}

const testRow = `{"_id":%v,"_key":"/acct/stor/f.txt","_etag":"ETAG","_mtime":5,"_value":"{\"objectId\":\"oid-%v\",\"sharks\":[{\"datacenter\":\"dc1\",\"manta_storage_id\":\"3.stor.east.joyent.us\"}]}"}`

func row(index int) string {
	return fmt.Sprintf(testRow, index, index)
}

func (s *AccessorSuite) TestPageBuildsOrderedQuery() {
	client := &fakeSQLClient{}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(context.Background(), "_id", 100, 25)
	s.NoError(err)
	s.Equal(
		"SELECT * FROM manta WHERE _id >= 100 AND type = 'object' ORDER BY _id ASC LIMIT 25;",
		client.queries[0])

	_, err = accessor.Page(context.Background(), "_idx", 0, 7)
	s.NoError(err)
	s.Equal(
		"SELECT * FROM manta WHERE _idx >= 0 AND type = 'object' ORDER BY _idx ASC LIMIT 7;",
		client.queries[1])
}

func (s *AccessorSuite) TestPageDecodesRows() {
	client := &fakeSQLClient{rows: [][]string{{row(10), row(11)}}}
	accessor, _ := s.newAccessor(client)

	page, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.NoError(err)
	s.Len(page, 2)
	s.NoError(page[0].Error)
	s.Equal(uint64(10), page[0].Record.Index)
	s.Equal("ETAG", page[0].Record.Etag)
	s.Equal("oid-10", page[0].Record.Object.ObjectID)
	s.Equal("oid-11", page[1].Record.Object.ObjectID)
}

func (s *AccessorSuite) TestMalformedRowsCarryTheirError() {
	malformed := `{"_id":11,"_key":"/acct/stor/g.txt","_mtime":5,"_value":"{}"}`
	client := &fakeSQLClient{rows: [][]string{{row(10), malformed}}}
	accessor, _ := s.newAccessor(client)

	page, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.NoError(err)
	s.Len(page, 2)
	s.NoError(page[0].Error)
	s.Error(page[1].Error)
	s.True(common.IsDataError(page[1].Error))
	s.NotNil(page[1].Record, "the index survives so the cursor can advance")
	s.Equal(uint64(11), page[1].Record.Index)
}

func (s *AccessorSuite) TestRejectsUnknownColumn() {
	client := &fakeSQLClient{}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(context.Background(), "_mtime", 0, 100)
	s.Error(err)
	s.Zero(client.calls)
}

func (s *AccessorSuite) TestTransientErrorReconnectsAndRetries() {
	client := &fakeSQLClient{
		errs: []error{io.ErrUnexpectedEOF, nil},
		rows: [][]string{nil, {row(10)}},
	}
	accessor, dials := s.newAccessor(client)

	page, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.NoError(err)
	s.Len(page, 1)
	s.Equal(2, client.calls)
	s.Equal(1, *dials, "the connection is replaced after a transient failure")
	s.True(client.closed)
}

func (s *AccessorSuite) TestNonTransientErrorNotRetried() {
	queryErr := errors.New(`sql failed: InvalidQueryError: relation "manta" does not exist`)
	client := &fakeSQLClient{errs: []error{queryErr}}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.Equal(queryErr, err)
	s.Equal(1, client.calls)
}

func (s *AccessorSuite) TestRetriesExhaustedBecomeConnectivityError() {
	client := &fakeSQLClient{
		errs: []error{io.EOF, io.EOF, io.EOF, io.EOF},
	}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.Error(err)
	s.True(common.IsConnectivityError(err))
	s.Contains(err.Error(), "1.moray.east.joyent.us:2021")
	s.Equal(3, client.calls)
}

func (s *AccessorSuite) TestCancelledContextStopsBeforeQuerying() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeSQLClient{}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(ctx, "_id", 0, 100)
	s.Error(err)
	s.Zero(client.calls)
}

func (s *AccessorSuite) TestCloseIsIdempotentAfterFailure() {
	client := &fakeSQLClient{errs: []error{errors.New("fatal query error")}}
	accessor, _ := s.newAccessor(client)

	_, err := accessor.Page(context.Background(), "_id", 0, 100)
	s.Error(err)
	s.NoError(accessor.Close(), "the failed connection was already closed")
	s.Equal(1, client.closeErrs)
}
