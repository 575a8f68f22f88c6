package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/match"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

const testDomain = "east.joyent.us"

type (
	AggregatorSuite struct {
		*require.Assertions
		suite.Suite

		dir       string
		cancelled bool
	}

	failingWriter struct{}
)

func (w *failingWriter) Add(e interface{}) error {
	return errors.New("disk full")
}

func (w *failingWriter) Flush() error {
	return errors.New("disk full")
}

func TestAggregatorSuite(t *testing.T) {
	suite.Run(t, new(AggregatorSuite))
}

func (s *AggregatorSuite) SetupTest() {
	s.Assertions = require.New(s.T())
	s.dir = s.T().TempDir()
	s.cancelled = false
}

func (s *AggregatorSuite) params() Params {
	return Params{
		Sharks:  []string{"3.stor." + testDomain, "35.stor." + testDomain},
		Shards:  []uint32{1, 2},
		Domain:  testDomain,
		BaseDir: s.dir,
		Cancel:  func() { s.cancelled = true },
		Logger:  zap.NewNop(),
		Scope:   tally.NoopScope,
	}
}

func (s *AggregatorSuite) result(shark string, shard uint32, objectID string) match.Result {
	payload := fmt.Sprintf(`{"objectId": %q, "sharks": [{"datacenter": "dc1", "manta_storage_id": %q}]}`, objectID, shark)
	return match.Result{
		Shark:    shark,
		Shard:    shard,
		ObjectID: objectID,
		Record: &metadata.Record{
			Index: 1,
			Key:   "/acct/stor/" + objectID,
			Etag:  "AABB",
			Value: json.RawMessage(payload),
			Object: &metadata.Object{
				ObjectID: objectID,
				Sharks:   []metadata.StorageNode{{Datacenter: "dc1", MantaStorageID: shark}},
			},
		},
	}
}

func (s *AggregatorSuite) readLines(path string, objectLines bool) []*LineResult {
	f, err := os.Open(path)
	s.NoError(err)
	defer f.Close()

	var lines []*LineResult
	itr := NewFileLineIterator(f, objectLines)
	for itr.HasNext() {
		line, err := itr.Next()
		s.NoError(err)
		lines = append(lines, line)
	}
	return lines
}

func (s *AggregatorSuite) TestWritesFullRecordsPerSharkAndShard() {
	agg, err := NewAggregator(s.params())
	s.NoError(err)
	agg.Start()

	shark := "3.stor." + testDomain
	other := "35.stor." + testDomain
	s.NoError(agg.Write(s.result(shark, 1, "oid-1")))
	s.NoError(agg.Write(s.result(shark, 1, "oid-2")))
	s.NoError(agg.Write(s.result(shark, 2, "oid-3")))
	s.NoError(agg.Write(s.result(other, 1, "oid-4")))

	s.NoError(agg.Close())
	s.Equal(int64(4), agg.Written())

	lines := s.readLines(filepath.Join(s.dir, "3.stor", "shard_1.objs"), true)
	s.Len(lines, 2)
	s.Equal("oid-1", lines[0].Object.ObjectID)
	s.Equal("oid-2", lines[1].Object.ObjectID)

	lines = s.readLines(filepath.Join(s.dir, "3.stor", "shard_2.objs"), true)
	s.Len(lines, 1)
	s.Equal("oid-3", lines[0].Object.ObjectID)

	lines = s.readLines(filepath.Join(s.dir, "35.stor", "shard_1.objs"), true)
	s.Len(lines, 1)
	s.Equal("oid-4", lines[0].Object.ObjectID)

	// Untouched sinks leave empty files behind.
	lines = s.readLines(filepath.Join(s.dir, "35.stor", "shard_2.objs"), true)
	s.Empty(lines)
}

func (s *AggregatorSuite) TestObjectIDOnly() {
	params := s.params()
	params.ObjectIDOnly = true
	agg, err := NewAggregator(params)
	s.NoError(err)
	agg.Start()

	shark := "3.stor." + testDomain
	s.NoError(agg.Write(s.result(shark, 1, "oid-1")))
	s.NoError(agg.Write(s.result(shark, 1, "oid-2")))
	s.NoError(agg.Close())

	data, err := ioutil.ReadFile(filepath.Join(s.dir, "3.stor", "shard_1.objs"))
	s.NoError(err)
	s.Equal("oid-1\noid-2\n", string(data))
}

func (s *AggregatorSuite) TestSingleFileOverride() {
	params := s.params()
	params.SingleFile = filepath.Join(s.dir, "all.objs")
	agg, err := NewAggregator(params)
	s.NoError(err)
	agg.Start()

	s.NoError(agg.Write(s.result("3.stor."+testDomain, 1, "oid-1")))
	s.NoError(agg.Write(s.result("35.stor."+testDomain, 2, "oid-2")))
	s.NoError(agg.Close())

	lines := s.readLines(params.SingleFile, true)
	s.Len(lines, 2)

	// The per shark layout is not created in single file mode.
	_, err = os.Stat(filepath.Join(s.dir, "3.stor"))
	s.True(os.IsNotExist(err))
}

func (s *AggregatorSuite) TestSingleFileAppends() {
	path := filepath.Join(s.dir, "all.objs")
	s.NoError(ioutil.WriteFile(path, []byte("existing\n"), 0644))

	params := s.params()
	params.SingleFile = path
	params.ObjectIDOnly = true
	agg, err := NewAggregator(params)
	s.NoError(err)
	agg.Start()
	s.NoError(agg.Write(s.result("3.stor."+testDomain, 1, "oid-1")))
	s.NoError(agg.Close())

	data, err := ioutil.ReadFile(path)
	s.NoError(err)
	s.Equal("existing\noid-1\n", string(data))
}

func (s *AggregatorSuite) TestRefusesToOverwriteShardFiles() {
	s.NoError(os.MkdirAll(filepath.Join(s.dir, "3.stor"), 0755))
	s.NoError(ioutil.WriteFile(filepath.Join(s.dir, "3.stor", "shard_1.objs"), []byte("stale\n"), 0644))

	_, err := NewAggregator(s.params())
	s.Error(err)
	s.True(common.IsOutputError(err))
}

func (s *AggregatorSuite) TestConcurrentWritersKeepLinesIntact() {
	agg, err := NewAggregator(s.params())
	s.NoError(err)
	agg.Start()

	shark := "3.stor." + testDomain
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				objectID := fmt.Sprintf("oid-%v-%v", w, i)
				s.NoError(agg.Write(s.result(shark, 1, objectID)))
			}
		}(w)
	}
	wg.Wait()
	s.NoError(agg.Close())

	lines := s.readLines(filepath.Join(s.dir, "3.stor", "shard_1.objs"), true)
	s.Len(lines, writers*perWriter)
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		s.NoError(line.Error)
		seen[line.Object.ObjectID] = struct{}{}
	}
	s.Len(seen, writers*perWriter)
}

func (s *AggregatorSuite) TestWriteFailureCancelsRun() {
	agg, err := NewAggregator(s.params())
	s.NoError(err)

	shark := "3.stor." + testDomain
	key := sinkKey{shark: shark, shard: 1}
	agg.sinks[key].writer = &failingWriter{}
	agg.Start()

	s.NoError(agg.Write(s.result(shark, 1, "oid-1")))

	err = agg.Close()
	s.Error(err)
	s.Contains(err.Error(), "disk full")
	s.True(s.cancelled)

	// Later writers are turned away once the failure is recorded.
	s.Error(agg.err.Load())
}

func (s *AggregatorSuite) TestUnknownSinkIsFatal() {
	agg, err := NewAggregator(s.params())
	s.NoError(err)
	agg.Start()

	s.NoError(agg.Write(s.result("99.stor."+testDomain, 1, "oid-1")))

	err = agg.Close()
	s.Error(err)
	s.True(s.cancelled)
}

func (s *AggregatorSuite) TestLineIteratorEmptyFile() {
	itr := NewFileLineIterator(strings.NewReader(""), true)
	s.False(itr.HasNext())
	result, err := itr.Next()
	s.Nil(result)
	s.Equal(ErrIteratorEmpty, err)
}

func (s *AggregatorSuite) TestLineIteratorMalformedLine() {
	content := `{"objectId": "oid-1", "sharks": []}
not json
{"objectId": "oid-2", "sharks": []}
`
	itr := NewFileLineIterator(strings.NewReader(content), true)

	var results []*LineResult
	for itr.HasNext() {
		result, err := itr.Next()
		s.NoError(err)
		results = append(results, result)
	}
	s.Len(results, 3)
	s.NoError(results[0].Error)
	s.Equal("oid-1", results[0].Object.ObjectID)
	s.Error(results[1].Error)
	s.Nil(results[1].Object)
	s.NoError(results[2].Error)
}

func (s *AggregatorSuite) TestLineIteratorRawLines() {
	itr := NewFileLineIterator(strings.NewReader("oid-1\noid-2\n"), false)

	var lines []string
	for itr.HasNext() {
		result, err := itr.Next()
		s.NoError(err)
		lines = append(lines, string(result.Line))
	}
	s.Equal([]string{"oid-1", "oid-2"}, lines)
}
