package metadata

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/TritonDataCenter/sharkspotter/common"
)

const testObjectPayload = `{
	"contentLength": 18187,
	"contentMD5": "0lorS1X8+5ONqOEA4MllWw==",
	"contentType": "text/plain",
	"creator": "713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b",
	"dirname": "/713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b/stor/logs/postgres/2019/10/07/22",
	"etag": "2f66a3d9-ab68-4c36-ab96-7b6bda3b6b2e",
	"key": "/713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b/stor/logs/postgres/2019/10/07/22/f6817e1f.log",
	"mtime": 1570611723062,
	"name": "f6817e1f.log",
	"objectId": "cb389b71-e9cb-c791-b2ca-ad1347dfbfd1",
	"owner": "713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b",
	"sharks": [
		{"datacenter": "dc1", "manta_storage_id": "3.stor.east.joyent.us"},
		{"datacenter": "dc2", "manta_storage_id": "35.stor.east.joyent.us"}
	],
	"type": "object",
	"vnode": 14
}`

type RecordSuite struct {
	*require.Assertions
	suite.Suite
}

func TestRecordSuite(t *testing.T) {
	suite.Run(t, new(RecordSuite))
}

func (s *RecordSuite) SetupTest() {
	s.Assertions = require.New(s.T())
}

func (s *RecordSuite) TestDecodeRecordValueObject() {
	row := fmt.Sprintf(`{
		"bucket": "manta",
		"_count": 224574,
		"_etag": "7712D647",
		"_id": 114590,
		"_mtime": 1570611723074,
		"key": "/713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b/stor/logs/postgres/2019/10/07/22/f6817e1f.log",
		"_value": %v
	}`, testObjectPayload)

	record, err := DecodeRecord([]byte(row), IndexColumnID)
	s.NoError(err)
	s.Equal(uint64(114590), record.Index)
	s.Equal("/713e2f2b-9a04-6e41-a2bf-ec6f5344cd7b/stor/logs/postgres/2019/10/07/22/f6817e1f.log", record.Key)
	s.Equal("7712D647", record.Etag)
	s.Equal(int64(1570611723074), record.Mtime)
	s.NotNil(record.Object)
	s.Equal("cb389b71-e9cb-c791-b2ca-ad1347dfbfd1", record.Object.ObjectID)
	s.Len(record.Object.Sharks, 2)
	s.Equal("3.stor.east.joyent.us", record.Object.Sharks[0].MantaStorageID)
	s.Equal("dc2", record.Object.Sharks[1].Datacenter)
	s.Equal(uint64(18187), record.Object.ContentLength)
}

func (s *RecordSuite) TestDecodeRecordValueString() {
	// The sql rpc hands _value back as a json string holding the document.
	quoted, err := json.Marshal(testObjectPayload)
	s.NoError(err)
	row := fmt.Sprintf(`{"_id": 7, "_key": "/acct/stor/obj.log", "_etag": "AABB0011", "_mtime": 1, "_value": %v}`, string(quoted))

	record, err := DecodeRecord([]byte(row), IndexColumnID)
	s.NoError(err)
	s.Equal(uint64(7), record.Index)
	s.Equal("/acct/stor/obj.log", record.Key)
	s.Equal("cb389b71-e9cb-c791-b2ca-ad1347dfbfd1", record.Object.ObjectID)
	s.Len(record.Object.Sharks, 2)

	var decoded map[string]interface{}
	s.NoError(json.Unmarshal(record.Value, &decoded))
	s.Equal("object", decoded["type"])
}

func (s *RecordSuite) TestDecodeRecordIdxColumn() {
	row := fmt.Sprintf(`{"_idx": 9000000001, "_key": "/acct/stor/a", "_etag": "CAFE", "_mtime": 2, "_value": %v}`, testObjectPayload)

	record, err := DecodeRecord([]byte(row), IndexColumnIdx)
	s.NoError(err)
	s.Equal(uint64(9000000001), record.Index)

	// The same row paged on _id has no index to anchor a cursor on.
	record, err = DecodeRecord([]byte(row), IndexColumnID)
	s.Error(err)
	s.True(common.IsDataError(err))
	s.Nil(record)
}

func (s *RecordSuite) TestDecodeRecordUnsupportedColumn() {
	_, err := DecodeRecord([]byte(`{}`), "_mtime")
	s.Error(err)
	s.False(common.IsDataError(err))
}

func (s *RecordSuite) TestDecodeRecordNotJSON() {
	record, err := DecodeRecord([]byte("not json"), IndexColumnID)
	s.True(common.IsDataError(err))
	s.Nil(record)
}

func (s *RecordSuite) TestDecodeRecordMissingEtag() {
	row := fmt.Sprintf(`{"_id": 42, "_key": "/acct/stor/b", "_mtime": 3, "_value": %v}`, testObjectPayload)

	record, err := DecodeRecord([]byte(row), IndexColumnID)
	s.True(common.IsDataError(err))
	s.NotNil(record)
	s.Equal(uint64(42), record.Index)
	s.Nil(record.Object)
}

func (s *RecordSuite) TestDecodeRecordMissingValue() {
	record, err := DecodeRecord([]byte(`{"_id": 43, "_key": "/acct/stor/c", "_etag": "AA", "_mtime": 3}`), IndexColumnID)
	s.True(common.IsDataError(err))
	s.NotNil(record)
	s.Equal(uint64(43), record.Index)
}

func (s *RecordSuite) TestDecodeObjectMissingObjectID() {
	_, err := DecodeObject([]byte(`{"sharks": []}`))
	s.True(common.IsDataError(err))
}

func (s *RecordSuite) TestDecodeObjectMissingSharks() {
	_, err := DecodeObject([]byte(`{"objectId": "cb389b71-e9cb-c791-b2ca-ad1347dfbfd1"}`))
	s.True(common.IsDataError(err))

	_, err = DecodeObject([]byte(`{"objectId": "cb389b71-e9cb-c791-b2ca-ad1347dfbfd1", "sharks": null}`))
	s.True(common.IsDataError(err))
}

func (s *RecordSuite) TestDecodeObjectEmptySharks() {
	object, err := DecodeObject([]byte(`{"objectId": "cb389b71-e9cb-c791-b2ca-ad1347dfbfd1", "sharks": []}`))
	s.NoError(err)
	s.Empty(object.Sharks)
}

func (s *RecordSuite) TestNewRecordBadPayload() {
	record, err := NewRecord(11, "/acct/stor/d", "BEEF", 4, []byte(`{"owner": "nobody"}`))
	s.True(common.IsDataError(err))
	s.NotNil(record)
	s.Equal(uint64(11), record.Index)
	s.Nil(record.Object)
}

func (s *RecordSuite) TestIsIndexColumn() {
	s.True(IsIndexColumn("_id"))
	s.True(IsIndexColumn("_idx"))
	s.False(IsIndexColumn("_mtime"))
	s.False(IsIndexColumn(""))
}
