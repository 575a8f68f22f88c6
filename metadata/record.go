// Package metadata holds the typed model for the object metadata rows stored
// in the manta bucket of each shard, along with the decoders that turn raw
// rows from either access mode into that model.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/TritonDataCenter/sharkspotter/common"
)

const (
	// IndexColumnID is the original numeric index column of the manta bucket.
	IndexColumnID = "_id"
	// IndexColumnIdx is the secondary index column added when _id ran out of
	// headroom on large shards.
	IndexColumnIdx = "_idx"
)

type (
	// Record is one row of the manta bucket. Index holds the value of
	// whichever index column the scan walked to reach the row, and Value
	// holds the raw object metadata payload exactly as the shard stores it.
	Record struct {
		Index  uint64
		Key    string
		Etag   string
		Mtime  int64
		Value  json.RawMessage
		Object *Object
	}

	// RecordResult is a single decoded row, paired with the decode error if
	// the row was malformed. Record is non-nil whenever the row's index could
	// be determined, even if the rest of the row failed to decode.
	RecordResult struct {
		Record *Record
		Error  error
	}

	// Object is the object metadata payload a record carries.
	Object struct {
		ObjectID      string        `json:"objectId"`
		Owner         string        `json:"owner"`
		Key           string        `json:"key"`
		ContentLength uint64        `json:"contentLength"`
		ContentMD5    string        `json:"contentMD5"`
		ContentType   string        `json:"contentType"`
		Creator       string        `json:"creator"`
		Dirname       string        `json:"dirname"`
		Etag          string        `json:"etag"`
		Mtime         int64         `json:"mtime"`
		Name          string        `json:"name"`
		Type          string        `json:"type"`
		Sharks        []StorageNode `json:"sharks"`
		VNode         int64         `json:"vnode"`
	}

	// StorageNode identifies one shark holding a copy of an object.
	StorageNode struct {
		Datacenter     string `json:"datacenter"`
		MantaStorageID string `json:"manta_storage_id"`
	}

	wireRecord struct {
		ID    *uint64         `json:"_id"`
		Idx   *uint64         `json:"_idx"`
		Key   string          `json:"key"`
		UKey  string          `json:"_key"`
		Etag  string          `json:"_etag"`
		Mtime int64           `json:"_mtime"`
		Value json.RawMessage `json:"_value"`
	}

	wireObject struct {
		ObjectID      *string        `json:"objectId"`
		Owner         string         `json:"owner"`
		Key           string         `json:"key"`
		ContentLength uint64         `json:"contentLength"`
		ContentMD5    string         `json:"contentMD5"`
		ContentType   string         `json:"contentType"`
		Creator       string         `json:"creator"`
		Dirname       string         `json:"dirname"`
		Etag          string         `json:"etag"`
		Mtime         int64          `json:"mtime"`
		Name          string         `json:"name"`
		Type          string         `json:"type"`
		Sharks        *[]StorageNode `json:"sharks"`
		VNode         int64          `json:"vnode"`
	}
)

// IsIndexColumn reports whether column names an index column a scan may walk.
func IsIndexColumn(column string) bool {
	return column == IndexColumnID || column == IndexColumnIdx
}

// DecodeRecord decodes one row as returned by the metadata service's sql rpc.
// The column parameter names the index column the row was paged on.
//
// A row whose index cannot be determined yields a nil Record. A row whose
// index is readable but whose remaining fields are malformed yields a partial
// Record together with a DataError, so a caller can still account for the
// row's position in the scan.
func DecodeRecord(data []byte, column string) (*Record, error) {
	if !IsIndexColumn(column) {
		return nil, fmt.Errorf("unsupported index column %q", column)
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, common.NewDataError("record is not valid json", err)
	}

	var index *uint64
	switch column {
	case IndexColumnID:
		index = w.ID
	case IndexColumnIdx:
		index = w.Idx
	}
	if index == nil {
		return nil, common.NewDataError(fmt.Sprintf("record missing index column %v", column), nil)
	}

	key := w.UKey
	if key == "" {
		key = w.Key
	}

	payload, err := normalizeValue(w.Value)
	if err != nil {
		return &Record{Index: *index, Key: key, Etag: w.Etag, Mtime: w.Mtime}, err
	}

	return NewRecord(*index, key, w.Etag, w.Mtime, payload)
}

// NewRecord builds a Record from already separated row columns, as produced
// by a direct database read. The object metadata payload is decoded and
// validated; on failure the partial Record is still returned so the caller
// can advance past the row.
func NewRecord(index uint64, key string, etag string, mtime int64, payload []byte) (*Record, error) {
	record := &Record{
		Index: index,
		Key:   key,
		Etag:  etag,
		Mtime: mtime,
		Value: json.RawMessage(payload),
	}
	if key == "" {
		return record, common.NewDataError("record missing key", nil)
	}
	if etag == "" {
		return record, common.NewDataError("record missing _etag", nil)
	}

	object, err := DecodeObject(payload)
	if err != nil {
		return record, err
	}

	record.Object = object
	return record, nil
}

// DecodeObject decodes an object metadata payload. The objectId and sharks
// fields are required; their absence means the record cannot be matched
// against any target, so a DataError is returned.
func DecodeObject(data []byte) (*Object, error) {
	var w wireObject
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, common.NewDataError("object metadata is not valid json", err)
	}
	if w.ObjectID == nil || *w.ObjectID == "" {
		return nil, common.NewDataError("object metadata missing objectId", nil)
	}
	if w.Sharks == nil {
		return nil, common.NewDataError("object metadata missing sharks", nil)
	}

	return &Object{
		ObjectID:      *w.ObjectID,
		Owner:         w.Owner,
		Key:           w.Key,
		ContentLength: w.ContentLength,
		ContentMD5:    w.ContentMD5,
		ContentType:   w.ContentType,
		Creator:       w.Creator,
		Dirname:       w.Dirname,
		Etag:          w.Etag,
		Mtime:         w.Mtime,
		Name:          w.Name,
		Type:          w.Type,
		Sharks:        *w.Sharks,
		VNode:         w.VNode,
	}, nil
}

// normalizeValue unwraps the _value column to the raw object metadata bytes.
// The sql rpc returns the column as a json string holding json; a direct read
// hands us the inner document already.
func normalizeValue(value json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, common.NewDataError("record missing _value", nil)
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}

	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, common.NewDataError("record _value is not valid json", err)
	}
	return []byte(inner), nil
}
