package duplicate

import (
	"context"
	"sync"
)

type (
	entryKey struct {
		objectID string
		shard    uint32
		sequence string
		index    uint64
	}

	// MemoryStore is a Store kept entirely in memory. It backs ephemeral
	// runs that configure no stub database, and the package's tests; its
	// findings do not survive the process.
	MemoryStore struct {
		mu      sync.Mutex
		stubs   map[string]*Stub
		entries map[entryKey]*Entry
	}
)

// NewMemoryStore returns a new instance of MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stubs:   make(map[string]*Stub),
		entries: make(map[entryKey]*Entry),
	}
}

// InsertStub inserts the stub if its object id is unseen.
func (s *MemoryStore) InsertStub(ctx context.Context, stub *Stub) (bool, *Stub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.stubs[stub.ObjectID]; ok {
		return false, copyStub(existing), nil
	}
	s.stubs[stub.ObjectID] = copyStub(stub)
	return true, nil, nil
}

// MarkDuplicate flags the stub for objectID and appends the sighting shard
// if it is not recorded yet.
func (s *MemoryStore) MarkDuplicate(ctx context.Context, objectID string, shard uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stub, ok := s.stubs[objectID]
	if !ok {
		return nil
	}
	stub.Duplicate = true
	for _, existing := range stub.Shards {
		if existing == int64(shard) {
			return nil
		}
	}
	stub.Shards = append(stub.Shards, int64(shard))
	return nil
}

// InsertEntry records a duplicate snapshot, ignoring repeats of the same
// observation coordinates.
func (s *MemoryStore) InsertEntry(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{
		objectID: entry.ObjectID,
		shard:    entry.Shard,
		sequence: entry.Sequence,
		index:    entry.Index,
	}
	if _, ok := s.entries[key]; ok {
		return nil
	}
	copied := *entry
	s.entries[key] = &copied
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// GetStub returns a copy of the stub for objectID, if one exists.
func (s *MemoryStore) GetStub(objectID string) (*Stub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stub, ok := s.stubs[objectID]
	if !ok {
		return nil, false
	}
	return copyStub(stub), true
}

// StubCount returns the number of stubs recorded.
func (s *MemoryStore) StubCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stubs)
}

// EntryCount returns the number of duplicate snapshots recorded.
func (s *MemoryStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func copyStub(stub *Stub) *Stub {
	copied := *stub
	copied.Shards = append([]int64(nil), stub.Shards...)
	return &copied
}
