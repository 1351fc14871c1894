package kv

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
)

const objectsTable = "objects"

type record struct {
	Key     string
	Value   []byte
	Version uint64
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		objectsTable: {
			Name: objectsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

// MemoryStore is an in-process Store used by tests and single-node runs.
// Versions come from one counter shared by all keys, so a deleted and
// recreated key never reuses a version.
type MemoryStore struct {
	db *memdb.MemDB

	// index is only touched inside write transactions, which memdb serialises.
	index uint64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{db: db}, nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	tx := s.db.Txn(false)
	defer tx.Abort()

	rec, err := first(tx, key)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return clone(rec.Value), rec.Version, nil
}

// Create stores a value at key only if it doesn't already exist.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx := s.db.Txn(true)
	defer tx.Abort()

	rec, err := first(tx, key)
	if err != nil {
		return 0, err
	}
	if rec != nil {
		return 0, fmt.Errorf("%w: %s", ErrExists, key)
	}
	return s.write(tx, key, value)
}

// Update stores a value at key only if the version matches.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, version uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx := s.db.Txn(true)
	defer tx.Abort()

	rec, err := first(tx, key)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if rec.Version != version {
		return 0, fmt.Errorf("%w: %s at %d, expected %d", ErrConflict, key, rec.Version, version)
	}
	return s.write(tx, key, value)
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.db.Txn(true)
	defer tx.Abort()

	rec, err := first(tx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		if version > 0 {
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
		return nil
	}
	if version > 0 && rec.Version != version {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrConflict, key, rec.Version, version)
	}
	if err := tx.Delete(objectsTable, rec); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Keys returns the keys that start with prefix in lexical order.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := s.db.Txn(false)
	defer tx.Abort()

	it, err := tx.Get(objectsTable, "id_prefix", prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		keys = append(keys, raw.(*record).Key)
	}
	return keys, nil
}

func (s *MemoryStore) write(tx *memdb.Txn, key string, value []byte) (uint64, error) {
	s.index++
	rec := &record{Key: key, Value: clone(value), Version: s.index}
	if err := tx.Insert(objectsTable, rec); err != nil {
		s.index--
		return 0, err
	}
	tx.Commit()
	return rec.Version, nil
}

func first(tx *memdb.Txn, key string) (*record, error) {
	raw, err := tx.First(objectsTable, "id", key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*record), nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
