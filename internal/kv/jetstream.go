package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore backs Store with a NATS JetStream KV bucket.
type JetStreamStore struct {
	kv jetstream.KeyValue
}

// NewJetStreamStore wraps a NATS KV bucket.
func NewJetStreamStore(kv jetstream.KeyValue) *JetStreamStore {
	return &JetStreamStore{kv: kv}
}

// Get retrieves a value by key.
func (s *JetStreamStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, translate(key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Create stores a value at key only if it doesn't already exist.
func (s *JetStreamStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("%w: %s", ErrExists, key)
		}
		return 0, translate(key, err)
	}
	return rev, nil
}

// Update stores a value at key only if the revision matches.
func (s *JetStreamStore) Update(ctx context.Context, key string, value []byte, version uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, version)
	if err != nil {
		return 0, translate(key, err)
	}
	return rev, nil
}

// Delete removes a key, conditionally on its revision when version is non-zero.
func (s *JetStreamStore) Delete(ctx context.Context, key string, version uint64) error {
	var opts []jetstream.KVDeleteOpt
	if version > 0 {
		opts = append(opts, jetstream.LastRevision(version))
	}
	if err := s.kv.Delete(ctx, key, opts...); err != nil {
		return translate(key, err)
	}
	return nil
}

// Keys returns the keys in the bucket that start with prefix.
func (s *JetStreamStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// If no keys exist, NATS returns an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// translate maps JetStream errors onto the store sentinels. A wrong last
// sequence from Update or a conditional Delete is a conflict; jetstream's
// ErrKeyExists carries the same API code, so Create checks it first.
func translate(key string, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	case isWrongSequence(err):
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	return fmt.Errorf("kv %s: %w", key, err)
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
