package mount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

// Store persists mounts and enforces the transition table on every write.
type Store struct {
	objs  *kv.Objects
	clock core.Clock
}

// NewStore creates a mount store.
func NewStore(objs *kv.Objects, clock core.Clock) *Store {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Store{objs: objs, clock: clock}
}

// Create persists a new mount.
func (s *Store) Create(ctx context.Context, m *Mount) error {
	if _, err := s.objs.Create(ctx, Key(m.ID), m); err != nil {
		if errors.Is(err, kv.ErrExists) {
			return core.NewDuplicateError("mount", m.ID)
		}
		return err
	}
	return nil
}

// Get loads a mount.
func (s *Store) Get(ctx context.Context, id string) (*Mount, error) {
	var m Mount
	if _, err := s.objs.Get(ctx, Key(id), &m); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, core.NewNotFoundError("mount", id)
		}
		return nil, err
	}
	return &m, nil
}

// List returns every mount, oldest first.
func (s *Store) List(ctx context.Context) ([]*Mount, error) {
	keys, err := s.objs.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	mounts := make([]*Mount, 0, len(keys))
	for _, k := range keys {
		var m Mount
		if _, err := s.objs.Get(ctx, k, &m); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		mounts = append(mounts, &m)
	}
	sort.Slice(mounts, func(i, j int) bool {
		if !mounts[i].CreatedAt.Equal(mounts[j].CreatedAt) {
			return mounts[i].CreatedAt.Before(mounts[j].CreatedAt)
		}
		return mounts[i].ID < mounts[j].ID
	})
	return mounts, nil
}

// Update applies fn to the mount under compare-and-swap. fn must not change State.
func (s *Store) Update(ctx context.Context, id string, fn func(m *Mount) error) (*Mount, error) {
	m, _, err := kv.Mutate(ctx, s.objs, Key(id), func(cur *Mount, exists bool) error {
		if !exists {
			return core.NewNotFoundError("mount", id)
		}
		state := cur.State
		if err := fn(cur); err != nil {
			return err
		}
		if cur.State != state {
			return fmt.Errorf("mount %s: state changed outside Transition", id)
		}
		cur.UpdatedAt = s.clock.Now()
		return nil
	})
	return m, err
}

// Transition moves the mount from one of the states in from to to. It fails
// with an invalid-state error when the stored state is not in from or the
// transition table forbids the move. fn, when set, is applied in the same write.
func (s *Store) Transition(ctx context.Context, id string, from []State, to State, fn func(m *Mount)) (*Mount, error) {
	m, _, err := kv.Mutate(ctx, s.objs, Key(id), func(cur *Mount, exists bool) error {
		if !exists {
			return core.NewNotFoundError("mount", id)
		}
		if len(from) > 0 && !containsState(from, cur.State) {
			return core.NewInvalidStateError(string(cur.State), string(to))
		}
		if !CanTransition(cur.State, to) {
			return core.NewInvalidStateError(string(cur.State), string(to))
		}
		now := s.clock.Now()
		cur.State = to
		cur.UpdatedAt = now
		if to.IsTerminal() {
			cur.FinishedAt = now
		}
		if fn != nil {
			fn(cur)
		}
		return nil
	})
	return m, err
}

// RequestAbort flags a live mount for abort. The session acts on it at its
// next job boundary.
func (s *Store) RequestAbort(ctx context.Context, id, reason string) (*Mount, error) {
	return s.Update(ctx, id, func(m *Mount) error {
		if m.State.IsTerminal() {
			return core.NewInvalidStateError(string(m.State), "abort")
		}
		if m.AbortRequested {
			return kv.ErrSkip
		}
		m.AbortRequested = true
		m.AbortReason = reason
		return nil
	})
}

// Prune deletes terminal mounts that finished before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	mounts, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, m := range mounts {
		if !m.State.IsTerminal() || !m.FinishedAt.Before(cutoff) {
			continue
		}
		ok, err := kv.DeleteIf(ctx, s.objs, Key(m.ID), func(cur *Mount) bool {
			return cur.State.IsTerminal() && cur.FinishedAt.Before(cutoff)
		})
		if err != nil {
			return pruned, err
		}
		if ok {
			pruned++
		}
	}
	return pruned, nil
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
