package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// ErrSkip may be returned by a mutate function to finish without writing.
var ErrSkip = errors.New("kv: skip write")

// Objects layers typed, codec-aware access and the optimistic-concurrency
// retry loop over a Store.
type Objects struct {
	store      Store
	codec      Codec
	policy     core.RetryPolicy
	opTimeout  time.Duration
	onConflict func(key string)
}

// Option configures Objects.
type Option func(*Objects)

// WithCodec sets the serialisation codec. JSON is the default.
func WithCodec(c Codec) Option {
	return func(o *Objects) { o.codec = c }
}

// WithRetryPolicy bounds the compare-and-swap loop.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return func(o *Objects) { o.policy = p }
}

// WithOpTimeout bounds every single store round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(o *Objects) { o.opTimeout = d }
}

// WithConflictHook is called for every conflicting write.
func WithConflictHook(fn func(key string)) Option {
	return func(o *Objects) { o.onConflict = fn }
}

// NewObjects wraps store.
func NewObjects(store Store, opts ...Option) *Objects {
	o := &Objects{
		store:  store,
		codec:  JSONCodec{},
		policy: core.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy.MaxAttempts < 1 {
		o.policy.MaxAttempts = 1
	}
	return o
}

// Store returns the underlying store.
func (o *Objects) Store() Store { return o.store }

// Get decodes the value at key into v and returns its version.
func (o *Objects) Get(ctx context.Context, key string, v any) (uint64, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	data, version, err := o.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := o.codec.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return version, nil
}

// Create encodes v and stores it only if key is absent.
func (o *Objects) Create(ctx context.Context, key string, v any) (uint64, error) {
	data, err := o.codec.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.store.Create(ctx, key, data)
}

// Update encodes v and stores it only if key is still at version.
func (o *Objects) Update(ctx context.Context, key string, v any, version uint64) (uint64, error) {
	data, err := o.codec.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.store.Update(ctx, key, data, version)
}

// Delete removes key, conditionally when version is non-zero.
func (o *Objects) Delete(ctx context.Context, key string, version uint64) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.store.Delete(ctx, key, version)
}

// Keys lists keys under prefix.
func (o *Objects) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.store.Keys(ctx, prefix)
}

func (o *Objects) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.opTimeout)
}

func (o *Objects) conflict(key string) {
	if o.onConflict != nil {
		o.onConflict(key)
	}
}

// Mutate reads the object at key, applies fn and writes the result back
// conditionally, retrying on conflicts with backoff. fn receives the zero
// value and exists=false when the key is absent, in which case a nil return
// creates the object. fn may run several times and must only depend on its
// arguments. Returning ErrSkip ends the loop without a write.
func Mutate[T any](ctx context.Context, o *Objects, key string, fn func(cur *T, exists bool) error) (*T, uint64, error) {
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		var cur T
		exists := true
		version, err := o.Get(ctx, key, &cur)
		if errors.Is(err, ErrNotFound) {
			exists = false
			cur = *new(T)
		} else if err != nil {
			return nil, 0, err
		}

		if err := fn(&cur, exists); err != nil {
			if errors.Is(err, ErrSkip) {
				return &cur, version, nil
			}
			return nil, 0, err
		}

		var next uint64
		if exists {
			next, err = o.Update(ctx, key, &cur, version)
		} else {
			next, err = o.Create(ctx, key, &cur)
		}
		switch {
		case err == nil:
			return &cur, next, nil
		case errors.Is(err, ErrConflict), errors.Is(err, ErrExists), errors.Is(err, ErrNotFound):
			o.conflict(key)
			if attempt < o.policy.MaxAttempts {
				if err := sleep(ctx, core.CalculateBackoff(&o.policy, attempt)); err != nil {
					return nil, 0, err
				}
			}
		default:
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%w: %s after %d attempts", ErrTooManyConflicts, key, o.policy.MaxAttempts)
}

// DeleteIf removes the object at key when pred holds for its current value.
// It reports whether a delete happened.
func DeleteIf[T any](ctx context.Context, o *Objects, key string, pred func(cur *T) bool) (bool, error) {
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		var cur T
		version, err := o.Get(ctx, key, &cur)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !pred(&cur) {
			return false, nil
		}
		err = o.Delete(ctx, key, version)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return false, err
		}
		o.conflict(key)
		if attempt < o.policy.MaxAttempts {
			if err := sleep(ctx, core.CalculateBackoff(&o.policy, attempt)); err != nil {
				return false, err
			}
		}
	}
	return false, fmt.Errorf("%w: %s after %d attempts", ErrTooManyConflicts, key, o.policy.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
