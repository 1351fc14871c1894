// Package lease grants time-bounded exclusive ownership of drives, tapes and
// pool mount slots through conditional writes to the object store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

var (
	// ErrHeld is returned when another owner holds a live lease.
	ErrHeld = &core.SchedError{Code: core.ErrCodeLeaseHeld, Message: "lease held by another owner", Retryable: true}
	// ErrExpired is returned when renewing a lease that has already expired.
	ErrExpired = &core.SchedError{Code: core.ErrCodeLeaseExpired, Message: "lease expired"}
	// ErrLost is returned when the lease now belongs to someone else.
	ErrLost = &core.SchedError{Code: core.ErrCodeLeaseLost, Message: "lease lost"}
)

const keyPrefix = "lease."

// Lease is the persisted ownership record of one resource.
type Lease struct {
	Resource   string     `json:"resource"`
	Owner      string     `json:"owner"`
	Expiry     time.Time  `json:"expiry"`
	Generation uint64     `json:"generation"`
	Attrs      Attributes `json:"attrs"`
	Version    uint64     `json:"-"`
}

// Attributes describe what a lease is used for so holders can be counted
// and orphaned mounts found without reading other objects.
type Attributes struct {
	Pool      string         `json:"pool,omitempty"`
	Direction core.Direction `json:"direction,omitempty"`
	VID       string         `json:"vid,omitempty"`
	Drive     string         `json:"drive,omitempty"`
	MountID   string         `json:"mount_id,omitempty"`
}

// Held reports whether the lease is owned and unexpired at now.
func (l *Lease) Held(now time.Time) bool {
	return l.Owner != "" && now.Before(l.Expiry)
}

// DriveResource names the lease on a drive.
func DriveResource(name string) string { return "drive." + name }

// TapeResource names the lease on a tape.
func TapeResource(vid string) string { return "tape." + vid }

// SlotPrefix is shared by all mount slots of one pool and direction.
func SlotPrefix(dir core.Direction, pool string) string {
	return "slot." + string(dir) + "." + pool + "."
}

// SlotResource names the n-th concurrent mount slot of a pool. A pool with
// quota q has slots 0..q-1, so holding a slot is what bounds concurrency.
func SlotResource(dir core.Direction, pool string, n int) string {
	return SlotPrefix(dir, pool) + strconv.Itoa(n)
}

// Manager acquires, renews and releases leases.
type Manager struct {
	objs  *kv.Objects
	clock core.Clock
	skew  time.Duration
	log   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c core.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSkewTolerance makes other holders' leases count as live for d past
// their expiry before they can be taken over.
func WithSkewTolerance(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a lease manager.
func NewManager(objs *kv.Objects, opts ...Option) *Manager {
	m := &Manager{objs: objs, clock: core.SystemClock{}, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.clock.Now() }

// Acquire takes resource for owner for ttl. It succeeds when the resource
// has never been leased, its lease has expired, or owner already holds it.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration, attrs Attributes) (*Lease, error) {
	if owner == "" {
		return nil, core.NewValidationError("lease owner is required", nil)
	}
	l, version, err := kv.Mutate(ctx, m.objs, keyPrefix+resource, func(cur *Lease, exists bool) error {
		now := m.clock.Now()
		if exists && cur.Owner != owner && cur.Owner != "" && now.Before(cur.Expiry.Add(m.skew)) {
			return fmt.Errorf("%w: %s owned by %s until %s", ErrHeld, resource, cur.Owner, cur.Expiry.Format(time.RFC3339))
		}
		if !exists || cur.Owner != owner {
			cur.Generation++
		}
		cur.Resource = resource
		cur.Owner = owner
		cur.Expiry = now.Add(ttl)
		cur.Attrs = attrs
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.Version = version
	m.log.Debug("lease acquired", "resource", resource, "owner", owner, "generation", l.Generation)
	return l, nil
}

// Renew extends l by ttl from now. It fails with ErrExpired when l ran out
// and with ErrLost when someone else took the resource.
func (m *Manager) Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error) {
	renewed, version, err := kv.Mutate(ctx, m.objs, keyPrefix+l.Resource, func(cur *Lease, exists bool) error {
		if !exists || cur.Owner != l.Owner || cur.Generation != l.Generation {
			return fmt.Errorf("%w: %s", ErrLost, l.Resource)
		}
		now := m.clock.Now()
		if !now.Before(cur.Expiry) {
			return fmt.Errorf("%w: %s at %s", ErrExpired, l.Resource, cur.Expiry.Format(time.RFC3339))
		}
		cur.Expiry = now.Add(ttl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	renewed.Version = version
	return renewed, nil
}

// Release gives up l early. Releasing a lease that has meanwhile passed to
// another owner changes nothing.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	_, _, err := kv.Mutate(ctx, m.objs, keyPrefix+l.Resource, func(cur *Lease, exists bool) error {
		if !exists || cur.Owner != l.Owner || cur.Generation != l.Generation {
			return kv.ErrSkip
		}
		cur.Owner = ""
		cur.Expiry = m.clock.Now()
		cur.Attrs = Attributes{}
		return nil
	})
	return err
}

// Get returns the current record of resource, or a not-found error.
func (m *Manager) Get(ctx context.Context, resource string) (*Lease, error) {
	var l Lease
	version, err := m.objs.Get(ctx, keyPrefix+resource, &l)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, core.NewNotFoundError("lease", resource)
		}
		return nil, err
	}
	l.Version = version
	return &l, nil
}

// Live returns the leases under prefix that are currently held.
func (m *Manager) Live(ctx context.Context, prefix string) ([]*Lease, error) {
	keys, err := m.objs.Keys(ctx, keyPrefix+prefix)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var live []*Lease
	for _, k := range keys {
		var l Lease
		version, err := m.objs.Get(ctx, k, &l)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if l.Held(now) {
			l.Version = version
			live = append(live, &l)
		}
	}
	return live, nil
}

// IsLive reports whether l is still the current lease of its resource and
// has not expired, allowing the configured skew tolerance. Schedulers use it
// to decide whether another holder is gone.
func (m *Manager) IsLive(ctx context.Context, l *Lease) (bool, error) {
	cur, err := m.Get(ctx, l.Resource)
	if core.HasCode(err, core.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Owner != l.Owner || cur.Generation != l.Generation {
		return false, nil
	}
	return m.clock.Now().Before(cur.Expiry.Add(m.skew)), nil
}
