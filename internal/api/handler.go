// Package api exposes the scheduler's submission and administration
// operations over HTTP.
package api

import (
	"context"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/scheduler"
)

// Backend is the set of operations the handlers call. *scheduler.Admin
// implements it.
type Backend interface {
	SubmitArchive(ctx context.Context, user string, req core.ArchiveRequest) (*core.Job, error)
	SubmitRetrieve(ctx context.Context, user string, req core.RetrieveRequest) (*core.Job, error)
	Job(ctx context.Context, id string) (*core.Job, error)

	Queues(ctx context.Context) ([]scheduler.QueueSummary, error)
	QueueStats(ctx context.Context, q core.QueueID) (core.QueueStats, error)
	FailedJobs(ctx context.Context, dir core.Direction, pool string, limit int) ([]*core.Job, error)
	RetryFailed(ctx context.Context, id string) (*core.Job, error)
	DeleteFailed(ctx context.Context, id string) error
	Reconcile(ctx context.Context) ([]queue.ReconcileResult, error)

	Mounts(ctx context.Context, active bool) ([]*mount.Mount, error)
	Mount(ctx context.Context, id string) (*mount.Mount, error)
	AbortMount(ctx context.Context, id, reason string) (*mount.Mount, error)
	PruneMounts(ctx context.Context, retention time.Duration) (int, error)
}

var _ Backend = (*scheduler.Admin)(nil)

// HealthChecker reports whether the object store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}
