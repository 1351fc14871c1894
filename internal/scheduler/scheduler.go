// Package scheduler runs the mount control loop: it picks pools worth a
// mount, claims the resources for it and drives each mount session through
// its states until the tape is dismounted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/catalogue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/criteria"
	"github.com/openjobspec/ojs-tape-scheduler/internal/drive"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
	"github.com/openjobspec/ojs-tape-scheduler/internal/lease"
	"github.com/openjobspec/ojs-tape-scheduler/internal/metrics"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
)

// Config tunes a Scheduler.
type Config struct {
	InstanceID         string
	PollInterval       time.Duration
	LeaseTTL           time.Duration
	RenewInterval      time.Duration
	BatchSize          int
	RetryLimit         int
	ReportBatch        int
	DriveTimeout       time.Duration
	DriveFaultCooldown time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		InstanceID:         core.NewInstanceID(),
		PollInterval:       5 * time.Second,
		LeaseTTL:           60 * time.Second,
		RenewInterval:      20 * time.Second,
		BatchSize:          100,
		RetryLimit:         3,
		ReportBatch:        500,
		DriveTimeout:       10 * time.Minute,
		DriveFaultCooldown: 10 * time.Minute,
	}
}

// Validate rejects configurations the scheduler cannot run safely with.
func (c Config) Validate() error {
	switch {
	case c.InstanceID == "":
		return core.NewValidationError("instance id is required", nil)
	case c.PollInterval <= 0:
		return core.NewValidationError("poll interval must be positive", nil)
	case c.LeaseTTL <= 0:
		return core.NewValidationError("lease ttl must be positive", nil)
	case c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL:
		return core.NewValidationError("renew interval must be positive and shorter than the lease ttl",
			map[string]any{"renew_interval": c.RenewInterval.String(), "lease_ttl": c.LeaseTTL.String()})
	case c.BatchSize <= 0:
		return core.NewValidationError("batch size must be positive", nil)
	case c.RetryLimit < 0:
		return core.NewValidationError("retry limit must not be negative", nil)
	}
	return nil
}

// Deps are the collaborators a Scheduler works with. Alerts, Metrics, Clock,
// Unique and Logger are optional.
type Deps struct {
	Queues    *queue.Manager
	Leases    *lease.Manager
	Mounts    *mount.Store
	Catalogue catalogue.Catalogue
	Drives    []drive.Drive
	Unique    *kv.UniqueStore
	Alerts    Publisher
	Metrics   *metrics.Collector
	Clock     core.Clock
	Logger    *slog.Logger
}

// Scheduler is one scheduler process. Several may share an object store;
// they coordinate only through leases and compare-and-swap writes.
type Scheduler struct {
	cfg     Config
	queues  *queue.Manager
	leases  *lease.Manager
	mounts  *mount.Store
	cat     catalogue.Catalogue
	drives  []drive.Drive
	unique  *kv.UniqueStore
	alerts  Publisher
	metrics *metrics.Collector
	clock   core.Clock
	log     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	running  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[string]*session
	busy     map[string]string
	faulted  map[string]time.Time
}

// errShutdown is the cancellation cause of sessions interrupted by Stop.
var errShutdown = errors.New("scheduler shutting down")

// New creates a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Queues == nil || deps.Leases == nil || deps.Mounts == nil || deps.Catalogue == nil {
		return nil, fmt.Errorf("scheduler: queues, leases, mounts and catalogue are required")
	}
	s := &Scheduler{
		cfg:      cfg,
		queues:   deps.Queues,
		leases:   deps.Leases,
		mounts:   deps.Mounts,
		cat:      deps.Catalogue,
		drives:   deps.Drives,
		unique:   deps.Unique,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Logger,
		stop:     make(chan struct{}),
		sessions: make(map[string]*session),
		busy:     make(map[string]string),
		faulted:  make(map[string]time.Time),
	}
	if s.clock == nil {
		s.clock = core.SystemClock{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("instance", cfg.InstanceID)
	if s.alerts == nil {
		s.alerts = LogPublisher{Logger: s.log}
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	return s, nil
}

// Start runs the poll loop in the background.
func (s *Scheduler) Start() {
	s.loop.Add(1)
	go s.run()
	s.log.Info("scheduler started", "poll_interval", s.cfg.PollInterval.String(), "drives", len(s.drives))
}

// Stop ends the poll loop, interrupts running sessions and waits for them to
// hand their jobs back. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel(errShutdown)
		}
	})
	s.loop.Wait()
	s.running.Wait()
}

// Wait blocks until every session started so far has finished.
func (s *Scheduler) Wait() { s.running.Wait() }

func (s *Scheduler) run() {
	defer s.loop.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.tick()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick() {
	if err := s.Poll(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Error("poll failed", "error", err)
	}
	if _, err := s.DrainReports(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Error("report drain failed", "error", err)
	}
}

// candidate is a {pool, direction} whose transfer queue is worth a mount.
type candidate struct {
	pool  catalogue.Pool
	dir   core.Direction
	stats core.QueueStats
}

func (c candidate) queue() core.QueueID {
	return core.PoolQueue(c.dir, c.pool.Name, core.QueueJobsToTransfer)
}

// Poll runs one scheduling round: orphaned mounts are recovered, then every
// worthy pool gets at most one new mount. Deferrals are not errors.
func (s *Scheduler) Poll(ctx context.Context) error {
	if _, err := s.Reap(ctx); err != nil {
		s.log.Warn("reaping orphaned mounts", "error", err)
	}
	cands, err := s.candidates(ctx)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.startMount(ctx, c)
		switch code := core.CodeOf(err); {
		case err == nil:
		case code == core.ErrCodeQuotaExceeded, code == core.ErrCodeNoDrive, code == core.ErrCodeNoTape:
			s.metrics.Deferred(c.pool.Name, c.dir, code)
			s.log.Debug("mount deferred", "pool", c.pool.Name, "direction", c.dir, "reason", err.Error())
		default:
			s.log.Error("starting mount", "pool", c.pool.Name, "direction", c.dir, "error", err)
		}
	}
	s.metrics.SessionsActive(s.activeSessions())
	return nil
}

// candidates lists worthy pools, highest priority first and oldest work
// first within a priority.
func (s *Scheduler) candidates(ctx context.Context) ([]candidate, error) {
	pools, err := s.cat.Pools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	var cands []candidate
	for _, p := range pools {
		for _, dir := range []core.Direction{core.DirectionArchive, core.DirectionRetrieve} {
			stats, worthy, err := s.worthy(ctx, p, dir)
			if err != nil {
				return nil, err
			}
			if worthy {
				cands = append(cands, candidate{pool: p, dir: dir, stats: stats})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].pool.Priority != cands[j].pool.Priority {
			return cands[i].pool.Priority > cands[j].pool.Priority
		}
		return cands[i].stats.OldestAgeSeconds > cands[j].stats.OldestAgeSeconds
	})
	return cands, nil
}

func (s *Scheduler) worthy(ctx context.Context, p catalogue.Pool, dir core.Direction) (core.QueueStats, bool, error) {
	q := core.PoolQueue(dir, p.Name, core.QueueJobsToTransfer)
	stats, err := s.queues.Stats(ctx, q)
	if err != nil {
		return stats, false, fmt.Errorf("stats of %s: %w", q, err)
	}
	s.metrics.QueueStats(q, stats)
	return stats, criteria.IsMountWorthy(stats, p.Criteria.For(dir)), nil
}

func (s *Scheduler) owner(mountID string) string {
	return s.cfg.InstanceID + "/" + mountID
}

func (s *Scheduler) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Scheduler) isLocal(mountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[mountID]
	return ok
}

func (s *Scheduler) publish(ctx context.Context, ev core.Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	if err := s.alerts.Publish(ctx, ev); err != nil {
		s.log.Warn("publishing event", "kind", ev.Kind, "mount_id", ev.MountID, "error", err)
	}
}

func (s *Scheduler) releaseAll(ctx context.Context, leases []*lease.Lease) {
	for _, l := range leases {
		if l == nil {
			continue
		}
		if err := s.leases.Release(ctx, l); err != nil {
			s.log.Warn("releasing lease", "resource", l.Resource, "error", err)
		}
	}
}

// cleanupContext is used for work that must finish after a session's own
// context has been cancelled.
func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
