package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig holds the cron specs of the periodic housekeeping jobs.
// An empty spec disables that job.
type MaintenanceConfig struct {
	ReconcileSpec  string
	PruneSpec      string
	ReloadSpec     string
	MountRetention time.Duration
	Timeout        time.Duration
}

// DefaultMaintenanceConfig returns the default housekeeping schedule.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		ReconcileSpec:  "@every 10m",
		PruneSpec:      "@hourly",
		ReloadSpec:     "@every 1m",
		MountRetention: 24 * time.Hour,
		Timeout:        5 * time.Minute,
	}
}

// Maintenance runs housekeeping on a cron schedule: queue reconcile, pruning
// of finished mounts and catalogue reload.
type Maintenance struct {
	cron   *cron.Cron
	admin  *Admin
	reload func() error
	cfg    MaintenanceConfig
	log    *slog.Logger
}

// NewMaintenance registers the housekeeping jobs. reload may be nil.
func NewMaintenance(admin *Admin, reload func() error, cfg MaintenanceConfig, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		admin:  admin,
		reload: reload,
		cfg:    cfg,
		log:    logger.With("component", "maintenance"),
	}
	jobs := []struct {
		spec string
		fn   func(context.Context) error
	}{
		{cfg.ReconcileSpec, m.reconcile},
		{cfg.PruneSpec, m.prune},
		{cfg.ReloadSpec, m.reloadCatalogue},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		fn := j.fn
		if _, err := m.cron.AddFunc(j.spec, func() { m.run(fn) }); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Start begins running jobs in the background.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop prevents further runs and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) run(fn func(context.Context) error) {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.log.Error("maintenance job failed", "error", err)
	}
}

func (m *Maintenance) reconcile(ctx context.Context) error {
	changed, err := m.admin.Reconcile(ctx)
	if err != nil {
		return err
	}
	for _, r := range changed {
		m.log.Info("queue reconciled", "queue", r.Queue.String(), "added", r.Added,
			"committed", r.Committed, "dropped", r.Dropped)
	}
	return nil
}

func (m *Maintenance) prune(ctx context.Context) error {
	n, err := m.admin.PruneMounts(ctx, m.cfg.MountRetention)
	if n > 0 {
		m.log.Info("pruned finished mounts", "count", n)
	}
	return err
}

func (m *Maintenance) reloadCatalogue(context.Context) error {
	if m.reload == nil {
		return nil
	}
	return m.reload()
}
