package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openjobspec/ojs-tape-scheduler/internal/catalogue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/changer"
	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/drive"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
	"github.com/openjobspec/ojs-tape-scheduler/internal/lease"
	"github.com/openjobspec/ojs-tape-scheduler/internal/metrics"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
	natsbackend "github.com/openjobspec/ojs-tape-scheduler/internal/nats"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/scheduler"
)

// App is a fully wired scheduler process.
type App struct {
	Config      Config
	Metrics     *metrics.Collector
	Catalogue   *catalogue.Cached
	Queues      *queue.Manager
	Scheduler   *scheduler.Scheduler
	Admin       *scheduler.Admin
	Maintenance *scheduler.Maintenance
	Drives      []drive.Drive

	catFile *catalogue.File
	backend *natsbackend.Backend
	broker  *natsbackend.PubSubBroker
	log     *slog.Logger

	stopOnce sync.Once
}

// Open connects to the object store, loads the catalogue and builds the
// scheduler. Nothing runs until Start. Metrics are registered with reg when
// it is not nil.
func Open(cfg Config, reg prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, log: slog.Default()}
	if reg != nil {
		a.Metrics = metrics.New(reg)
		a.Metrics.SetInfo(core.Version, cfg.Store)
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	codec, err := kv.CodecByName(cfg.Codec)
	if err != nil {
		a.Close()
		return nil, err
	}
	objs := kv.NewObjects(store,
		kv.WithCodec(codec),
		kv.WithOpTimeout(cfg.OpTimeout),
		kv.WithConflictHook(a.Metrics.CASConflict),
	)

	a.catFile, err = catalogue.LoadFile(cfg.CataloguePath, cfg.CatalogueReport)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Catalogue = catalogue.NewCached(a.catFile, cfg.CatalogueCacheTTL)

	a.Drives, err = a.localDrives()
	if err != nil {
		a.Close()
		return nil, err
	}

	var alerts scheduler.Publisher = scheduler.LogPublisher{Logger: a.log}
	if a.backend != nil {
		a.broker = natsbackend.NewPubSubBroker(a.backend.Conn())
		alerts = a.broker
	}

	a.Queues = queue.NewManager(objs)
	deps := scheduler.Deps{
		Queues:    a.Queues,
		Leases:    lease.NewManager(objs, lease.WithSkewTolerance(cfg.LeaseSkew)),
		Mounts:    mount.NewStore(objs, core.SystemClock{}),
		Catalogue: a.Catalogue,
		Drives:    a.Drives,
		Unique:    kv.NewUniqueStore(store),
		Alerts:    alerts,
		Metrics:   a.Metrics,
	}
	a.Scheduler, err = scheduler.New(cfg.Scheduler, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Admin = scheduler.NewAdmin(deps)
	a.Maintenance, err = scheduler.NewMaintenance(a.Admin, a.reloadCatalogue, cfg.Maintenance, a.log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	return a, nil
}

func (a *App) openStore() (kv.Store, error) {
	if a.Config.Store == StoreMemory {
		return kv.NewMemoryStore()
	}
	backend, err := natsbackend.New(a.Config.NatsURL, natsbackend.SetupConfig{
		Replicas:     a.Config.NatsReplicas,
		EventMaxAge:  a.Config.EventMaxAge,
		ObjectBucket: a.Config.ObjectBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.backend = backend
	a.log.Info("connected to NATS", "url", a.Config.NatsURL)
	return backend.Store(), nil
}

// localDrives builds the drives the catalogue places on this host. Without a
// changer address the drives are simulated end to end.
func (a *App) localDrives() ([]drive.Drive, error) {
	configs, err := a.catFile.Drives(context.Background())
	if err != nil {
		return nil, err
	}
	var client *changer.Client
	if a.Config.ChangerAddr != "" {
		client = changer.NewClient(a.Config.ChangerAddr, a.Config.ChangerTimeout)
	}
	var drives []drive.Drive
	for _, dc := range configs {
		if dc.Host != "" && dc.Host != a.Config.DriveHost {
			continue
		}
		var opts []drive.SimOption
		if client != nil {
			opts = append(opts, drive.WithChanger(client, dc.Ordinal))
		}
		drives = append(drives, drive.NewSimulated(dc.Name, dc.LogicalLibrary, opts...))
	}
	if len(drives) == 0 {
		a.log.Warn("no drives configured for this host; scheduler will only report and recover", "host", a.Config.DriveHost)
	}
	return drives, nil
}

func (a *App) reloadCatalogue() error {
	if err := a.catFile.Reload(); err != nil {
		return err
	}
	a.Catalogue.Invalidate()
	return nil
}

// Health reports whether the object store is reachable.
func (a *App) Health(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Health(ctx)
}

// Start runs the scheduler loop, the catalogue cache and the maintenance jobs.
func (a *App) Start() {
	a.Catalogue.Start()
	a.Scheduler.Start()
	a.Maintenance.Start()
	a.log.Info("scheduler started",
		"instance_id", a.Config.Scheduler.InstanceID,
		"drives", len(a.Drives),
		"store", a.Config.Store,
	)
}

// Stop halts the loops started by Start. In-flight sessions return their
// jobs to the transfer queues. Only the first call has an effect.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		start := time.Now()
		a.Maintenance.Stop()
		a.Scheduler.Stop()
		a.Catalogue.Stop()
		a.log.Info("scheduler stopped", "took", time.Since(start).String())
	})
}

// Close releases connections and files. Call after Stop.
func (a *App) Close() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.catFile != nil {
		if err := a.catFile.Close(); err != nil {
			a.log.Warn("closing catalogue", "error", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn("closing NATS connection", "error", err)
		}
	}
}
