package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	// Load a .env file from the working directory, if present, before any
	// variable is read.
	_ "github.com/joho/godotenv/autoload"

	"github.com/openjobspec/ojs-tape-scheduler/internal/scheduler"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port            string
	GRPCPort        string
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Store        string
	NatsURL      string
	NatsReplicas int
	EventMaxAge  time.Duration
	ObjectBucket string
	Codec        string
	OpTimeout    time.Duration

	CataloguePath     string
	CatalogueReport   string
	CatalogueCacheTTL time.Duration

	DriveHost      string
	ChangerAddr    string
	ChangerTimeout time.Duration

	LeaseSkew   time.Duration
	Scheduler   scheduler.Config
	Maintenance scheduler.MaintenanceConfig
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	host, _ := os.Hostname()
	sc := scheduler.DefaultConfig()
	mc := scheduler.DefaultMaintenanceConfig()

	return Config{
		Port:            getEnv("TAPESCHED_PORT", "8080"),
		GRPCPort:        getEnv("TAPESCHED_GRPC_PORT", "9090"),
		LogLevel:        getEnv("TAPESCHED_LOG_LEVEL", "info"),
		ReadTimeout:     getEnvDuration("TAPESCHED_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("TAPESCHED_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("TAPESCHED_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("TAPESCHED_SHUTDOWN_TIMEOUT", 60*time.Second),

		Store:        getEnv("TAPESCHED_STORE", StoreNATS),
		NatsURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NatsReplicas: getEnvInt("TAPESCHED_NATS_REPLICAS", 1),
		EventMaxAge:  getEnvDuration("TAPESCHED_EVENT_MAX_AGE", 7*24*time.Hour),
		ObjectBucket: getEnv("TAPESCHED_OBJECT_BUCKET", "tapesched-objects"),
		Codec:        getEnv("TAPESCHED_CODEC", "json"),
		OpTimeout:    getEnvDuration("TAPESCHED_OP_TIMEOUT", 5*time.Second),

		CataloguePath:     getEnv("TAPESCHED_CATALOGUE", "catalogue.yaml"),
		CatalogueReport:   getEnv("TAPESCHED_CATALOGUE_REPORT", ""),
		CatalogueCacheTTL: getEnvDuration("TAPESCHED_CATALOGUE_CACHE_TTL", 30*time.Second),

		DriveHost:      getEnv("TAPESCHED_DRIVE_HOST", host),
		ChangerAddr:    getEnv("TAPESCHED_CHANGER_ADDR", ""),
		ChangerTimeout: getEnvDuration("TAPESCHED_CHANGER_TIMEOUT", 10*time.Minute),

		LeaseSkew: getEnvDuration("TAPESCHED_LEASE_SKEW", 0),
		Scheduler: scheduler.Config{
			InstanceID:         getEnv("TAPESCHED_INSTANCE_ID", sc.InstanceID),
			PollInterval:       getEnvDuration("TAPESCHED_POLL_INTERVAL", sc.PollInterval),
			LeaseTTL:           getEnvDuration("TAPESCHED_LEASE_TTL", sc.LeaseTTL),
			RenewInterval:      getEnvDuration("TAPESCHED_RENEW_INTERVAL", sc.RenewInterval),
			BatchSize:          getEnvInt("TAPESCHED_BATCH_SIZE", sc.BatchSize),
			RetryLimit:         getEnvInt("TAPESCHED_RETRY_LIMIT", sc.RetryLimit),
			ReportBatch:        getEnvInt("TAPESCHED_REPORT_BATCH", sc.ReportBatch),
			DriveTimeout:       getEnvDuration("TAPESCHED_DRIVE_TIMEOUT", sc.DriveTimeout),
			DriveFaultCooldown: getEnvDuration("TAPESCHED_DRIVE_FAULT_COOLDOWN", sc.DriveFaultCooldown),
		},
		Maintenance: scheduler.MaintenanceConfig{
			ReconcileSpec:  getEnv("TAPESCHED_RECONCILE_SCHEDULE", mc.ReconcileSpec),
			PruneSpec:      getEnv("TAPESCHED_PRUNE_SCHEDULE", mc.PruneSpec),
			ReloadSpec:     getEnv("TAPESCHED_RELOAD_SCHEDULE", mc.ReloadSpec),
			MountRetention: getEnvDuration("TAPESCHED_MOUNT_RETENTION", mc.MountRetention),
			Timeout:        getEnvDuration("TAPESCHED_MAINTENANCE_TIMEOUT", mc.Timeout),
		},
	}
}

// Validate checks settings that would otherwise fail later at runtime.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreNATS:
	default:
		return fmt.Errorf("unknown store %q (want %q or %q)", c.Store, StoreMemory, StoreNATS)
	}
	if c.CataloguePath == "" {
		return fmt.Errorf("TAPESCHED_CATALOGUE must be set")
	}
	if c.LeaseSkew < 0 || c.LeaseSkew >= c.Scheduler.LeaseTTL {
		return fmt.Errorf("lease skew %s must be in [0, lease ttl)", c.LeaseSkew)
	}
	return c.Scheduler.Validate()
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
