package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupConfig sizes the JetStream resources.
type SetupConfig struct {
	Replicas     int
	EventMaxAge  time.Duration
	ObjectBucket string
}

// SetupJetStream creates the event stream and the object bucket.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, cfg SetupConfig) error {
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = 7 * 24 * time.Hour
	}
	if cfg.ObjectBucket == "" {
		cfg.ObjectBucket = BucketObjects
	}

	// Events and alerts are kept for replay by dashboards; the scheduler
	// itself never reads them back.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{EventsAllSubject(), AlertsAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.EventMaxAge,
		Discard:   jetstream.DiscardOld,
		Replicas:  cfg.Replicas,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	_, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.ObjectBucket,
		History:  1,
		Storage:  jetstream.FileStorage,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", cfg.ObjectBucket, err)
	}
	return nil
}
