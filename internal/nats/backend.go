// Package nats connects the scheduler to a NATS server: a JetStream KV
// bucket is the shared object store and core pub/sub carries events.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

// Backend owns the NATS connection and the object bucket.
type Backend struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	store *kv.JetStreamStore
}

// New connects to natsURL and sets up the JetStream resources.
func New(natsURL string, cfg SetupConfig) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tape-scheduler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	bucket := cfg.ObjectBucket
	if bucket == "" {
		bucket = BucketObjects
	}
	objects, err := js.KeyValue(ctx, bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening KV bucket %s: %w", bucket, err)
	}

	return &Backend{
		nc:    nc,
		js:    js,
		store: kv.NewJetStreamStore(objects),
	}, nil
}

// Conn returns the underlying NATS connection for use by the pub/sub broker.
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

// Store returns the object store backed by the KV bucket.
func (b *Backend) Store() kv.Store {
	return b.store
}

// Health reports whether the connection is usable.
func (b *Backend) Health(ctx context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return b.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (b *Backend) Close() error {
	return b.nc.Drain()
}
