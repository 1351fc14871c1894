package nats

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

func TestStoreConditionalWrites(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()
	store := backend.Store()
	key := "it.cas." + core.NewUUIDv7()

	v1, err := store.Create(ctx, key, []byte("one"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Create(ctx, key, []byte("again")); !errors.Is(err, kv.ErrExists) {
		t.Fatalf("second Create() error = %v, want ErrExists", err)
	}
	v2, err := store.Update(ctx, key, []byte("two"), v1)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := store.Update(ctx, key, []byte("stale"), v1); !errors.Is(err, kv.ErrConflict) {
		t.Fatalf("stale Update() error = %v, want ErrConflict", err)
	}
	data, version, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "two" || version != v2 {
		t.Fatalf("Get() = %q@%d, want %q@%d", data, version, "two", v2)
	}
	if err := store.Delete(ctx, key, v2); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStoreStaleDeleteConflicts(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()
	store := backend.Store()
	key := "it.del." + core.NewUUIDv7()

	v1, err := store.Create(ctx, key, []byte("one"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Update(ctx, key, []byte("two"), v1); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	err = store.Delete(ctx, key, v1)
	if !errors.Is(err, kv.ErrConflict) {
		t.Fatalf("stale Delete() error = %v, want ErrConflict", err)
	}
	if errors.Is(err, kv.ErrExists) {
		t.Fatalf("stale Delete() error = %v, must not be ErrExists", err)
	}
}

func TestStoreDeleteIfUnderContention(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()
	objs := kv.NewObjects(backend.Store(), kv.WithRetryPolicy(core.RetryPolicy{
		MaxAttempts:     64,
		InitialInterval: time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Coefficient:     2,
		Jitter:          true,
	}))
	key := "it.drain." + core.NewUUIDv7()

	type counter struct{ N int }
	if _, err := objs.Create(ctx, key, &counter{N: 0}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := kv.Mutate(ctx, objs, key, func(c *counter, _ bool) error {
				c.N++
				return nil
			}); err != nil {
				t.Errorf("Mutate() error = %v", err)
			}
		}()
	}
	deleted := false
	for !deleted {
		var err error
		deleted, err = kv.DeleteIf(ctx, objs, key, func(c *counter) bool { return c.N >= 4 })
		if err != nil {
			t.Fatalf("DeleteIf() error = %v", err)
		}
		if !deleted {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	var got counter
	if _, err := objs.Get(ctx, key, &got); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get() after DeleteIf error = %v, want ErrNotFound", err)
	}
}

func TestStoreConcurrentMutate(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()
	objs := kv.NewObjects(backend.Store(), kv.WithRetryPolicy(core.RetryPolicy{
		MaxAttempts:     64,
		InitialInterval: time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Coefficient:     2,
		Jitter:          true,
	}))
	key := "it.counter." + core.NewUUIDv7()

	type counter struct{ N int }
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := kv.Mutate(ctx, objs, key, func(c *counter, _ bool) error {
				c.N++
				return nil
			})
			if err != nil {
				t.Errorf("Mutate() error = %v", err)
			}
		}()
	}
	wg.Wait()

	var got counter
	if _, err := objs.Get(ctx, key, &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.N != 8 {
		t.Fatalf("counter = %d, want 8", got.N)
	}
}

func TestBrokerDeliversDriveAlerts(t *testing.T) {
	backend := newIntegrationBackend(t)
	broker := NewPubSubBroker(backend.Conn())
	t.Cleanup(func() { _ = broker.Close() })

	alerts, unsubscribe, err := broker.SubscribeAlerts()
	if err != nil {
		t.Fatalf("SubscribeAlerts() error = %v", err)
	}
	defer unsubscribe()
	if err := backend.Conn().Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	ev := core.Event{Kind: core.EventDriveFault, Drive: "drv7", Pool: "tier1", Message: "head error", At: time.Now().UTC()}
	if err := broker.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-alerts:
		if got.Drive != "drv7" || got.Message != "head error" {
			t.Fatalf("alert = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no alert received")
	}
}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = runEmbeddedServer(t)
	}

	backend, err := New(natsURL, SetupConfig{ObjectBucket: "tapesched-it"})
	if err != nil {
		t.Fatalf("connecting to NATS at %s: %v", natsURL, err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}

// runEmbeddedServer starts an in-process JetStream server on a random port
// and returns its client URL.
func runEmbeddedServer(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}
