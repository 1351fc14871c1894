package scheduler

import (
	"context"
	"log/slog"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// Publisher delivers events to operators. The NATS broker is the production
// implementation.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event) error
}

// LogPublisher writes events to a logger. Drive faults are logged as errors.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev core.Event) error {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Kind == core.EventDriveFault {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "event",
		"kind", ev.Kind, "mount_id", ev.MountID, "pool", ev.Pool, "drive", ev.Drive,
		"vid", ev.VID, "state", ev.State, "message", ev.Message)
	return nil
}
