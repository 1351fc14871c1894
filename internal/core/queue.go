package core

import (
	"fmt"
	"strings"
	"time"
)

// QueueType distinguishes the per-pool queues of a direction.
type QueueType string

const (
	QueueJobsToTransfer QueueType = "jobsToTransfer"
	QueueJobsToReport   QueueType = "jobsToReport"
	QueueFailedJobs     QueueType = "failedJobs"
)

// legacyJobsToTransfer is the misspelt name older deployments persisted.
const legacyJobsToTransfer = "jobsToTranfer"

// QueueTypes lists every queue type.
var QueueTypes = []QueueType{QueueJobsToTransfer, QueueJobsToReport, QueueFailedJobs}

// ParseQueueType returns the canonical queue type for s. The legacy
// "jobsToTranfer" spelling is accepted and normalised.
func ParseQueueType(s string) (QueueType, error) {
	switch s {
	case string(QueueJobsToTransfer), legacyJobsToTransfer:
		return QueueJobsToTransfer, nil
	case string(QueueJobsToReport):
		return QueueJobsToReport, nil
	case string(QueueFailedJobs):
		return QueueFailedJobs, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown queue type %q", s), map[string]any{"type": s})
}

const (
	queueKeyPrefix   = "queue."
	sessionKeyPrefix = "session."
)

// QueueID names a job container. Pool queues are identified by
// (direction, pool, type); a mount session is identified by its mount id.
type QueueID struct {
	Direction Direction `json:"direction,omitempty"`
	Pool      string    `json:"pool,omitempty"`
	Type      QueueType `json:"type,omitempty"`
	MountID   string    `json:"mount_id,omitempty"`
}

// PoolQueue returns the id of a pool queue.
func PoolQueue(dir Direction, pool string, t QueueType) QueueID {
	return QueueID{Direction: dir, Pool: pool, Type: t}
}

// SessionQueue returns the id of the job set held by a mount.
func SessionQueue(mountID string) QueueID {
	return QueueID{MountID: mountID}
}

// IsSession reports whether q is a mount session rather than a pool queue.
func (q QueueID) IsSession() bool { return q.MountID != "" }

// Key is the object-store key of the queue object.
func (q QueueID) Key() string {
	if q.IsSession() {
		return sessionKeyPrefix + q.MountID
	}
	return queueKeyPrefix + string(q.Direction) + "." + q.Pool + "." + string(q.Type)
}

func (q QueueID) String() string { return q.Key() }

// QueueKeyPrefix prefixes the keys of every pool queue.
const QueueKeyPrefix = queueKeyPrefix

// SessionKeyPrefix prefixes the keys of every mount session.
const SessionKeyPrefix = sessionKeyPrefix

// ParseQueueKey is the inverse of QueueID.Key.
func ParseQueueKey(key string) (QueueID, error) {
	if id, ok := strings.CutPrefix(key, sessionKeyPrefix); ok && id != "" {
		return SessionQueue(id), nil
	}
	rest, ok := strings.CutPrefix(key, queueKeyPrefix)
	if !ok {
		return QueueID{}, NewValidationError(fmt.Sprintf("not a queue key: %q", key), nil)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return QueueID{}, NewValidationError(fmt.Sprintf("malformed queue key: %q", key), nil)
	}
	dir, err := ParseDirection(parts[0])
	if err != nil {
		return QueueID{}, err
	}
	t, err := ParseQueueType(parts[2])
	if err != nil {
		return QueueID{}, err
	}
	return PoolQueue(dir, parts[1], t), nil
}

// QueueStats summarises the committed contents of a queue.
type QueueStats struct {
	Count            uint64 `json:"count"`
	TotalBytes       uint64 `json:"total_bytes"`
	OldestAgeSeconds uint64 `json:"oldest_age_seconds"`
}

// AgeSeconds returns the whole seconds elapsed between oldest and now, or
// zero when oldest is unset or in the future.
func AgeSeconds(oldest, now time.Time) uint64 {
	if oldest.IsZero() || !now.After(oldest) {
		return 0
	}
	return uint64(now.Sub(oldest) / time.Second)
}
