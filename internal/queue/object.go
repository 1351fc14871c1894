package queue

import (
	"sort"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// Entry references a job from a queue object. Staged entries belong to a
// move or enqueue in progress and are invisible to readers and aggregates.
type Entry struct {
	JobID      string    `json:"job_id"`
	Size       uint64    `json:"size"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Staged     bool      `json:"staged,omitempty"`
	StagedAt   time.Time `json:"staged_at"`
}

// Aggregates are maintained on every write so stats never need a scan.
type Aggregates struct {
	Count      uint64    `json:"count"`
	TotalBytes uint64    `json:"total_bytes"`
	Oldest     time.Time `json:"oldest"`
}

// Object is the persisted form of a queue.
type Object struct {
	Entries    []Entry    `json:"entries"`
	Aggregates Aggregates `json:"aggregates"`
}

func (o *Object) find(jobID string) int {
	for i := range o.Entries {
		if o.Entries[i].JobID == jobID {
			return i
		}
	}
	return -1
}

// upsert inserts e, replacing any entry for the same job, and keeps entries
// ordered by enqueue time then job id.
func (o *Object) upsert(e Entry) {
	if i := o.find(e.JobID); i >= 0 {
		o.Entries = append(o.Entries[:i], o.Entries[i+1:]...)
	}
	i := sort.Search(len(o.Entries), func(i int) bool {
		return less(e, o.Entries[i])
	})
	o.Entries = append(o.Entries, Entry{})
	copy(o.Entries[i+1:], o.Entries[i:])
	o.Entries[i] = e
	o.recompute()
}

func (o *Object) remove(jobID string) bool {
	i := o.find(jobID)
	if i < 0 {
		return false
	}
	o.Entries = append(o.Entries[:i], o.Entries[i+1:]...)
	o.recompute()
	return true
}

func (o *Object) recompute() {
	var agg Aggregates
	for _, e := range o.Entries {
		if e.Staged {
			continue
		}
		agg.Count++
		agg.TotalBytes += e.Size
		if agg.Oldest.IsZero() || e.EnqueuedAt.Before(agg.Oldest) {
			agg.Oldest = e.EnqueuedAt
		}
	}
	o.Aggregates = agg
}

func (o *Object) committed() []Entry {
	out := make([]Entry, 0, len(o.Entries))
	for _, e := range o.Entries {
		if !e.Staged {
			out = append(out, e)
		}
	}
	return out
}

func less(a, b Entry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.JobID < b.JobID
}

// Stats converts the aggregates into the values mount criteria compare against.
func (a Aggregates) Stats(now time.Time) core.QueueStats {
	return core.QueueStats{
		Count:            a.Count,
		TotalBytes:       a.TotalBytes,
		OldestAgeSeconds: core.AgeSeconds(a.Oldest, now),
	}
}
