// Package criteria decides when a queue deserves a tape mount.
package criteria

import "github.com/openjobspec/ojs-tape-scheduler/internal/core"

// Reason names the threshold that made a queue mount-worthy.
type Reason string

const (
	ReasonNone  Reason = ""
	ReasonFiles Reason = "files"
	ReasonBytes Reason = "bytes"
	ReasonAge   Reason = "age"
)

// Evaluate reports whether stats justify a mount under c, and which
// threshold tripped first. An empty queue is never worthy.
func Evaluate(stats core.QueueStats, c core.MountCriteria) (bool, Reason) {
	if stats.Count == 0 {
		return false, ReasonNone
	}
	switch {
	case stats.Count >= c.MaxFilesQueued:
		return true, ReasonFiles
	case stats.TotalBytes >= c.MaxBytesQueued:
		return true, ReasonBytes
	case stats.OldestAgeSeconds >= c.MaxAge:
		return true, ReasonAge
	}
	return false, ReasonNone
}

// IsMountWorthy is Evaluate without the reason.
func IsMountWorthy(stats core.QueueStats, c core.MountCriteria) bool {
	ok, _ := Evaluate(stats, c)
	return ok
}

// QuotaAllows reports whether another mount may start while active mounts run.
func QuotaAllows(active int, c core.MountCriteria) bool {
	return active < int(c.Quota)
}
