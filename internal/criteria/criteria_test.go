package criteria

import (
	"testing"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

func TestEvaluate(t *testing.T) {
	c := core.MountCriteria{MaxFilesQueued: 100, MaxBytesQueued: 1 << 30, MaxAge: 300, Quota: 2}

	tests := []struct {
		name   string
		stats  core.QueueStats
		want   bool
		reason Reason
	}{
		{"empty", core.QueueStats{}, false, ReasonNone},
		{"empty but old", core.QueueStats{OldestAgeSeconds: 10000}, false, ReasonNone},
		{"below everything", core.QueueStats{Count: 5, TotalBytes: 10, OldestAgeSeconds: 10}, false, ReasonNone},
		{"files at threshold", core.QueueStats{Count: 100, TotalBytes: 10, OldestAgeSeconds: 1}, true, ReasonFiles},
		{"bytes at threshold", core.QueueStats{Count: 1, TotalBytes: 1 << 30}, true, ReasonBytes},
		{"age one second short", core.QueueStats{Count: 1, OldestAgeSeconds: 299}, false, ReasonNone},
		{"age at threshold", core.QueueStats{Count: 1, OldestAgeSeconds: 300}, true, ReasonAge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Evaluate(tt.stats, c)
			if got != tt.want || reason != tt.reason {
				t.Errorf("Evaluate(%+v) = (%v, %q), want (%v, %q)", tt.stats, got, reason, tt.want, tt.reason)
			}
			if IsMountWorthy(tt.stats, c) != tt.want {
				t.Errorf("IsMountWorthy(%+v) disagrees with Evaluate", tt.stats)
			}
		})
	}
}

func TestEvaluate_ZeroThresholds(t *testing.T) {
	if !IsMountWorthy(core.QueueStats{Count: 1}, core.MountCriteria{}) {
		t.Error("zero thresholds should make any non-empty queue worthy")
	}
}

func TestEvaluate_Monotonic(t *testing.T) {
	c := core.MountCriteria{MaxFilesQueued: 10, MaxBytesQueued: 1000, MaxAge: 60}
	base := core.QueueStats{Count: 1, TotalBytes: 1, OldestAgeSeconds: 1}

	for count := base.Count; count < 20; count++ {
		for bytes := base.TotalBytes; bytes < 2000; bytes += 250 {
			for age := base.OldestAgeSeconds; age < 120; age += 15 {
				s := core.QueueStats{Count: count, TotalBytes: bytes, OldestAgeSeconds: age}
				if !IsMountWorthy(s, c) {
					continue
				}
				bigger := []core.QueueStats{
					{Count: count + 1, TotalBytes: bytes, OldestAgeSeconds: age},
					{Count: count, TotalBytes: bytes + 1, OldestAgeSeconds: age},
					{Count: count, TotalBytes: bytes, OldestAgeSeconds: age + 1},
				}
				for _, b := range bigger {
					if !IsMountWorthy(b, c) {
						t.Fatalf("worthy at %+v but not at %+v", s, b)
					}
				}
			}
		}
	}
}

func TestQuotaAllows(t *testing.T) {
	tests := []struct {
		active int
		quota  uint16
		want   bool
	}{
		{0, 0, false},
		{0, 1, true},
		{1, 1, false},
		{1, 2, true},
		{2, 2, false},
		{3, 2, false},
	}
	for _, tt := range tests {
		if got := QuotaAllows(tt.active, core.MountCriteria{Quota: tt.quota}); got != tt.want {
			t.Errorf("QuotaAllows(%d, quota=%d) = %v, want %v", tt.active, tt.quota, got, tt.want)
		}
	}
}
