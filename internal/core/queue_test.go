package core

import (
	"testing"
	"time"
)

func TestParseQueueType(t *testing.T) {
	tests := []struct {
		input   string
		want    QueueType
		wantErr bool
	}{
		{"jobsToTransfer", QueueJobsToTransfer, false},
		{"jobsToTranfer", QueueJobsToTransfer, false},
		{"jobsToReport", QueueJobsToReport, false},
		{"failedJobs", QueueFailedJobs, false},
		{"jobs", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseQueueType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseQueueType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseQueueType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestQueueKey_RoundTrip(t *testing.T) {
	ids := []QueueID{
		PoolQueue(DirectionArchive, "tier1", QueueJobsToTransfer),
		PoolQueue(DirectionRetrieve, "tier-2_b", QueueFailedJobs),
		PoolQueue(DirectionArchive, "x", QueueJobsToReport),
		SessionQueue("0190a1b2-0000-7000-8000-000000000000"),
	}
	for _, id := range ids {
		got, err := ParseQueueKey(id.Key())
		if err != nil {
			t.Fatalf("ParseQueueKey(%q) error = %v", id.Key(), err)
		}
		if got != id {
			t.Errorf("ParseQueueKey(%q) = %+v, want %+v", id.Key(), got, id)
		}
	}
}

func TestParseQueueKey_Legacy(t *testing.T) {
	got, err := ParseQueueKey("queue.archive.tier1.jobsToTranfer")
	if err != nil {
		t.Fatalf("ParseQueueKey() error = %v", err)
	}
	if got.Type != QueueJobsToTransfer {
		t.Errorf("Type = %q, want %q", got.Type, QueueJobsToTransfer)
	}
}

func TestParseQueueKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "job.abc", "queue.archive.tier1", "queue.sideways.tier1.failedJobs", "session."} {
		if _, err := ParseQueueKey(key); err == nil {
			t.Errorf("ParseQueueKey(%q) expected error", key)
		}
	}
}

func TestAgeSeconds(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		oldest, now time.Time
		want        uint64
	}{
		{t0, t0.Add(299 * time.Second), 299},
		{t0, t0.Add(300*time.Second + 999*time.Millisecond), 300},
		{t0, t0.Add(-time.Second), 0},
		{time.Time{}, t0, 0},
	}
	for _, tt := range tests {
		if got := AgeSeconds(tt.oldest, tt.now); got != tt.want {
			t.Errorf("AgeSeconds(%v, %v) = %d, want %d", tt.oldest, tt.now, got, tt.want)
		}
	}
}

func TestMountCriteriaByDirection_For(t *testing.T) {
	c := MountCriteriaByDirection{
		Archive:  MountCriteria{Quota: 1},
		Retrieve: MountCriteria{Quota: 4},
	}
	if got := c.For(DirectionRetrieve).Quota; got != 4 {
		t.Errorf("For(retrieve).Quota = %d, want 4", got)
	}
	if got := c.For(DirectionArchive).Quota; got != 1 {
		t.Errorf("For(archive).Quota = %d, want 1", got)
	}
}
