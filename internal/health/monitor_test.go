package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborlab/driftsync/internal/queue"
)

type fakeQueueReader struct {
	stats queue.Stats
	err   error
}

func (f *fakeQueueReader) Stats(context.Context) (queue.Stats, error) {
	return f.stats, f.err
}

type fakeConflictCounter struct {
	pending int64
	err     error
}

func (f *fakeConflictCounter) CountPending(context.Context) (int64, error) {
	return f.pending, f.err
}

type fakeHistoryReader struct {
	lastSuccess time.Time
	hasSuccess  bool
	failures    int
	err         error
}

func (f *fakeHistoryReader) LastSuccess(context.Context) (time.Time, bool, error) {
	return f.lastSuccess, f.hasSuccess, f.err
}

func (f *fakeHistoryReader) ConsecutiveFailures(context.Context) (int, error) {
	return f.failures, f.err
}

func newTestMonitor(queueReader *fakeQueueReader, conflicts *fakeConflictCounter, history *fakeHistoryReader, now time.Time) *Monitor {
	return NewMonitor(MonitorConfig{
		Queue:     queueReader,
		Conflicts: conflicts,
		History:   history,
		Clock:     func() time.Time { return now },
	})
}

func TestCheckHealthyPipeline(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(
		&fakeQueueReader{stats: queue.Stats{Pending: 3}},
		&fakeConflictCounter{pending: 1},
		&fakeHistoryReader{lastSuccess: now.Add(-5 * time.Minute), hasSuccess: true},
		now,
	)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s with reasons %v", report.Status, report.Reasons)
	}
	if report.QueuePending != 3 || report.PendingConflicts != 1 {
		t.Fatalf("counters not carried into the report: %+v", report)
	}
	if report.LastSuccessAt == nil || !report.LastSuccessAt.Equal(now.Add(-5*time.Minute)) {
		t.Fatalf("expected last success timestamp, got %v", report.LastSuccessAt)
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("expected checked-at %v, got %v", now, report.CheckedAt)
	}
}

func TestCheckDegradesOnBacklogAndDeadLetters(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(
		&fakeQueueReader{stats: queue.Stats{Pending: 150, DeadLetter: 2}},
		&fakeConflictCounter{},
		&fakeHistoryReader{lastSuccess: now.Add(-time.Minute), hasSuccess: true},
		now,
	)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if len(report.Reasons) != 2 {
		t.Fatalf("expected one reason per signal, got %v", report.Reasons)
	}
}

func TestCheckDegradesOnConflictBacklog(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(
		&fakeQueueReader{},
		&fakeConflictCounter{pending: 11},
		&fakeHistoryReader{lastSuccess: now.Add(-time.Minute), hasSuccess: true},
		now,
	)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s with reasons %v", report.Status, report.Reasons)
	}
}

func TestCheckDegradesOnStaleSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(
		&fakeQueueReader{},
		&fakeConflictCounter{},
		&fakeHistoryReader{lastSuccess: now.Add(-2 * time.Hour), hasSuccess: true},
		now,
	)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
}

func TestCheckNeverRanIsNotStale(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(&fakeQueueReader{}, &fakeConflictCounter{}, &fakeHistoryReader{}, now)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Fatalf("a pipeline with no runs yet should be healthy, got %s", report.Status)
	}
	if report.LastSuccessAt != nil {
		t.Fatalf("expected no last-success timestamp, got %v", report.LastSuccessAt)
	}
}

func TestCheckUnhealthyOnConsecutiveFailures(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	monitor := newTestMonitor(
		&fakeQueueReader{stats: queue.Stats{Pending: 150}},
		&fakeConflictCounter{},
		&fakeHistoryReader{failures: 3},
		now,
	)

	report, err := monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", report.Status)
	}
	if len(report.Reasons) != 2 {
		t.Fatalf("degraded signals should still be listed as reasons, got %v", report.Reasons)
	}
	if report.Reasons[0] != "3 consecutive sync failures" {
		t.Fatalf("unexpected first reason: %q", report.Reasons[0])
	}
}

func TestCheckPropagatesDependencyErrors(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	statsErr := errors.New("database locked")
	monitor := newTestMonitor(
		&fakeQueueReader{err: statsErr},
		&fakeConflictCounter{},
		&fakeHistoryReader{},
		now,
	)

	if _, err := monitor.Check(context.Background()); !errors.Is(err, statsErr) {
		t.Fatalf("expected the stats error to surface, got %v", err)
	}
}
