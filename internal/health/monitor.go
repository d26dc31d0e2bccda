package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/queue"
)

// Status grades the overall sync pipeline.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is a point-in-time assessment of the sync pipeline.
type Report struct {
	Status              Status     `json:"status"`
	Reasons             []string   `json:"reasons"`
	QueuePending        int64      `json:"queuePending"`
	QueueProcessing     int64      `json:"queueProcessing"`
	QueueFailed         int64      `json:"queueFailed"`
	DeadLetterCount     int64      `json:"deadLetterCount"`
	PendingConflicts    int64      `json:"pendingConflicts"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	CheckedAt           time.Time  `json:"checkedAt"`
}

// QueueReader exposes the queue counters the monitor needs.
type QueueReader interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// ConflictCounter reports how many conflicts still await resolution.
type ConflictCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// HistoryReader exposes the run-history signals the monitor needs.
type HistoryReader interface {
	LastSuccess(ctx context.Context) (time.Time, bool, error)
	ConsecutiveFailures(ctx context.Context) (int, error)
}

// Thresholds tune when the monitor downgrades the pipeline status.
type Thresholds struct {
	// DegradedQueueDepth is the pending-action count beyond which the
	// pipeline is considered backed up.
	DegradedQueueDepth int64
	// DegradedConflicts is the pending-conflict count beyond which manual
	// attention is considered overdue.
	DegradedConflicts int64
	// UnhealthyFailures is the consecutive-failure count that marks the
	// remote link as effectively down.
	UnhealthyFailures int
	// StaleSuccessAge marks the pipeline degraded when the last successful
	// run is older than this.
	StaleSuccessAge time.Duration
}

// DefaultThresholds returns the thresholds used when none are supplied.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedQueueDepth: 100,
		DegradedConflicts:  10,
		UnhealthyFailures:  3,
		StaleSuccessAge:    time.Hour,
	}
}

// MonitorConfig carries the dependencies for NewMonitor.
type MonitorConfig struct {
	Queue      QueueReader
	Conflicts  ConflictCounter
	History    HistoryReader
	Thresholds Thresholds
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Monitor grades the sync pipeline from queue, conflict, and history state.
type Monitor struct {
	queue      QueueReader
	conflicts  ConflictCounter
	history    HistoryReader
	thresholds Thresholds
	clock      func() time.Time
	logger     *zap.Logger
}

// NewMonitor builds a Monitor, defaulting thresholds, clock, and logger when
// unset.
func NewMonitor(config MonitorConfig) *Monitor {
	thresholds := config.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		queue:      config.Queue,
		conflicts:  config.Conflicts,
		history:    config.History,
		thresholds: thresholds,
		clock:      clock,
		logger:     logger,
	}
}

// Check assembles a Report from current queue, conflict, and history state.
// The grade is the worst of the individual signals: consecutive failures at
// or beyond the threshold mark the pipeline unhealthy; queue backlog, dead
// letters, pending conflicts, and a stale last success each degrade it.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	now := m.clock().UTC()
	report := Report{Status: StatusHealthy, Reasons: []string{}, CheckedAt: now}

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("health: queue stats: %w", err)
	}
	report.QueuePending = stats.Pending
	report.QueueProcessing = stats.Processing
	report.QueueFailed = stats.Failed
	report.DeadLetterCount = stats.DeadLetter

	pendingConflicts, err := m.conflicts.CountPending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("health: pending conflicts: %w", err)
	}
	report.PendingConflicts = pendingConflicts

	failures, err := m.history.ConsecutiveFailures(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("health: consecutive failures: %w", err)
	}
	report.ConsecutiveFailures = failures

	lastSuccess, hasSuccess, err := m.history.LastSuccess(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("health: last success: %w", err)
	}
	if hasSuccess {
		utc := lastSuccess.UTC()
		report.LastSuccessAt = &utc
	}

	if failures >= m.thresholds.UnhealthyFailures {
		report.Status = StatusUnhealthy
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("%d consecutive sync failures", failures))
	}
	if stats.Pending > m.thresholds.DegradedQueueDepth {
		m.degrade(&report, fmt.Sprintf("%d pending queue actions", stats.Pending))
	}
	if stats.DeadLetter > 0 {
		m.degrade(&report, fmt.Sprintf("%d dead-lettered actions", stats.DeadLetter))
	}
	if pendingConflicts > m.thresholds.DegradedConflicts {
		m.degrade(&report, fmt.Sprintf("%d unresolved conflicts", pendingConflicts))
	}
	if hasSuccess && now.Sub(lastSuccess) > m.thresholds.StaleSuccessAge {
		m.degrade(&report, fmt.Sprintf("last successful sync %s ago", now.Sub(lastSuccess).Round(time.Second)))
	}

	if report.Status != StatusHealthy {
		m.logger.Warn("sync pipeline health check",
			zap.String("status", string(report.Status)),
			zap.Strings("reasons", report.Reasons))
	}
	return report, nil
}

// degrade lowers the status to degraded without overriding unhealthy.
func (m *Monitor) degrade(report *Report, reason string) {
	if report.Status == StatusHealthy {
		report.Status = StatusDegraded
	}
	report.Reasons = append(report.Reasons, reason)
}
