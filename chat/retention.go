package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/huddle/telemetry"
)

// RetentionPolicy decides which messages are purged. A message survives if it
// is newer than KeepDays or among the KeepCount most recent; zero disables a rule.
type RetentionPolicy struct {
	KeepDays  int
	KeepCount int
	// DryRun counts what would be purged without deleting.
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepDays > 0 || p.KeepCount > 0
}

// RetentionStore purges messages outside the retained set.
type RetentionStore interface {
	// PurgeMessages removes (or with dryRun, counts) messages created before
	// olderThan that are not among the keepLatest newest. A nil olderThan
	// makes every message eligible by age.
	PurgeMessages(ctx context.Context, olderThan *time.Time, keepLatest int, dryRun bool) (int64, error)
}

// RunRetention performs a single purge cycle.
func RunRetention(ctx context.Context, store RetentionStore, policy RetentionPolicy) (int64, error) {
	logger := slog.Default().With(
		slog.String("component", "retention_cleanup"),
		slog.Bool("dry_run", policy.DryRun),
	)
	if !policy.Enabled() {
		return 0, nil
	}

	var cutoff *time.Time
	if policy.KeepDays > 0 {
		t := time.Now().UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
		cutoff = &t
	}

	n, err := store.PurgeMessages(ctx, cutoff, policy.KeepCount, policy.DryRun)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if policy.DryRun {
		logger.Info("retention dry run", slog.Int64("would_purge", n))
		return n, nil
	}
	telemetry.Add(telemetry.RetentionPurged, n)
	logger.Info("retention cleanup complete", slog.Int64("purged", n))
	return n, nil
}

// StartRetentionJob runs RunRetention immediately and then every policy.Interval until ctx ends.
func StartRetentionJob(ctx context.Context, store RetentionStore, policy RetentionPolicy) {
	if !policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)")
		return
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_count", policy.KeepCount),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if _, err := RunRetention(ctx, store, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := RunRetention(ctx, store, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}
