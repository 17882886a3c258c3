package client

import (
	"context"
	"log/slog"
	"time"
)

// LivenessChecker watches a progress counter and reports the feed dead when the
// counter has not moved across a full interval
type LivenessChecker struct {
	Interval time.Duration
	Progress func() int64
	Logger   *slog.Logger

	dead chan struct{}
}

func NewLivenessChecker(interval time.Duration, progress func() int64, logger *slog.Logger) *LivenessChecker {
	return &LivenessChecker{
		Interval: interval,
		Progress: progress,
		Logger:   logger.With("source", "liveness_checker"),
		dead:     make(chan struct{}),
	}
}

// Dead is closed once the checker has seen no progress for an interval
func (l *LivenessChecker) Dead() <-chan struct{} {
	return l.dead
}

// Run checks progress every Interval until ctx is done or the feed is declared dead.
// A counter still at zero never counts as stalled: the feed has not delivered anything yet.
func (l *LivenessChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	last := int64(0)
	for {
		select {
		case <-ctx.Done():
			l.Logger.Info("shutting down liveness checker")
			return
		case <-ticker.C:
			seen := l.Progress()
			if seen == last && seen != 0 {
				l.Logger.Error("no new events in the last interval, declaring feed dead", "interval", l.Interval, "events_read", seen)
				livenessFailures.Inc()
				close(l.dead)
				return
			}
			l.Logger.Debug("successful liveness check", "events_read", seen)
			last = seen
		}
	}
}
