// Package scheduler periodically samples a publish channel's buffer.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/queue"
	"go.uber.org/zap"
)

// Source is the part of a publish channel the scheduler samples.
type Source interface {
	State() queue.State
	Len() int
}

// Snapshot is a point-in-time view of a buffer.
type Snapshot struct {
	State     queue.State
	Buffered  int
	Timestamp int64
}

// Reporter receives every snapshot.
type Reporter interface {
	Report(ctx context.Context, s Snapshot)
}

// Start samples src every interval and hands the snapshot to r until ctx is
// done. It returns nil on cancellation.
func Start(ctx context.Context, src Source, r Reporter, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("invalid interval: must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Report(ctx, Snapshot{
				State:     src.State(),
				Buffered:  src.Len(),
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// LogReporter logs snapshots. A buffer at or above WarnThreshold is logged
// as a warning since the buffer itself has no bound.
type LogReporter struct {
	Log           *zap.SugaredLogger
	WarnThreshold int
}

func (l LogReporter) Report(_ context.Context, s Snapshot) {
	if l.WarnThreshold > 0 && s.Buffered >= l.WarnThreshold {
		l.Log.Warnw("publish buffer is growing",
			"state", s.State,
			"buffered", s.Buffered,
			"threshold", l.WarnThreshold)
		return
	}
	l.Log.Debugw("publish buffer", "state", s.State, "buffered", s.Buffered)
}
