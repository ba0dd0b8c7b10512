package svcctl

import (
	"time"

	"go.uber.org/zap"
)

const (
	minPollInterval = 1 * time.Second
	maxPollInterval = 10 * time.Second

	// DefaultPollInterval is how often WaitFor re-queries the manager.
	DefaultPollInterval = 250 * time.Millisecond
)

// checkpointInterval returns one tenth of the wait hint, clamped to [1s, 10s].
func checkpointInterval(waitHint time.Duration) time.Duration {
	interval := waitHint / 10
	if interval < minPollInterval {
		return minPollInterval
	}
	if interval > maxPollInterval {
		return maxPollInterval
	}
	return interval
}

// waitForStatus polls s while it reports the pending state and returns the
// last observed state and whether it equals desired. Polling stops when a
// query fails, or when the check-point has not advanced within the manager's
// own wait hint.
func (b *Binding) waitForStatus(s Handle, pending, desired State) (State, bool) {
	snap, err := b.facility.Query(s)
	if err != nil {
		b.logger.Debug("Initial status query failed", zap.Error(err))
		return Unknown, false
	}
	if snap.State == desired {
		return snap.State, true
	}

	progressAt := b.clock.Now()
	checkPoint := snap.CheckPoint

	for snap.State == pending {
		<-b.clock.After(checkpointInterval(snap.WaitHint))

		next, err := b.facility.Query(s)
		if err != nil {
			b.logger.Debug("Status query failed while waiting",
				zap.Stringer("pending", pending),
				zap.Error(err))
			break
		}
		snap = next

		if snap.CheckPoint > checkPoint {
			progressAt = b.clock.Now()
			checkPoint = snap.CheckPoint
			continue
		}
		if b.clock.Now().Sub(progressAt) > snap.WaitHint {
			b.logger.Debug("No progress within wait hint",
				zap.Stringer("state", snap.State),
				zap.Uint32("checkpoint", snap.CheckPoint),
				zap.Duration("wait_hint", snap.WaitHint))
			break
		}
	}

	return snap.State, snap.State == desired
}

// waitFor polls s until it reports desired or timeout elapses. It does not
// look at check-points. A nil stop channel never fires.
func (b *Binding) waitFor(s Handle, desired State, timeout time.Duration, stop <-chan struct{}) (State, error) {
	deadline := b.clock.Now().Add(timeout)
	for {
		snap, err := b.facility.Query(s)
		if err != nil {
			return Unknown, err
		}
		if snap.State == desired {
			return snap.State, nil
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			return snap.State, ErrTimeout
		}
		interval := b.pollInterval
		if remaining < interval {
			interval = remaining
		}

		select {
		case <-stop:
			return snap.State, ErrStopped
		case <-b.clock.After(interval):
		}
	}
}
