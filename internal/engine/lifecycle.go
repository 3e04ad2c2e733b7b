package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"socwatch/internal/notify"
	"socwatch/internal/queue"
	"socwatch/internal/schema"
)

// Start launches one worker per partition and arms the cleanup sweep and
// the daily reset. Cancelling ctx stops the workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	for i, q := range e.partitions {
		e.wg.Add(1)
		go e.worker(ctx, i, q)
	}
	go func() {
		<-ctx.Done()
		e.closePartitions()
	}()

	e.scheduleSweepLocked()
	e.scheduleResetLocked()

	e.logger.Info("engine started",
		"partitions", len(e.partitions),
		"grace_period", e.config.Alerting.GracePeriod,
		"reset_hour", e.config.ResetHour,
	)
	return nil
}

// worker drains one partition. Every event of a source lands on the same
// partition, so a source's events are processed strictly in order.
func (e *Engine) worker(ctx context.Context, id int, q *queue.RingBuffer[*schema.Event]) {
	defer e.wg.Done()

	e.logger.Debug("partition worker started", "partition", id)

	for {
		event, err := q.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				e.logger.Debug("partition worker stopping", "partition", id)
				return
			}
			e.logger.Warn("unexpected queue error", "partition", id, "error", err)
			continue
		}
		e.Process(ctx, event)
	}
}

func (e *Engine) closePartitions() {
	for _, q := range e.partitions {
		q.Close()
	}
}

// Stop closes the partitions, waits for queued events to drain, and
// disarms the sweep and reset timers. It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.resetTimer != nil {
		e.resetTimer.Stop()
	}
	if e.sweepTimer != nil {
		e.sweepTimer.Stop()
	}
	e.mu.Unlock()

	e.closePartitions()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped gracefully")
	case <-time.After(e.config.ShutdownWait):
		e.logger.Warn("engine shutdown timed out")
	}
}

// partitionFor maps an event to a partition by its source, falling back to
// its ID for events without one.
func partitionFor(event *schema.Event, n int) int {
	if n <= 1 {
		return 0
	}
	key := event.Source()
	if key == "" {
		key = event.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	Sources   int `json:"sources"`
	Cooldowns int `json:"cooldowns"`
	Attempts  int `json:"attempts"`
	History   int `json:"history"`
}

// Cleanup prunes stale per-source state. It runs alongside live updates.
func (e *Engine) Cleanup() CleanupResult {
	var res CleanupResult
	res.Sources = e.tracker.Cleanup()
	res.Cooldowns = e.correlator.Cleanup()
	res.Attempts, res.History = e.blocker.Cleanup()

	e.logger.Debug("cleanup sweep finished",
		"sources", res.Sources,
		"cooldowns", res.Cooldowns,
		"attempts", res.Attempts,
		"history", res.History,
	)
	return res
}

func (e *Engine) scheduleSweepLocked() {
	e.sweepTimer = e.clock.AfterFunc(e.config.CleanupInterval, func() {
		e.Cleanup()

		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.stopped {
			e.scheduleSweepLocked()
		}
	})
}

// Reset clears every piece of transient state: activity windows, attempt
// counters, blocks, cooldowns, alerts, timers and patches. The monitoring
// start time restarts. Escalated cases are kept.
func (e *Engine) Reset() {
	e.alerts.Reset()
	e.remediator.Reset()
	e.correlator.Reset()
	e.tracker.Reset()
	e.blocker.Reset()
	e.suspicions.Reset()

	e.mu.Lock()
	e.startTime = e.clock.Now()
	e.mu.Unlock()

	e.logger.Info("engine state reset")
}

// NextReset returns the first occurrence of hour:00 strictly after now, in
// now's location.
func NextReset(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (e *Engine) scheduleResetLocked() {
	if e.config.ResetHour < 0 {
		return
	}
	now := e.clock.Now()
	next := NextReset(now, e.config.ResetHour)
	e.resetTimer = e.clock.AfterFunc(next.Sub(now), e.dailyReset)

	e.logger.Debug("daily reset scheduled", "at", next)
}

func (e *Engine) dailyReset() {
	e.Reset()
	now := e.clock.Now()
	e.publish(notify.DailyReset, now, notify.ResetInfo{
		Timestamp: now,
		Message:   fmt.Sprintf("Daily monitoring reset at %02d:00", e.config.ResetHour),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.scheduleResetLocked()
	}
}
