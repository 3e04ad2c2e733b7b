// Package engine composes the activity tracker, block monitor, correlation
// rules, remediation rules and alert lifecycle into one event pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"socwatch/internal/activity"
	"socwatch/internal/alerting"
	"socwatch/internal/blocking"
	"socwatch/internal/clock"
	"socwatch/internal/correlation"
	"socwatch/internal/metrics"
	"socwatch/internal/notify"
	"socwatch/internal/queue"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

// ErrStopped is returned by Submit once the engine has been stopped.
var ErrStopped = errors.New("engine stopped")

// BlockCategory is the category of the alert raised when a source is blocked.
const BlockCategory = "IP Blocking"

// Engine is the pipeline facade. Events for one source are always handled
// by the same partition worker, in submission order.
type Engine struct {
	config    Config
	clock     clock.Clock
	logger    *slog.Logger
	publisher notify.Publisher

	validator  *schema.Validator
	tracker    *activity.Tracker
	suspicions *activity.SuspicionLog
	blocker    *blocking.Monitor
	correlator *correlation.Engine
	remediator *remediation.Engine
	alerts     *alerting.Manager
	cases      *alerting.CaseBook
	partitions []*queue.RingBuffer[*schema.Event]

	mu         sync.Mutex
	startTime  time.Time
	resetTimer clock.Timer
	sweepTimer clock.Timer
	started    bool
	stopped    bool
	wg         sync.WaitGroup

	submitted atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
}

// New builds an engine and all of its components. publisher receives every
// output notification; nil discards them.
func New(config Config, clk clock.Clock, publisher notify.Publisher, logger *slog.Logger) (*Engine, error) {
	config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if publisher == nil {
		publisher = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:    config,
		clock:     clk,
		logger:    logger,
		publisher: publisher,
		startTime: clk.Now(),
	}

	e.validator = schema.NewValidatorWithConfig(config.Validator, clk)
	e.tracker = activity.NewTracker(config.Activity, clk)
	e.suspicions = activity.NewSuspicionLog(clk)
	e.blocker = blocking.NewMonitor(config.Blocking, clk)
	e.correlator = correlation.NewEngine(config.Correlation, e.tracker, clk, logger.With("component", "correlation"))
	e.remediator = remediation.NewEngine(config.Remediation, clk, logger.With("component", "remediation"))
	e.cases = alerting.NewCaseBook(clk)

	alerts, err := alerting.NewManager(config.Alerting, clk, publisher, patchRecorder{e.remediator},
		e.cases, logger.With("component", "alerting"))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert manager: %w", err)
	}
	e.alerts = alerts

	e.partitions = make([]*queue.RingBuffer[*schema.Event], config.Partitions)
	for i := range e.partitions {
		e.partitions[i] = queue.NewRingBuffer[*schema.Event](config.QueueSize)
	}

	return e, nil
}

// patchRecorder stores lifecycle patches in the shared history.
type patchRecorder struct {
	history *remediation.Engine
}

func (r patchRecorder) Record(p remediation.Patch) {
	r.history.Record(p)
	metrics.PatchesApplied.WithLabelValues(p.PatchedBy).Inc()
}

// Correlator exposes the rule engine for rule loading and hot reload.
func (e *Engine) Correlator() *correlation.Engine {
	return e.correlator
}

// Remediator exposes the remediation engine.
func (e *Engine) Remediator() *remediation.Engine {
	return e.remediator
}

// Cases exposes the case book receiving escalated alerts.
func (e *Engine) Cases() *alerting.CaseBook {
	return e.cases
}

// Validate checks an event without submitting it.
func (e *Engine) Validate(event *schema.Event) error {
	return e.validator.Validate(event)
}

// Submit validates event and queues it on its source's partition. Invalid
// events never reach tracker state.
func (e *Engine) Submit(event *schema.Event) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if err := e.validator.Validate(event); err != nil {
		e.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		return err
	}

	idx := partitionFor(event, len(e.partitions))
	if err := e.partitions[idx].Push(event); err != nil {
		e.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("partition %d: %w", idx, err)
	}
	e.submitted.Add(1)
	return nil
}

// Result describes what processing one event produced.
type Result struct {
	Alerts               []alerting.Alert      `json:"alerts,omitempty"`
	Block                *blocking.BlockRecord `json:"block,omitempty"`
	RemediationScheduled bool                  `json:"remediation_scheduled"`
}

// Process runs one event through the pipeline synchronously. Callers must
// not run Process concurrently for the same source; Submit guarantees that.
// A nil event produces an empty Result.
func (e *Engine) Process(ctx context.Context, event *schema.Event) Result {
	if event == nil {
		return Result{}
	}
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
		metrics.ActiveGraceTimers.Set(float64(e.alerts.ActiveTimers()))
	}()

	var res Result
	if ctx.Err() != nil {
		return res
	}
	e.processed.Add(1)
	metrics.EventsProcessed.Inc()

	source := event.Source()

	if source != "" && blocking.IsSuspicious(event) {
		e.suspicions.Observe(source, event.Severity)
		if _, block := e.blocker.TrackAttempt(source, event.Message); block != nil {
			res.Block = block
			res.Alerts = append(res.Alerts, e.sourceBlocked(*block))
		}
	}

	for _, c := range e.correlator.Process(event) {
		a := e.alerts.Raise(alerting.FromCorrelated(c))
		metrics.AlertsRaised.WithLabelValues(string(a.Severity), "correlation").Inc()
		res.Alerts = append(res.Alerts, a)
	}

	if event.Severity.AtLeastHigh() {
		a := e.alerts.Raise(alerting.FromEvent(uuid.NewString(), event, e.clock.Now()))
		metrics.AlertsRaised.WithLabelValues(string(a.Severity), "event").Inc()
		res.Alerts = append(res.Alerts, a)
	}

	res.RemediationScheduled = e.remediator.Schedule(event, func(p *remediation.Patch) {
		metrics.PatchesApplied.WithLabelValues("Auto-Remediation").Inc()
		e.publish(notify.RemediationCompleted, p.Timestamp, notify.Remediated{Patch: *p, EventID: event.ID})
	})

	return res
}

func (e *Engine) sourceBlocked(block blocking.BlockRecord) alerting.Alert {
	metrics.SourcesBlocked.Inc()
	e.logger.Warn("source blocked",
		"source", block.Source,
		"attempts", block.AttemptCount,
	)
	e.publish(notify.SourceBlocked, block.Timestamp(), block)

	now := e.clock.Now()
	ev := &schema.Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Severity:  schema.SeverityCritical,
		Category:  BlockCategory,
		Message:   fmt.Sprintf("IP %s has been automatically blocked due to %d failed attempts", block.Source, block.AttemptCount),
		SourceID:  block.Source,
		Metadata: map[string]any{
			"blocked_ip": block.Source,
			"attempts":   block.AttemptCount,
			"reason":     block.Reason,
			"action":     "automatic_block",
		},
	}
	a := e.alerts.Raise(alerting.FromEvent(uuid.NewString(), ev, now))
	metrics.AlertsRaised.WithLabelValues(string(a.Severity), "block").Inc()
	return a
}

// Acknowledge marks an alert as seen.
func (e *Engine) Acknowledge(alertID string) (alerting.Alert, error) {
	return e.alerts.Acknowledge(alertID)
}

// ManualPatch patches an alert on behalf of an analyst.
func (e *Engine) ManualPatch(alertID string) (alerting.Alert, remediation.Patch, error) {
	return e.alerts.ManualPatch(alertID)
}

// Escalate hands an alert to case management.
func (e *Engine) Escalate(ctx context.Context, alertID string) (alerting.Alert, error) {
	return e.alerts.Escalate(ctx, alertID)
}

// Ignore stops an alert's timer without patching it.
func (e *Engine) Ignore(alertID string) (alerting.Alert, error) {
	return e.alerts.Ignore(alertID)
}

// UnblockSource clears a source's block and attempt count. Unblocking a
// source that is not blocked still leaves a history entry.
func (e *Engine) UnblockSource(source string) (blocking.BlockRecord, bool) {
	rec, wasBlocked := e.blocker.Unblock(source)
	if !wasBlocked {
		e.logger.Info("unblock requested for source that was not blocked", "source", source)
	}
	ts := rec.Timestamp()
	e.publish(notify.SourceUnblocked, ts, notify.Unblocked{Source: source, Timestamp: ts})
	return rec, wasBlocked
}

// Alerts lists alerts, newest first.
func (e *Engine) Alerts(filter alerting.Filter) []alerting.Alert {
	return e.alerts.List(filter)
}

// Alert returns one alert.
func (e *Engine) Alert(alertID string) (alerting.Alert, error) {
	return e.alerts.Get(alertID)
}

// Patches returns the retained patch history, oldest first.
func (e *Engine) Patches() []remediation.Patch {
	return e.remediator.History()
}

// PatchStats summarizes the patch history.
func (e *Engine) PatchStats() remediation.Stats {
	return e.remediator.Stats()
}

// BlockedSources returns the active blocks.
func (e *Engine) BlockedSources() []blocking.BlockRecord {
	return e.blocker.Blocked()
}

// BlockHistory returns the retained block history.
func (e *Engine) BlockHistory() []blocking.BlockRecord {
	return e.blocker.History()
}

// BlockStats summarizes blocking activity.
func (e *Engine) BlockStats() blocking.Stats {
	return e.blocker.Stats()
}

// Attempts returns the attempt record for source, or
// blocking.ErrSourceNotFound.
func (e *Engine) Attempts(source string) (blocking.AttemptRecord, error) {
	return e.blocker.Attempts(source)
}

// IsBlocked reports whether source is currently blocked.
func (e *Engine) IsBlocked(source string) bool {
	return e.blocker.IsBlocked(source)
}

// CorrelationStats summarizes tracker and rule state.
func (e *Engine) CorrelationStats() correlation.Stats {
	return e.correlator.Stats()
}

// Suspicions lists sources that produced suspicious events.
func (e *Engine) Suspicions() []activity.Suspicion {
	return e.suspicions.List()
}

func (e *Engine) publish(t notify.Type, ts time.Time, payload any) {
	e.publisher.Publish(notify.Notification{Type: t, Timestamp: ts, Payload: payload})
}

// Stats is the overall engine summary.
type Stats struct {
	StartTime     time.Time            `json:"start_time"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Submitted     uint64               `json:"submitted"`
	Processed     uint64               `json:"processed"`
	Rejected      uint64               `json:"rejected"`
	Queued        int                  `json:"queued"`
	QueueCapacity int                  `json:"queue_capacity"`
	Partitions    []queue.QueueMetrics `json:"partitions"`
	Alerts        alerting.Stats       `json:"alerts"`
	Patches       remediation.Stats    `json:"patches"`
	Blocking      blocking.Stats       `json:"blocking"`
	Correlation   correlation.Stats    `json:"correlation"`
	Suspicious    []activity.Suspicion `json:"suspicious_activities"`
}

// Stats returns a snapshot of every component's statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	queued, capacity := 0, 0
	partitions := make([]queue.QueueMetrics, len(e.partitions))
	for i, p := range e.partitions {
		m := p.Metrics()
		partitions[i] = m
		queued += m.Depth
		capacity += m.Capacity
		metrics.QueueDepth.WithLabelValues(fmt.Sprint(i)).Set(float64(m.Depth))
	}

	return Stats{
		StartTime:     start,
		UptimeSeconds: int64(e.clock.Now().Sub(start) / time.Second),
		Submitted:     e.submitted.Load(),
		Processed:     e.processed.Load(),
		Rejected:      e.rejected.Load(),
		Queued:        queued,
		QueueCapacity: capacity,
		Partitions:    partitions,
		Alerts:        e.alerts.Stats(),
		Patches:       e.remediator.Stats(),
		Blocking:      e.blocker.Stats(),
		Correlation:   e.correlator.Stats(),
		Suspicious:    e.suspicions.List(),
	}
}
