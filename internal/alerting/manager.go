package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"socwatch/internal/clock"
	"socwatch/internal/notify"
	"socwatch/internal/remediation"
	"socwatch/internal/schema"
)

// PatchRecorder stores patches synthesized by the manager.
type PatchRecorder interface {
	Record(p remediation.Patch)
}

// Escalator receives ownership of escalated alerts.
type Escalator interface {
	Escalate(ctx context.Context, alert Alert) error
}

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	GracePeriod        time.Duration
	MaxAlerts          int
	MinExecution       time.Duration // Simulated patch execution bounds
	MaxExecution       time.Duration
	GraceForCorrelated bool // Start timers for correlated alerts of any severity
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		GracePeriod:        60 * time.Second,
		MaxAlerts:          1000,
		MinExecution:       300 * time.Millisecond,
		MaxExecution:       1800 * time.Millisecond,
		GraceForCorrelated: true,
	}
}

// Timer states. A grace timer leaves timerArmed exactly once, through
// whichever of expiry or cancellation wins the compare-and-swap.
const (
	timerArmed int32 = iota
	timerFired
	timerCancelled
)

type graceTimer struct {
	alertID  string
	start    time.Time
	duration time.Duration
	state    atomic.Int32
	handle   clock.Timer
}

// Manager tracks alerts and their grace-period timers.
type Manager struct {
	config    ManagerConfig
	clock     clock.Clock
	logger    *slog.Logger
	publisher notify.Publisher
	recorder  PatchRecorder
	escalator Escalator

	mu      sync.Mutex
	alerts  *lru.Cache[string, *Alert]
	timers  map[string]*graceTimer
	evicted []string

	execTime func() time.Duration
}

// NewManager creates a Manager. recorder and escalator may be nil.
func NewManager(config ManagerConfig, clk clock.Clock, publisher notify.Publisher,
	recorder PatchRecorder, escalator Escalator, logger *slog.Logger) (*Manager, error) {

	def := DefaultManagerConfig()
	if config.GracePeriod <= 0 {
		config.GracePeriod = def.GracePeriod
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = def.MaxAlerts
	}
	if config.MinExecution <= 0 {
		config.MinExecution = def.MinExecution
	}
	if config.MaxExecution < config.MinExecution {
		config.MaxExecution = config.MinExecution
	}
	if publisher == nil {
		publisher = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:    config,
		clock:     clk,
		logger:    logger,
		publisher: publisher,
		recorder:  recorder,
		escalator: escalator,
		timers:    make(map[string]*graceTimer),
	}
	m.execTime = func() time.Duration {
		return remediation.RandomDuration(m.config.MinExecution, m.config.MaxExecution)
	}

	// The eviction callback runs inside alerts.Add, with m.mu held.
	cache, err := lru.NewWithEvict[string, *Alert](config.MaxAlerts, func(id string, _ *Alert) {
		m.evicted = append(m.evicted, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert store: %w", err)
	}
	m.alerts = cache

	return m, nil
}

// SetExecutionTimeFunc overrides the simulated patch execution time source.
func (m *Manager) SetExecutionTimeFunc(fn func() time.Duration) {
	m.execTime = fn
}

// RequiresGracePeriod reports whether raising a would arm a timer.
func (m *Manager) RequiresGracePeriod(a *Alert) bool {
	if a.Severity.AtLeastHigh() {
		return true
	}
	return m.config.GraceForCorrelated && a.Correlation != nil
}

// Raise stores a new alert, publishes it, and arms a grace-period timer
// when the alert calls for one. It returns the stored alert.
func (m *Manager) Raise(a *Alert) Alert {
	now := m.clock.Now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.State = StateRaised

	m.mu.Lock()
	m.alerts.Add(a.ID, a)
	m.dropEvictedLocked()
	snapshot := a.clone()
	m.mu.Unlock()

	m.logger.Info("alert raised",
		"alert_id", a.ID,
		"severity", a.Severity,
		"category", a.Category,
	)
	m.publish(notify.AlertRaised, now, snapshot)

	if m.RequiresGracePeriod(a) {
		if err := m.StartGracePeriod(a.ID); err == nil {
			snapshot, _ = m.Get(a.ID)
		}
	}
	return snapshot
}

// dropEvictedLocked cancels timers for alerts pushed out of the store.
func (m *Manager) dropEvictedLocked() {
	for _, id := range m.evicted {
		if gt, ok := m.timers[id]; ok {
			m.stopTimerLocked(gt)
			m.logger.Warn("alert evicted with an active grace period", "alert_id", id)
		}
	}
	m.evicted = m.evicted[:0]
}

// StartGracePeriod arms the grace-period timer for an alert. An existing
// timer for the same alert is cancelled first, so at most one is ever live.
func (m *Manager) StartGracePeriod(alertID string) error {
	m.mu.Lock()

	a, ok := m.alerts.Peek(alertID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, alertID, a.State)
	}

	if prev, ok := m.timers[alertID]; ok {
		m.stopTimerLocked(prev)
	}

	now := m.clock.Now()
	gt := &graceTimer{
		alertID:  alertID,
		start:    now,
		duration: m.config.GracePeriod,
	}
	m.timers[alertID] = gt
	gt.handle = m.clock.AfterFunc(gt.duration, func() { m.expire(gt) })

	deadline := now.Add(gt.duration)
	a.State = StateGracePeriodActive
	a.GraceDeadline = &deadline
	m.mu.Unlock()

	m.logger.Debug("grace period started", "alert_id", alertID, "duration", gt.duration)
	m.publish(notify.GracePeriodStarted, now, notify.GraceStarted{
		AlertID:         alertID,
		DurationSeconds: int(gt.duration / time.Second),
		StartTime:       now,
	})
	return nil
}

// stopTimerLocked cancels gt if it is still armed and removes it from the
// table. It reports whether this call performed the cancellation.
func (m *Manager) stopTimerLocked(gt *graceTimer) bool {
	if m.timers[gt.alertID] == gt {
		delete(m.timers, gt.alertID)
	}
	if !gt.state.CompareAndSwap(timerArmed, timerCancelled) {
		return false
	}
	if gt.handle != nil {
		gt.handle.Stop()
	}
	return true
}

// CancelGracePeriod cancels the alert's timer without any other state
// change. Cancelling a missing or already-fired timer is a no-op.
func (m *Manager) CancelGracePeriod(alertID string) bool {
	m.mu.Lock()
	cancelled := m.cancelLocked(alertID)
	if cancelled {
		if a, ok := m.alerts.Peek(alertID); ok && a.State == StateGracePeriodActive {
			a.State = StateRaised
			a.GraceDeadline = nil
		}
	}
	m.mu.Unlock()

	if cancelled {
		m.publishCancelled(alertID)
	}
	return cancelled
}

func (m *Manager) cancelLocked(alertID string) bool {
	gt, ok := m.timers[alertID]
	if !ok {
		return false
	}
	return m.stopTimerLocked(gt)
}

func (m *Manager) publishCancelled(alertID string) {
	now := m.clock.Now()
	m.logger.Debug("grace period cancelled", "alert_id", alertID)
	m.publish(notify.GracePeriodCancelled, now, notify.GraceCancelled{AlertID: alertID, CancelledAt: now})
}

// expire runs when a grace timer fires. It does nothing if the timer was
// cancelled or superseded first.
func (m *Manager) expire(gt *graceTimer) {
	if !gt.state.CompareAndSwap(timerArmed, timerFired) {
		return
	}

	m.mu.Lock()
	if m.timers[gt.alertID] != gt {
		m.mu.Unlock()
		return
	}
	delete(m.timers, gt.alertID)

	a, ok := m.alerts.Peek(gt.alertID)
	if !ok || a.State.Terminal() {
		m.mu.Unlock()
		return
	}

	patch := m.patchLocked(a, StateAutoRemediated, PatchedByAutoPolicy)
	m.mu.Unlock()

	m.logger.Info("grace period expired, alert auto-remediated", "alert_id", gt.alertID, "patch_id", patch.ID)
	m.finishPatch(a.ID, patch)
}

// patchLocked applies a patch transition and returns the synthesized patch.
func (m *Manager) patchLocked(a *Alert, to State, by string) remediation.Patch {
	now := m.clock.Now()
	a.State = to
	a.Patched = true
	a.PatchedBy = by
	a.PatchedAt = &now
	a.GraceDeadline = nil

	automated := by == PatchedByAutoPolicy
	description := "Manual patch applied by security analyst"
	action := "manual_patch"
	if automated {
		description = "Auto-patch applied by system policy after grace period"
		action = "auto_policy_patch"
	}

	return remediation.Patch{
		ID:              uuid.New(),
		AlertID:         a.ID,
		EventID:         a.EventID,
		Timestamp:       now,
		Action:          action,
		Description:     description,
		Status:          remediation.StatusCompleted,
		Automated:       automated,
		PatchedBy:       by,
		ExecutionTimeMs: m.execTime().Milliseconds(),
		Category:        a.Category,
		Severity:        a.Severity,
	}
}

func (m *Manager) finishPatch(alertID string, patch remediation.Patch) {
	if m.recorder != nil {
		m.recorder.Record(patch)
	}
	m.publish(notify.RemediationCompleted, patch.Timestamp, notify.Remediated{Patch: patch, AlertID: alertID})
	m.publish(notify.AlertPatched, patch.Timestamp, notify.Patched{
		AlertID:   alertID,
		PatchedBy: patch.PatchedBy,
		Timestamp: patch.Timestamp,
	})
}

// Acknowledge marks an alert as seen. It does not affect its timer.
func (m *Manager) Acknowledge(alertID string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts.Peek(alertID)
	if !ok {
		m.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	now := m.clock.Now()
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = &now
	}
	snapshot := a.clone()
	m.mu.Unlock()

	m.publish(notify.AlertAcknowledged, now, notify.AlertRef{AlertID: alertID})
	return snapshot, nil
}

// ManualPatch cancels the alert's timer and records a manual patch.
func (m *Manager) ManualPatch(alertID string) (Alert, remediation.Patch, error) {
	m.mu.Lock()
	a, ok := m.alerts.Peek(alertID)
	if !ok {
		m.mu.Unlock()
		return Alert{}, remediation.Patch{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State.Terminal() {
		m.mu.Unlock()
		return a.clone(), remediation.Patch{}, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, alertID, a.State)
	}

	cancelled := m.cancelLocked(alertID)
	patch := m.patchLocked(a, StateManuallyRemediated, PatchedByManual)
	snapshot := a.clone()
	m.mu.Unlock()

	if cancelled {
		m.publishCancelled(alertID)
	}
	m.logger.Info("alert manually patched", "alert_id", alertID, "patch_id", patch.ID)
	m.finishPatch(alertID, patch)
	return snapshot, patch, nil
}

// Escalate cancels the alert's timer and hands the alert to the case
// management collaborator. The alert stays unpatched. If the hand-off
// fails the alert returns to its previous state, with its grace timer
// re-armed for the time that was left.
func (m *Manager) Escalate(ctx context.Context, alertID string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts.Peek(alertID)
	if !ok {
		m.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State.Terminal() {
		m.mu.Unlock()
		return a.clone(), fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, alertID, a.State)
	}

	prevState, prevDeadline := a.State, a.GraceDeadline
	cancelled := m.cancelLocked(alertID)
	a.State = StateEscalated
	a.GraceDeadline = nil
	snapshot := a.clone()
	m.mu.Unlock()

	if m.escalator != nil {
		if err := m.escalator.Escalate(ctx, snapshot); err != nil {
			m.logger.Error("case hand-off failed", "alert_id", alertID, "error", err)
			restored := m.restoreAfterFailedEscalation(alertID, prevState, prevDeadline, cancelled)
			return restored, fmt.Errorf("escalation hand-off: %w", err)
		}
	}

	if cancelled {
		m.publishCancelled(alertID)
	}
	m.publish(notify.AlertEscalated, m.clock.Now(), notify.AlertRef{AlertID: alertID})
	m.logger.Info("alert escalated", "alert_id", alertID)
	return snapshot, nil
}

// restoreAfterFailedEscalation undoes the escalated state. A timer that was
// live is re-armed to fire at the original deadline, or at once if that
// deadline has passed.
func (m *Manager) restoreAfterFailedEscalation(alertID string, state State, deadline *time.Time, rearm bool) Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts.Peek(alertID)
	if !ok {
		return Alert{}
	}
	if a.State != StateEscalated {
		return a.clone()
	}
	a.State = state
	a.GraceDeadline = deadline

	if rearm && deadline != nil {
		remaining := deadline.Sub(m.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		gt := &graceTimer{
			alertID:  alertID,
			start:    deadline.Add(-m.config.GracePeriod),
			duration: m.config.GracePeriod,
		}
		m.timers[alertID] = gt
		gt.handle = m.clock.AfterFunc(remaining, func() { m.expire(gt) })
	} else if state == StateGracePeriodActive {
		a.State = StateRaised
		a.GraceDeadline = nil
	}
	return a.clone()
}

// Ignore cancels the alert's timer without patching. The alert stays open.
func (m *Manager) Ignore(alertID string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts.Peek(alertID)
	if !ok {
		m.mu.Unlock()
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State.Terminal() {
		m.mu.Unlock()
		return a.clone(), fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, alertID, a.State)
	}

	cancelled := m.cancelLocked(alertID)
	a.State = StateRaised
	a.Ignored = true
	a.GraceDeadline = nil
	snapshot := a.clone()
	m.mu.Unlock()

	if cancelled {
		m.publishCancelled(alertID)
	}
	m.publish(notify.AlertIgnored, m.clock.Now(), notify.AlertRef{AlertID: alertID})
	return snapshot, nil
}

// Get returns a copy of an alert.
func (m *Manager) Get(alertID string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts.Peek(alertID)
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return a.clone(), nil
}

// HasTimer reports whether the alert has a live grace-period timer.
func (m *Manager) HasTimer(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[alertID]
	return ok
}

// ActiveTimers returns the number of live grace-period timers.
func (m *Manager) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// List returns alerts matching filter, newest first.
func (m *Manager) List(filter Filter) []Alert {
	m.mu.Lock()
	var out []Alert
	for _, id := range m.alerts.Keys() {
		a, ok := m.alerts.Peek(id)
		if ok && filter.matches(a) {
			out = append(out, a.clone())
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// Stats summarizes stored alerts.
type Stats struct {
	Total        int                     `json:"total"`
	Acknowledged int                     `json:"acknowledged"`
	Patched      int                     `json:"patched"`
	ActiveTimers int                     `json:"active_timers"`
	ByState      map[State]int           `json:"by_state"`
	BySeverity   map[schema.Severity]int `json:"by_severity"`
}

// Stats returns counts over the stored alerts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:        m.alerts.Len(),
		ActiveTimers: len(m.timers),
		ByState:      make(map[State]int),
		BySeverity:   make(map[schema.Severity]int),
	}
	for _, a := range m.alerts.Values() {
		s.ByState[a.State]++
		s.BySeverity[a.Severity]++
		if a.Acknowledged {
			s.Acknowledged++
		}
		if a.Patched {
			s.Patched++
		}
	}
	return s
}

// Reset cancels every timer and forgets every alert.
func (m *Manager) Reset() {
	m.mu.Lock()
	for _, gt := range m.timers {
		m.stopTimerLocked(gt)
	}
	m.timers = make(map[string]*graceTimer)
	m.alerts.Purge()
	m.evicted = m.evicted[:0]
	m.mu.Unlock()
}

func (m *Manager) publish(t notify.Type, ts time.Time, payload any) {
	m.publisher.Publish(notify.Notification{Type: t, Timestamp: ts, Payload: payload})
}
