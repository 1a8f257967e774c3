// Package guardian runs the reconciliation loop between the local replica and
// the remote system of record and exposes the operator commands.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/drift"
	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
	"go.uber.org/zap"
)

const (
	defaultInterval             = 60 * time.Second
	defaultStopTimeout          = 10 * time.Second
	defaultHealthErrorThreshold = 10
	defaultHealthWindow         = time.Hour
)

// State is the lifecycle state of the loop.
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
)

// Direction selects which side's changes are propagated.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionRemoteToLocal Direction = "remote_to_local"
	DirectionLocalToRemote Direction = "local_to_remote"
)

// ParseDirection validates a direction name; empty selects bidirectional.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DirectionBidirectional:
		return DirectionBidirectional, nil
	case DirectionRemoteToLocal:
		return DirectionRemoteToLocal, nil
	case DirectionLocalToRemote:
		return DirectionLocalToRemote, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// Source returns the side whose changes the direction propagates, or "" for both.
func (d Direction) Source() store.Side {
	switch d {
	case DirectionRemoteToLocal:
		return store.SideRemote
	case DirectionLocalToRemote:
		return store.SideLocal
	default:
		return ""
	}
}

func (d Direction) includes(side store.Side) bool {
	source := d.Source()
	return source == "" || source == side
}

// Config describes the guardian dependencies and tunables.
type Config struct {
	Stores               store.Pair
	Keys                 records.KeySpec
	Checksummer          records.Checksummer
	Collections          []string
	DefaultStrategy      resolver.Strategy
	Interval             time.Duration
	StopTimeout          time.Duration
	HealthErrorThreshold int
	HealthWindow         time.Duration
	DriftSampleSize      int
	ChangeHistoryLimit   int
	ConflictHistoryLimit int
	Retry                recovery.Config
	Audit                *audit.Logger
	Clock                func() time.Time
	IDProvider           ids.Provider
	Logger               *zap.Logger
}

// Guardian coordinates the tracker, resolver, drift detector, audit ledger and
// recovery manager for one store pair.
type Guardian struct {
	stores               store.Pair
	keys                 records.KeySpec
	checksummer          records.Checksummer
	defaultCollections   []string
	stopTimeout          time.Duration
	healthErrorThreshold int
	healthWindow         time.Duration
	clock                func() time.Time
	logger               *zap.Logger

	tracker  *tracker.Tracker
	resolver *resolver.Resolver
	drift    *drift.Detector
	audit    *audit.Logger
	recovery *recovery.Manager
	applier  *applier

	cycleMu sync.Mutex

	mu                sync.Mutex
	state             State
	interval          time.Duration
	stop              chan struct{}
	done              chan struct{}
	cancelLoop        context.CancelFunc
	reconfigure       chan struct{}
	cycles            int64
	lastCycleAt       time.Time
	lastCycleDuration time.Duration
	lastError         string
}

// New wires the components of a guardian around the store pair.
func New(cfg Config) (*Guardian, error) {
	if err := cfg.Stores.Validate(); err != nil {
		return nil, newServiceError(opNew, "missing_store", err)
	}
	interval := cfg.Interval
	if interval < 0 {
		return nil, newServiceError(opNew, reasonInterval, ErrInvalidInterval)
	}
	if interval == 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checksummer := cfg.Checksummer
	if !checksummer.Configured() {
		checksummer = records.DefaultChecksummer()
	}
	auditLog := cfg.Audit
	if auditLog == nil {
		auditLog = audit.NewLogger(audit.Config{Clock: clock, IDProvider: idProvider, Logger: logger})
	}

	changeTracker, err := tracker.New(tracker.Config{
		Stores:       cfg.Stores,
		Keys:         cfg.Keys,
		Checksummer:  checksummer,
		HistoryLimit: cfg.ChangeHistoryLimit,
		Clock:        clock,
		IDProvider:   idProvider,
		Logger:       logger,
	})
	if err != nil {
		return nil, newServiceError(opNew, "tracker_failed", err)
	}

	retryConfig := cfg.Retry
	retryConfig.Audit = auditLog
	retryConfig.Clock = clock
	retryConfig.IDProvider = idProvider
	retryConfig.Logger = logger
	recoveryManager := recovery.NewManager(retryConfig)

	apply := &applier{
		stores:   cfg.Stores,
		keys:     cfg.Keys,
		tracker:  changeTracker,
		recovery: recoveryManager,
	}

	conflictResolver, err := resolver.New(resolver.Config{
		Writer:          apply,
		DefaultStrategy: cfg.DefaultStrategy,
		Checksummer:     checksummer,
		HistoryLimit:    cfg.ConflictHistoryLimit,
		Audit:           auditLog,
		Clock:           clock,
		IDProvider:      idProvider,
		Logger:          logger,
	})
	if err != nil {
		return nil, newServiceError(opNew, reasonStrategy, err)
	}

	detector, err := drift.New(drift.Config{
		Stores:      cfg.Stores,
		Keys:        cfg.Keys,
		Checksummer: checksummer,
		SampleSize:  cfg.DriftSampleSize,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, newServiceError(opNew, "drift_failed", err)
	}

	guardian := &Guardian{
		stores:               cfg.Stores,
		keys:                 cfg.Keys,
		checksummer:          checksummer,
		defaultCollections:   append([]string(nil), cfg.Collections...),
		stopTimeout:          cfg.StopTimeout,
		healthErrorThreshold: cfg.HealthErrorThreshold,
		healthWindow:         cfg.HealthWindow,
		clock:                clock,
		logger:               logger,
		tracker:              changeTracker,
		resolver:             conflictResolver,
		drift:                detector,
		audit:                auditLog,
		recovery:             recoveryManager,
		applier:              apply,
		state:                StateIdle,
		interval:             interval,
		reconfigure:          make(chan struct{}, 1),
	}
	if guardian.stopTimeout <= 0 {
		guardian.stopTimeout = defaultStopTimeout
	}
	if guardian.healthErrorThreshold <= 0 {
		guardian.healthErrorThreshold = defaultHealthErrorThreshold
	}
	if guardian.healthWindow <= 0 {
		guardian.healthWindow = defaultHealthWindow
	}
	return guardian, nil
}

// Audit exposes the event ledger for stream subscribers.
func (g *Guardian) Audit() *audit.Logger {
	return g.audit
}

// Start tracks the collections and launches the monitoring loop. Calling it while
// monitoring returns the current status without restarting. A zero interval keeps
// the configured one.
func (g *Guardian) Start(ctx context.Context, collections []string, interval time.Duration) (Status, error) {
	if interval < 0 {
		return Status{}, newServiceError(opStart, reasonInterval, ErrInvalidInterval)
	}
	g.mu.Lock()
	if g.state == StateMonitoring {
		g.mu.Unlock()
		return g.Status(), nil
	}
	g.mu.Unlock()

	names := collections
	if len(names) == 0 {
		names = g.collections()
	}
	if len(names) == 0 {
		return Status{}, newServiceError(opStart, reasonNoTargets, ErrNoCollections)
	}
	if err := g.tracker.Track(ctx, names); err != nil {
		g.logError(opStart, reasonTrack, err, zap.Strings("collections", names))
		g.audit.Log(audit.Entry{Kind: audit.KindTrack, Status: audit.StatusError, Err: err,
			Details: map[string]any{"collections": names}})
		return Status{}, newServiceError(opStart, reasonTrack, err)
	}
	g.audit.Log(audit.Entry{Kind: audit.KindTrack, Status: audit.StatusSuccess,
		Details: map[string]any{"collections": g.tracker.Tracked()}})

	g.mu.Lock()
	if g.state == StateMonitoring {
		g.mu.Unlock()
		return g.Status(), nil
	}
	if interval > 0 {
		g.interval = interval
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.state = StateMonitoring
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	g.cancelLoop = cancel
	stop, done, current := g.stop, g.done, g.interval
	g.mu.Unlock()

	go g.loop(loopCtx, stop, done)

	g.logger.Info("monitoring started",
		zap.String("operation", opStart),
		zap.Strings("collections", g.tracker.Tracked()),
		zap.Duration("interval", current),
	)
	g.audit.Log(audit.Entry{Kind: audit.KindMonitoring, Status: audit.StatusSuccess,
		Details: map[string]any{"state": string(StateMonitoring), "interval_seconds": current.Seconds()}})
	return g.Status(), nil
}

// Stop asks the loop to exit and waits up to the stop timeout. The state is idle
// on return even when the wait timed out; the running cycle is then cancelled.
func (g *Guardian) Stop(ctx context.Context) (Status, error) {
	g.mu.Lock()
	if g.state != StateMonitoring {
		g.mu.Unlock()
		return g.Status(), nil
	}
	g.state = StateIdle
	stop, done, cancel := g.stop, g.done, g.cancelLoop
	g.stop, g.done, g.cancelLoop = nil, nil, nil
	g.mu.Unlock()

	close(stop)
	timer := time.NewTimer(g.stopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	if err != nil {
		g.logger.Warn("monitoring loop did not stop in time",
			zap.String("operation", opStop),
			zap.Duration("stop_timeout", g.stopTimeout),
			zap.Error(err),
		)
	}
	g.logger.Info("monitoring stopped", zap.String("operation", opStop))
	g.audit.Log(audit.Entry{Kind: audit.KindMonitoring, Status: audit.StatusSuccess,
		Details: map[string]any{"state": string(StateIdle)}})
	if err != nil {
		return g.Status(), newServiceError(opStop, "timeout", err)
	}
	return g.Status(), nil
}

func (g *Guardian) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		g.runLoopCycle(ctx)
		finishedAt := time.Now()

	wait:
		for {
			remaining := time.Until(finishedAt.Add(g.currentInterval()))
			if remaining <= 0 {
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-g.reconfigure:
				timer.Stop()
			case <-timer.C:
				break wait
			}
		}
	}
}

func (g *Guardian) runLoopCycle(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("cycle panic: %v", recovered)
			g.noteCycle(0, err)
			g.logError(opCycle, "panic", err)
			g.audit.Log(audit.Entry{Kind: audit.KindCycle, Status: audit.StatusError, Err: err})
		}
	}()
	if _, err := g.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("sync cycle finished with errors",
			zap.String("operation", opCycle),
			zap.Error(err),
		)
	}
}

// Configure updates the interval and default strategy in place. Nil arguments are left unchanged.
func (g *Guardian) Configure(interval *time.Duration, strategy *string) (Status, error) {
	var parsed resolver.Strategy
	if strategy != nil {
		value, err := resolver.ParseStrategy(*strategy)
		if err != nil {
			return Status{}, newServiceError(opConfigure, reasonStrategy, err)
		}
		parsed = value
	}
	if interval != nil && *interval <= 0 {
		return Status{}, newServiceError(opConfigure, reasonInterval, ErrInvalidInterval)
	}

	details := make(map[string]any)
	if strategy != nil {
		if err := g.resolver.SetDefault(parsed); err != nil {
			return Status{}, newServiceError(opConfigure, reasonStrategy, err)
		}
		details["strategy"] = string(parsed)
	}
	if interval != nil {
		g.mu.Lock()
		g.interval = *interval
		g.mu.Unlock()
		select {
		case g.reconfigure <- struct{}{}:
		default:
		}
		details["interval_seconds"] = interval.Seconds()
	}
	g.audit.Log(audit.Entry{Kind: audit.KindConfigure, Status: audit.StatusSuccess, Details: details})
	return g.Status(), nil
}

// Status is a point-in-time view of the guardian.
type Status struct {
	State               State             `json:"state"`
	Monitoring          bool              `json:"monitoring"`
	Collections         []string          `json:"collections"`
	IntervalSeconds     float64           `json:"interval_seconds"`
	DefaultStrategy     resolver.Strategy `json:"default_strategy"`
	Cycles              int64             `json:"cycles"`
	LastCycleAt         *time.Time        `json:"last_cycle_at,omitempty"`
	LastCycleDurationMs int64             `json:"last_cycle_duration_ms"`
	LastError           string            `json:"last_error,omitempty"`
	PendingChanges      int               `json:"pending_changes"`
	UnresolvedConflicts int               `json:"unresolved_conflicts"`
	ManualQueue         int               `json:"manual_queue"`
	FailedOperations    int               `json:"failed_operations"`
	AuditEvents         int               `json:"audit_events"`
}

// Status reports the loop state and component counters.
func (g *Guardian) Status() Status {
	g.mu.Lock()
	status := Status{
		State:               g.state,
		Monitoring:          g.state == StateMonitoring,
		IntervalSeconds:     g.interval.Seconds(),
		Cycles:              g.cycles,
		LastCycleDurationMs: g.lastCycleDuration.Milliseconds(),
		LastError:           g.lastError,
	}
	if !g.lastCycleAt.IsZero() {
		at := g.lastCycleAt
		status.LastCycleAt = &at
	}
	g.mu.Unlock()

	status.Collections = g.collections()
	status.DefaultStrategy = g.resolver.Default()
	status.PendingChanges = len(g.tracker.Pending())
	status.UnresolvedConflicts = len(g.resolver.Unresolved())
	status.ManualQueue = len(g.resolver.ManualQueue())
	status.FailedOperations = len(g.recovery.Failed())
	status.AuditEvents = g.audit.Len()
	return status
}

// Monitoring reports whether the loop is running.
func (g *Guardian) Monitoring() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateMonitoring
}

func (g *Guardian) currentInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

func (g *Guardian) noteCycle(duration time.Duration, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cycles++
	g.lastCycleAt = g.clock().UTC()
	g.lastCycleDuration = duration
	if err != nil {
		g.lastError = err.Error()
	} else {
		g.lastError = ""
	}
}

// collections returns the tracked collections, or the configured defaults when nothing is tracked.
func (g *Guardian) collections() []string {
	if tracked := g.tracker.Tracked(); len(tracked) > 0 {
		return tracked
	}
	return append([]string(nil), g.defaultCollections...)
}

func (g *Guardian) logError(operation, reason string, err error, fields ...zap.Field) {
	if g.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	g.logger.Error("guardian operation failed", allFields...)
}
