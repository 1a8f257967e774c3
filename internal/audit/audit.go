// Package audit keeps the append-only ledger of sync-relevant events.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"go.uber.org/zap"
)

// DefaultCapacity bounds the in-memory ledger when no capacity is configured.
const DefaultCapacity = 10000

const sinkTimeout = 5 * time.Second

// Kind classifies an event.
type Kind string

const (
	KindTrack            Kind = "track"
	KindMonitoring       Kind = "monitoring"
	KindCycle            Kind = "sync_cycle"
	KindSyncNow          Kind = "sync_now"
	KindFullSync         Kind = "full_sync"
	KindChangeApplied    Kind = "change_applied"
	KindConflictDetected Kind = "conflict_detected"
	KindConflictResolved Kind = "conflict_resolved"
	KindOperation        Kind = "operation"
	KindRetryFailed      Kind = "retry_failed"
	KindConfigure        Kind = "configure"
)

// Status is the outcome recorded for an event.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusWarning     Status = "warning"
	StatusRetryQueued Status = "retry_queued"
)

// Entry is what callers submit to Log.
type Entry struct {
	Kind       Kind
	Collection string
	RecordID   string
	Source     string
	Target     string
	Status     Status
	Details    map[string]any
	Err        error
}

// Event is a ledger entry.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Collection string         `json:"collection,omitempty"`
	RecordID   string         `json:"record_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Target     string         `json:"target,omitempty"`
	Status     Status         `json:"status"`
	At         time.Time      `json:"at"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Summary aggregates the events of a trailing window.
type Summary struct {
	WindowSeconds int64          `json:"window_seconds"`
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Error         int            `json:"error"`
	Warning       int            `json:"warning"`
	RetryQueued   int            `json:"retry_queued"`
	ByKind        map[string]int `json:"by_kind"`
	ByCollection  map[string]int `json:"by_collection"`
}

// Sink durably records events. Failures never reach the caller of Log.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Config describes the logger dependencies.
type Config struct {
	Capacity   int
	Clock      func() time.Time
	IDProvider ids.Provider
	Sink       Sink
	Logger     *zap.Logger
}

// Logger is a bounded ring of events, safe for concurrent use.
type Logger struct {
	mu     sync.RWMutex
	buffer []Event
	start  int
	size   int
	last   time.Time

	listenerMu   sync.RWMutex
	listeners    map[int64]func(Event)
	nextListener int64

	clock      func() time.Time
	idProvider ids.Provider
	sink       Sink
	logger     *zap.Logger
}

// NewLogger constructs a Logger.
func NewLogger(cfg Config) *Logger {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
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
	return &Logger{
		buffer:     make([]Event, capacity),
		listeners:  make(map[int64]func(Event)),
		clock:      clock,
		idProvider: idProvider,
		sink:       cfg.Sink,
		logger:     logger,
	}
}

// Log appends an event, evicting the oldest when full. It never fails.
func (l *Logger) Log(entry Entry) Event {
	event := Event{
		ID:         ids.MustNew(l.idProvider),
		Kind:       entry.Kind,
		Collection: entry.Collection,
		RecordID:   entry.RecordID,
		Source:     entry.Source,
		Target:     entry.Target,
		Status:     entry.Status,
		Details:    copyDetails(entry.Details),
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if entry.Err != nil {
		event.Error = entry.Err.Error()
	}

	l.mu.Lock()
	at := l.clock().UTC()
	if at.Before(l.last) {
		at = l.last
	}
	l.last = at
	event.At = at
	l.push(event)
	l.mu.Unlock()

	l.persist(event)
	l.notify(event)
	return event
}

// Restore loads previously persisted events, oldest first, without writing them to the sink.
func (l *Logger) Restore(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		if event.At.Before(l.last) {
			event.At = l.last
		}
		l.last = event.At
		l.push(event)
	}
}

// Recent returns up to limit of the newest events in chronological order.
// An empty kind matches every event; a non-positive limit returns all matches.
func (l *Logger) Recent(limit int, kind Kind) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	matched := make([]Event, 0)
	for index := l.size - 1; index >= 0; index-- {
		event := l.at(index)
		if kind != "" && event.Kind != kind {
			continue
		}
		matched = append(matched, event)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	for left, right := 0, len(matched)-1; left < right; left, right = left+1, right-1 {
		matched[left], matched[right] = matched[right], matched[left]
	}
	return matched
}

// Len reports how many events are retained.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// ErrorCount counts error events within the trailing window.
func (l *Logger) ErrorCount(window time.Duration) int {
	return l.Summary(window).Error
}

// Summary aggregates events within the trailing window; a non-positive window covers the whole ledger.
func (l *Logger) Summary(window time.Duration) Summary {
	summary := Summary{
		WindowSeconds: int64(window / time.Second),
		ByKind:        make(map[string]int),
		ByCollection:  make(map[string]int),
	}
	var cutoff time.Time
	if window > 0 {
		cutoff = l.clock().UTC().Add(-window)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for index := 0; index < l.size; index++ {
		event := l.at(index)
		if window > 0 && event.At.Before(cutoff) {
			continue
		}
		summary.Total++
		switch event.Status {
		case StatusSuccess:
			summary.Success++
		case StatusError:
			summary.Error++
		case StatusWarning:
			summary.Warning++
		case StatusRetryQueued:
			summary.RetryQueued++
		}
		summary.ByKind[string(event.Kind)]++
		if event.Collection != "" {
			summary.ByCollection[event.Collection]++
		}
	}
	return summary
}

// AddListener registers a callback invoked after each Log. The returned func removes it.
// Listeners run on the logging goroutine and must not block.
func (l *Logger) AddListener(listener func(Event)) func() {
	if listener == nil {
		return func() {}
	}
	l.listenerMu.Lock()
	l.nextListener++
	id := l.nextListener
	l.listeners[id] = listener
	l.listenerMu.Unlock()
	return func() {
		l.listenerMu.Lock()
		delete(l.listeners, id)
		l.listenerMu.Unlock()
	}
}

func (l *Logger) push(event Event) {
	capacity := len(l.buffer)
	if l.size < capacity {
		l.buffer[(l.start+l.size)%capacity] = event
		l.size++
		return
	}
	l.buffer[l.start] = event
	l.start = (l.start + 1) % capacity
}

func (l *Logger) at(index int) Event {
	return l.buffer[(l.start+index)%len(l.buffer)]
}

func (l *Logger) persist(event Event) {
	if l.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := l.sink.Write(ctx, event); err != nil {
		l.logger.Warn("audit sink write failed",
			zap.String("operation", "audit.persist"),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (l *Logger) notify(event Event) {
	l.listenerMu.RLock()
	callbacks := make([]func(Event), 0, len(l.listeners))
	for _, listener := range l.listeners {
		callbacks = append(callbacks, listener)
	}
	l.listenerMu.RUnlock()
	for _, callback := range callbacks {
		callback(event)
	}
}

func copyDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	copied := make(map[string]any, len(details))
	for key, value := range details {
		copied[key] = value
	}
	return copied
}
