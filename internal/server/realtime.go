package server

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	topicAll = "*"

	eventStreamWriteWait  = 10 * time.Second
	eventStreamPongWait   = 60 * time.Second
	eventStreamPingPeriod = 30 * time.Second
)

// EventDispatcher fans audit events out to stream subscribers. Subscribers pick a
// collection topic or every event; slow subscribers drop events rather than block.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan audit.Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  64,
	}
}

// Attach forwards every event logged to the ledger. The returned func detaches.
func (d *EventDispatcher) Attach(ledger *audit.Logger) func() {
	if ledger == nil {
		return func() {}
	}
	return ledger.AddListener(d.Publish)
}

// Subscribe registers a stream for the collection, or for every event when the
// collection is empty. The subscription ends when ctx is done or cleanup is called.
func (d *EventDispatcher) Subscribe(ctx context.Context, collection string) (<-chan audit.Event, func()) {
	topic := collection
	if topic == "" {
		topic = topicAll
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan audit.Event, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event audit.Event) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0)
	for _, subscriber := range d.subscribers[topicAll] {
		copies = append(copies, subscriber)
	}
	if event.Collection != "" {
		for _, subscriber := range d.subscribers[event.Collection] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open subscriptions.
func (d *EventDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(topic string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.allowedOrigins) == 0 {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range h.allowedOrigins {
				if allowed == "*" || allowed == origin || allowed == parsed.Scheme+"://"+parsed.Host {
					return true
				}
			}
			return false
		},
	}
}

// handleEventStream upgrades to a websocket and pushes audit events as JSON frames.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.events.Subscribe(ctx, c.Query("collection"))
	defer cleanup()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventStreamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventStreamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventStreamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(eventStreamWriteWait))
			return
		case event := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(eventStreamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventStreamWriteWait)); err != nil {
				return
			}
		}
	}
}
