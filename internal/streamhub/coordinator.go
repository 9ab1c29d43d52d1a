package streamhub

import (
	"context"
	"sync"
	"time"
)

// DefaultQueueSize is the bounded per-subscriber event queue size (spec
// stream.subscriber_queue_size config key).
const DefaultQueueSize = 100

// DefaultHeartbeatInterval is how long a session may sit idle before the
// coordinator injects a heartbeat event.
const DefaultHeartbeatInterval = 30 * time.Second

// subscriber is a single subscriber's bounded, drop-oldest event queue.
// Exactly one goroutine calls Next per subscriber; Push may be called
// concurrently by the coordinator.
type subscriber struct {
	mu      sync.Mutex
	buf     []Event
	notify  chan struct{}
	dropped uint64
	closed  bool
	maxLen  int
}

func newSubscriber(maxLen int) *subscriber {
	if maxLen <= 0 {
		maxLen = DefaultQueueSize
	}
	return &subscriber{notify: make(chan struct{}, 1), maxLen: maxLen}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, e)
	if len(s.buf) > s.maxLen {
		s.buf = s.buf[1:]
		s.dropped++
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			e := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-s.notify:
			continue
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// DroppedCount returns how many events this subscriber has lost to overflow.
func (s *subscriber) DroppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// sessionHub holds every live subscriber for one session plus the state
// needed to emit idle heartbeats.
type sessionHub struct {
	mu           sync.Mutex
	subs         map[int]*subscriber
	nextSubID    int
	seq          uint64
	lastActivity time.Time
}

// Subscription is a live handle a caller uses to read events for one
// session until it calls Close or its context is cancelled.
type Subscription struct {
	hub *sessionHub
	sub *subscriber
	id  int
}

// Next blocks until the next event is available, ctx is cancelled, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	return s.sub.next(ctx)
}

// Dropped returns the number of events this subscription has lost to queue
// overflow; every drop is counted.
func (s *Subscription) Dropped() uint64 {
	return s.sub.DroppedCount()
}

// Close detaches the subscription from its session hub.
func (s *Subscription) Close() {
	s.sub.close()
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
}

// Coordinator merges each session's outbound events: per-session ordered
// fan-out with bounded, drop-oldest subscriber queues and classification of
// assistant content into thinking/response/default.
type Coordinator struct {
	mu         sync.Mutex
	hubs       map[string]*sessionHub
	classifier *Classifier
	queueSize  int
	heartbeat  time.Duration
}

// NewCoordinator creates a Streaming Coordinator. A nil classifier uses the
// built-in lead-in phrase tables.
func NewCoordinator(classifier *Classifier, queueSize int, heartbeat time.Duration) *Coordinator {
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Coordinator{
		hubs:       make(map[string]*sessionHub),
		classifier: classifier,
		queueSize:  queueSize,
		heartbeat:  heartbeat,
	}
}

// Classifier exposes the coordinator's classifier so an Agent Instance can
// tag content fragments before calling Publish.
func (c *Coordinator) Classifier() *Classifier { return c.classifier }

func (c *Coordinator) hubFor(sessionID string) *sessionHub {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hubs[sessionID]
	if !ok {
		h = &sessionHub{subs: make(map[int]*subscriber), lastActivity: time.Now()}
		c.hubs[sessionID] = h
	}
	return h
}

// Subscribe attaches a new subscriber to a session. An
// existing subscriber is never evicted when a second one attaches: both
// receive the fan-out.
func (c *Coordinator) Subscribe(sessionID string) *Subscription {
	h := c.hubFor(sessionID)
	sub := newSubscriber(c.queueSize)

	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = sub
	h.mu.Unlock()

	return &Subscription{hub: h, sub: sub, id: id}
}

// Publish fans an event out, in emission order, to every current subscriber
// of sessionID. Publish never blocks on a slow subscriber: delivery is
// always a non-blocking push into that subscriber's bounded queue.
func (c *Coordinator) Publish(sessionID string, e Event) {
	h := c.hubFor(sessionID)

	// Pushing under the hub lock keeps every subscriber's queue in seq
	// order even when several goroutines publish to the same session.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.seq = h.seq
	h.lastActivity = time.Now()
	for _, s := range h.subs {
		s.push(e)
	}
}

// PublishContent classifies and publishes a content fragment in one step.
func (c *Coordinator) PublishContent(sessionID, text string, hasToolCall bool) {
	phase := c.classifier.Classify(text, hasToolCall)
	c.Publish(sessionID, Content(phase, text))
}

// Run injects a heartbeat into every session that has had no activity for
// the configured interval, until ctx is cancelled. One Run call per
// Coordinator is expected, started from the composition root.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat / 2)
	if c.heartbeat/2 <= 0 {
		ticker = time.NewTicker(time.Second)
	}
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepHeartbeats()
		}
	}
}

func (c *Coordinator) sweepHeartbeats() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.hubs))
	for id := range c.hubs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		h := c.hubFor(id)
		h.mu.Lock()
		idle := now.Sub(h.lastActivity) >= c.heartbeat
		h.mu.Unlock()
		if idle {
			c.Publish(id, Heartbeat())
		}
	}
}

// Close tears down a session's hub, closing every attached subscriber.
// Called when a session's Agent Instance is released.
func (c *Coordinator) Close(sessionID string) {
	c.mu.Lock()
	h, ok := c.hubs[sessionID]
	delete(c.hubs, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
