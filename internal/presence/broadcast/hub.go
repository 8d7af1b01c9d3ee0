package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/riderpresence/internal/presence/domain"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_broadcast_deliveries_total",
		Help: "Broadcast deliveries to subscribers grouped by outcome.",
	}, []string{"result"})
	relayFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_broadcast_relay_fail_total",
		Help: "Broadcast events the relay failed to forward.",
	})
	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_broadcast_subscriptions",
		Help: "Current number of topic subscriptions.",
	})
)

// Event is what subscribers receive.
type Event struct {
	Topic   domain.Topic `json:"topic"`
	Name    string       `json:"event"`
	Payload any          `json:"data"`
	At      time.Time    `json:"at"`
}

// Subscriber receives events for the topics it joined. Deliver must not block.
type Subscriber interface {
	ID() string
	Deliver(Event) error
}

// Relay forwards every published event to another transport.
type Relay interface {
	Relay(ctx context.Context, ev Event) error
}

// Hub is the topic registry. It knows nothing about the transport behind a subscriber.
type Hub struct {
	mu          sync.RWMutex
	topics      map[domain.Topic]map[string]Subscriber
	memberships map[string]map[domain.Topic]struct{}
	relay       Relay
	logger      *zap.Logger
	clock       domain.Clock
}

type Option func(*Hub)

// WithRelay mirrors published events to r.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// WithClock overrides the event timestamp source.
func WithClock(c domain.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		topics:      make(map[domain.Topic]map[string]Subscriber),
		memberships: make(map[string]map[domain.Topic]struct{}),
		logger:      logger,
		clock:       domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe joins sub to topic. Joining twice is a no-op.
func (h *Hub) Subscribe(topic domain.Topic, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	if _, joined := subs[sub.ID()]; joined {
		return
	}
	subs[sub.ID()] = sub
	member, ok := h.memberships[sub.ID()]
	if !ok {
		member = make(map[domain.Topic]struct{})
		h.memberships[sub.ID()] = member
	}
	member[topic] = struct{}{}
	subscriptionsGauge.Inc()
}

// Unsubscribe removes the subscriber from one topic.
func (h *Hub) Unsubscribe(topic domain.Topic, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, subID)
}

// UnsubscribeAll removes the subscriber from every topic it joined.
func (h *Hub) UnsubscribeAll(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.memberships[subID] {
		h.removeLocked(topic, subID)
	}
	delete(h.memberships, subID)
}

func (h *Hub) removeLocked(topic domain.Topic, subID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	if _, joined := subs[subID]; !joined {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	if member, ok := h.memberships[subID]; ok {
		delete(member, topic)
		if len(member) == 0 {
			delete(h.memberships, subID)
		}
	}
	subscriptionsGauge.Dec()
}

// Topics lists the topics a subscriber joined.
func (h *Hub) Topics(subID string) []domain.Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]domain.Topic, 0, len(h.memberships[subID]))
	for topic := range h.memberships[subID] {
		res = append(res, topic)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic domain.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish delivers the event to every current subscriber of topic and returns
// how many accepted it. A failing subscriber is logged and skipped.
func (h *Hub) Publish(ctx context.Context, topic domain.Topic, name string, payload any) int {
	ev := Event{Topic: topic, Name: name, Payload: payload, At: h.clock.Now()}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for _, sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if err := sub.Deliver(ev); err != nil {
			deliveriesTotal.WithLabelValues("failed").Inc()
			h.logger.Debug("broadcast delivery failed",
				zap.String("topic", string(topic)),
				zap.String("event", name),
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
			continue
		}
		deliveriesTotal.WithLabelValues("ok").Inc()
		delivered++
	}

	if h.relay != nil {
		if err := h.relay.Relay(ctx, ev); err != nil {
			relayFailTotal.Inc()
			h.logger.Warn("broadcast relay failed", zap.String("topic", string(topic)), zap.String("event", name), zap.Error(err))
		}
	}
	return delivered
}
