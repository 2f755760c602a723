// Package registry implements the Subscription Registry (spec component
// E): the topic <-> connection-set index. The hot read path,
// SubscribersOf, never takes a topic's writer lock: each topic's subscriber
// slice is published as an immutable snapshot swapped atomically. It does
// take a short read lock on the topic map, which waits only while a first
// subscribe is creating a new topic's slot.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/degenduel/gateway/internal/identity"
	"github.com/degenduel/gateway/internal/metrics"
	"github.com/degenduel/gateway/internal/topichandler"
)

// Subscriber is anything the registry can hand back to a broadcaster.
// Connection implements this.
type Subscriber interface {
	ID() int64
	Identity() identity.Identity
	Enqueue(data []byte) bool
}

// TopicResult reports whether a single topic's subscribe attempt succeeded.
type TopicResult struct {
	Topic    string
	Accepted bool
	Code     int // gatewayerr.Code, 0 if accepted
	Message  string
}

type topicSlot struct {
	mu   sync.Mutex // serializes writers; readers never take this lock
	subs atomic.Value // []Subscriber
}

func newTopicSlot() *topicSlot {
	s := &topicSlot{}
	s.subs.Store([]Subscriber{})
	return s
}

// Registry is the thread-safe topic <-> connection index.
type Registry struct {
	topicsMu sync.RWMutex
	topics   map[string]*topicSlot

	reverseMu sync.Mutex
	reverse   map[int64]map[string]struct{} // connectionID -> set of topics

	handlers topichandler.Table
	metrics  *metrics.Metrics
}

func New(handlers topichandler.Table) *Registry {
	return &Registry{
		topics:   make(map[string]*topicSlot),
		reverse:  make(map[int64]map[string]struct{}),
		handlers: handlers,
	}
}

// SetMetrics wires the Subscriptions-by-topic gauge. Optional: a nil
// registry metrics field just skips recording.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Registry) slotFor(topic string) *topicSlot {
	r.topicsMu.RLock()
	s, ok := r.topics[topic]
	r.topicsMu.RUnlock()
	if ok {
		return s
	}

	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	if s, ok := r.topics[topic]; ok {
		return s
	}
	s = newTopicSlot()
	r.topics[topic] = s
	return s
}

// checkAuth reports whether id satisfies topic's auth requirement.
func checkAuth(req topichandler.AuthRequirement, id identity.Identity) (ok bool, code int, message string) {
	switch req {
	case topichandler.AuthNone, topichandler.AuthOptional:
		return true, 0, ""
	case topichandler.AuthRequired:
		if id.IsAnonymous() {
			return false, 4010, "authentication required for restricted topic"
		}
		return true, 0, ""
	case topichandler.AuthAdmin:
		if id.IsAnonymous() {
			return false, 4010, "authentication required for restricted topic"
		}
		if !id.HasRole(identity.RoleAdmin) {
			return false, 4012, "elevated role required"
		}
		return true, 0, ""
	default:
		return false, 4040, "unknown topic"
	}
}

// Subscribe adds sub to each requested topic it is authorized for.
// Returns one TopicResult per requested topic, successes and failures both.
func (r *Registry) Subscribe(sub Subscriber, topics []string) []TopicResult {
	results := make([]TopicResult, 0, len(topics))

	for _, topic := range topics {
		req, known := r.handlers.AuthRequirement(topic)
		if !known {
			results = append(results, TopicResult{Topic: topic, Accepted: false, Code: 4040, Message: "unknown topic"})
			continue
		}

		ok, code, message := checkAuth(req, sub.Identity())
		if !ok {
			results = append(results, TopicResult{Topic: topic, Accepted: false, Code: code, Message: message})
			continue
		}

		r.addToTopic(topic, sub)
		r.addToReverse(sub.ID(), topic)
		results = append(results, TopicResult{Topic: topic, Accepted: true})
	}

	return results
}

func (r *Registry) addToTopic(topic string, sub Subscriber) {
	slot := r.slotFor(topic)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.subs.Load().([]Subscriber)
	for _, existing := range current {
		if existing.ID() == sub.ID() {
			return // idempotent
		}
	}
	next := make([]Subscriber, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	slot.subs.Store(next)
	if r.metrics != nil {
		r.metrics.SubscriptionsByTopic.WithLabelValues(topic).Set(float64(len(next)))
	}
}

func (r *Registry) addToReverse(connID int64, topic string) {
	r.reverseMu.Lock()
	defer r.reverseMu.Unlock()
	set, ok := r.reverse[connID]
	if !ok {
		set = make(map[string]struct{})
		r.reverse[connID] = set
	}
	set[topic] = struct{}{}
}

// Unsubscribe idempotently removes sub from the given topics.
func (r *Registry) Unsubscribe(connID int64, topics []string) {
	for _, topic := range topics {
		r.removeFromTopic(topic, connID)
		r.removeFromReverse(connID, topic)
	}
}

func (r *Registry) removeFromTopic(topic string, connID int64) {
	r.topicsMu.RLock()
	slot, ok := r.topics[topic]
	r.topicsMu.RUnlock()
	if !ok {
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.subs.Load().([]Subscriber)
	next := make([]Subscriber, 0, len(current))
	for _, existing := range current {
		if existing.ID() != connID {
			next = append(next, existing)
		}
	}
	slot.subs.Store(next)
	if r.metrics != nil {
		r.metrics.SubscriptionsByTopic.WithLabelValues(topic).Set(float64(len(next)))
	}
}

func (r *Registry) removeFromReverse(connID int64, topic string) {
	r.reverseMu.Lock()
	defer r.reverseMu.Unlock()
	if set, ok := r.reverse[connID]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(r.reverse, connID)
		}
	}
}

// SubscribersOf returns a point-in-time snapshot of topic's subscribers.
// Safe to call concurrently with Subscribe/Unsubscribe.
func (r *Registry) SubscribersOf(topic string) []Subscriber {
	r.topicsMu.RLock()
	slot, ok := r.topics[topic]
	r.topicsMu.RUnlock()
	if !ok {
		return nil
	}
	return slot.subs.Load().([]Subscriber)
}

// TopicsOf returns the topics connID is currently subscribed to.
func (r *Registry) TopicsOf(connID int64) []string {
	r.reverseMu.Lock()
	defer r.reverseMu.Unlock()
	set, ok := r.reverse[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for topic := range set {
		out = append(out, topic)
	}
	return out
}

// OnConnectionClosed removes connID from every topic it was subscribed to.
func (r *Registry) OnConnectionClosed(connID int64) {
	topics := r.TopicsOf(connID)
	r.Unsubscribe(connID, topics)
}

// RevokeRestricted removes connID from every topic whose auth requirement
// is required/admin — used on token-expiry identity downgrade (§4.B).
func (r *Registry) RevokeRestricted(connID int64) []string {
	var revoked []string
	for _, topic := range r.TopicsOf(connID) {
		req, known := r.handlers.AuthRequirement(topic)
		if known && (req == topichandler.AuthRequired || req == topichandler.AuthAdmin) {
			r.Unsubscribe(connID, []string{topic})
			revoked = append(revoked, topic)
		}
	}
	return revoked
}
