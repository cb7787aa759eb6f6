// file: internal/deeplink/hub.go
package deeplink

import (
	"sync"
	"sync/atomic"

	"github.com/dkoosis/emailsignin/internal/logging"
)

// Subscription is the handle returned by Listener.Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
	// Closed reports whether Unsubscribe has been called.
	Closed() bool
}

// Listener is what the sign-in service consumes.
type Listener interface {
	// Subscribe registers fn for the callback of requestID. fn runs at most once.
	Subscribe(requestID string, fn func(Callback)) Subscription
}

// Hub routes decoded callbacks to the subscription of the matching request.
type Hub struct {
	logger logging.Logger

	mu   sync.Mutex
	subs map[*hubSubscription]struct{}
}

var _ Listener = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logging.OrNoop(logger).WithField("component", "deeplink_hub"),
		subs:   make(map[*hubSubscription]struct{}),
	}
}

type hubSubscription struct {
	hub       *Hub
	requestID string
	fn        func(Callback)
	closed    atomic.Bool
}

func (s *hubSubscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
}

func (s *hubSubscription) Closed() bool {
	return s.closed.Load()
}

// Subscribe implements Listener.
func (h *Hub) Subscribe(requestID string, fn func(Callback)) Subscription {
	s := &hubSubscription{hub: h, requestID: requestID, fn: fn}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Deliver hands cb to every live subscription it matches and reports how
// many received it. A callback without a request ID matches any
// subscription; one with an ID only matches that request.
func (h *Hub) Deliver(cb Callback) int {
	h.mu.Lock()
	var matched []*hubSubscription
	for s := range h.subs {
		if cb.RequestID == "" || cb.RequestID == s.requestID {
			matched = append(matched, s)
			delete(h.subs, s)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, s := range matched {
		if s.closed.Load() {
			continue
		}
		s.fn(cb)
		delivered++
	}
	if delivered == 0 {
		h.logger.Warn("Deep link callback dropped, no pending request matched.",
			"request_id", cb.RequestID, "cancelled", cb.Cancelled)
	}
	return delivered
}

// DeliverURL parses raw and delivers the result.
func (h *Hub) DeliverURL(raw string) (int, error) {
	cb, err := ParseCallbackURL(raw)
	if err != nil {
		return 0, err
	}
	return h.Deliver(cb), nil
}

// Pending reports the number of live subscriptions.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
