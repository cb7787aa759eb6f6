// Package focus turns host foreground/background notifications into a
// one-shot "focus regained" signal per subscription.
package focus

// file: internal/focus/watcher.go

import (
	"sync"
	"sync/atomic"

	"github.com/dkoosis/emailsignin/internal/logging"
)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
	// Closed reports whether Unsubscribe has been called.
	Closed() bool
}

// Source is what the sign-in service consumes.
type Source interface {
	Subscribe(fn func()) Subscription
}

// Watcher tracks the host's focus state. The host calls Notify from its
// window/lifecycle hooks.
type Watcher struct {
	logger logging.Logger

	mu       sync.Mutex
	hasFocus bool
	subs     map[*subscription]struct{}
}

var _ Source = (*Watcher)(nil)

// NewWatcher returns a watcher that assumes the host currently has focus.
func NewWatcher(logger logging.Logger) *Watcher {
	return &Watcher{
		logger:   logging.OrNoop(logger).WithField("component", "focus_watcher"),
		hasFocus: true,
		subs:     make(map[*subscription]struct{}),
	}
}

type subscription struct {
	w        *Watcher
	fn       func()
	lost     bool // focus was lost while subscribed
	closed   atomic.Bool
	fireOnce sync.Once
}

func (s *subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.w.mu.Lock()
	delete(s.w.subs, s)
	s.w.mu.Unlock()
}

func (s *subscription) Closed() bool {
	return s.closed.Load()
}

// Subscribe registers fn to run once, the first time focus comes back
// after being lost while this subscription is live.
func (w *Watcher) Subscribe(fn func()) Subscription {
	s := &subscription{w: w, fn: fn}
	w.mu.Lock()
	w.subs[s] = struct{}{}
	w.mu.Unlock()
	return s
}

// Notify records a focus change reported by the host.
func (w *Watcher) Notify(hasFocus bool) {
	w.mu.Lock()
	changed := w.hasFocus != hasFocus
	w.hasFocus = hasFocus

	var ready []*subscription
	for s := range w.subs {
		if !hasFocus {
			s.lost = true
			continue
		}
		if s.lost {
			ready = append(ready, s)
			delete(w.subs, s)
		}
	}
	w.mu.Unlock()

	if changed {
		w.logger.Debug("Focus changed.", "has_focus", hasFocus)
	}
	for _, s := range ready {
		if s.closed.Load() {
			continue
		}
		s.fireOnce.Do(s.fn)
	}
}

// HasFocus reports the last state passed to Notify.
func (w *Watcher) HasFocus() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasFocus
}
