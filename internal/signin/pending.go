// file: internal/signin/pending.go
package signin

import (
	"time"

	"github.com/dkoosis/emailsignin/internal/completion"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/focus"
)

type signalKind int

const (
	signalDeepLink signalKind = iota
	signalFocus
	signalTimeout
	signalDispatchFailed
	signalAborted
)

func (k signalKind) String() string {
	switch k {
	case signalDeepLink:
		return "deep_link"
	case signalFocus:
		return "focus"
	case signalTimeout:
		return "timeout"
	case signalDispatchFailed:
		return "dispatch_failed"
	case signalAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// signal is what competes for a request's gate.
type signal struct {
	kind     signalKind
	callback deeplink.Callback
}

// pendingRequest is the one in-flight deep-link flow. Fields other than
// gate are only touched on the loop.
type pendingRequest struct {
	id               string
	correlationToken string
	awaiting         bool
	completed        bool

	gate     *completion.Gate[signal]
	linkSub  deeplink.Subscription
	focusSub focus.Subscription
	timer    *time.Timer
}

func newPendingRequest(id string) *pendingRequest {
	return &pendingRequest{id: id, gate: completion.NewGate[signal]()}
}

// subscriptionFor returns the subscription that produces kind, if any.
func (r *pendingRequest) subscriptionFor(kind signalKind) interface{ Closed() bool } {
	switch kind {
	case signalDeepLink:
		if r.linkSub != nil {
			return r.linkSub
		}
	case signalFocus:
		if r.focusSub != nil {
			return r.focusSub
		}
	}
	return nil
}

// teardown drops both subscriptions and the timeout.
func (r *pendingRequest) teardown() {
	if r.linkSub != nil {
		r.linkSub.Unsubscribe()
	}
	if r.focusSub != nil {
		r.focusSub.Unsubscribe()
	}
	if r.timer != nil {
		r.timer.Stop()
	}
}
