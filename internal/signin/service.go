// Package signin orchestrates the email sign-in flow: it opens the external
// sign-in page, waits for the deep-link callback or for the user to come
// back without one, and drives the login state machine with the result.
package signin

// file: internal/signin/service.go

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/dispatch"
	"github.com/dkoosis/emailsignin/internal/focus"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/dkoosis/emailsignin/internal/login"
	"github.com/dkoosis/emailsignin/internal/provider"
	"github.com/dkoosis/emailsignin/internal/session"
	"github.com/google/uuid"
)

var (
	// ErrSignInInProgress is returned when a flow is already pending.
	ErrSignInInProgress = errors.New("sign-in already in progress")
	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("sign-in service disposed")
	// ErrPasswordResetNotSent is returned when the provider did not send
	// the reset email. Details are logged, not returned.
	ErrPasswordResetNotSent = errors.New("password reset email not sent")
)

// Session is the host session manager the service consults and updates.
type Session interface {
	IsAuthorized(p session.ProviderSet) bool
	Authorize(p session.ProviderSet, user *provider.User)
	SignOut()
}

// Deps are the collaborators of a Service.
type Deps struct {
	Session    Session
	Provider   provider.Provider
	Dispatcher deeplink.Dispatcher
	Listener   deeplink.Listener
	Focus      focus.Source
	Logger     logging.Logger
}

// Options tune a Service.
type Options struct {
	// SignInPageURL is the external page opened for the user.
	SignInPageURL string
	// RedirectURI is the deep link the page returns to.
	RedirectURI string
	// FlowTimeout resolves an abandoned flow as cancelled. Zero waits forever.
	FlowTimeout time.Duration
	// QueueSize bounds the execution loop queue.
	QueueSize int
}

// Service is the sign-in orchestrator. All of its state is owned by a
// single dispatch loop; the exported methods are safe for concurrent use.
type Service struct {
	deps    Deps
	opts    Options
	logger  logging.Logger
	machine *login.Machine
	loop    *dispatch.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	disposed atomic.Bool

	// Loop-owned.
	pending *pendingRequest
	direct  bool // a password, link or reset call is in flight
}

// New builds a service in the Idle state.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("signin: session is required")
	case deps.Provider == nil:
		return nil, errors.New("signin: provider is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("signin: dispatcher is required")
	case deps.Listener == nil:
		return nil, errors.New("signin: deep link listener is required")
	case deps.Focus == nil:
		return nil, errors.New("signin: focus source is required")
	case opts.SignInPageURL == "":
		return nil, errors.New("signin: sign-in page URL is required")
	case opts.FlowTimeout < 0:
		return nil, errors.Newf("signin: negative flow timeout %s", opts.FlowTimeout)
	}

	logger := logging.OrNoop(deps.Logger).WithField("component", "email_signin")
	machine, err := login.NewMachine(logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		machine: machine,
		loop:    dispatch.NewLoop(opts.QueueSize, logger),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// TryToSignIn starts the deep-link flow. It returns once the sign-in page
// has been handed to the dispatcher; the result arrives through State,
// Watch and SetAuthCompletion. Already being signed in with email goes
// straight to Success without opening anything.
func (s *Service) TryToSignIn(ctx context.Context) error {
	req := newPendingRequest(uuid.NewString())

	started := false
	err := s.loop.Call(ctx, func() error {
		if s.disposed.Load() {
			return ErrDisposed
		}
		if s.pending != nil || s.direct {
			return ErrSignInInProgress
		}
		if s.deps.Session.IsAuthorized(session.Email) {
			s.logger.Info("Already signed in with email, skipping external flow.")
			return s.machine.Succeed(s.ctx)
		}
		if err := s.machine.Begin(s.ctx); err != nil {
			if errors.Is(err, login.ErrAlreadyProcessing) {
				return ErrSignInInProgress
			}
			return err
		}
		s.pending = req
		started = true
		s.logger.Info("Email sign-in started.", "request_id", req.id)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// The task may still have run; abandon whatever it installed.
			s.signal(req, signal{kind: signalAborted})
		}
		return s.loopErr(err)
	}
	if !started {
		return nil
	}

	token, err := s.deps.Provider.IDToken(ctx)
	switch {
	case ctx.Err() != nil:
		s.signal(req, signal{kind: signalAborted})
		return ctx.Err()
	case errors.Is(err, provider.ErrNoCurrentUser):
		s.logger.Debug("No current identity, opening sign-in page without a correlation token.")
		token = ""
	case err != nil:
		s.logger.Warn("Could not fetch correlation token, continuing without it.", "error", err)
		token = ""
	}

	return s.loopErr(s.loop.Call(s.ctx, func() error {
		s.startExternal(req, token)
		return nil
	}))
}

// startExternal subscribes both signal sources and opens the page. Runs on
// the loop.
func (s *Service) startExternal(req *pendingRequest, token string) {
	if s.pending != req || req.gate.Resolved() {
		return
	}
	req.correlationToken = token

	target, err := deeplink.BuildSignInURL(s.opts.SignInPageURL, s.opts.RedirectURI, token, req.id)
	if err != nil {
		s.logger.Error("Failed to build sign-in URL.", "error", err)
		s.signal(req, signal{kind: signalDispatchFailed})
		return
	}

	req.linkSub = s.deps.Listener.Subscribe(req.id, func(cb deeplink.Callback) {
		s.signal(req, signal{kind: signalDeepLink, callback: cb})
	})
	req.focusSub = s.deps.Focus.Subscribe(func() {
		s.signal(req, signal{kind: signalFocus})
	})
	if s.opts.FlowTimeout > 0 {
		req.timer = time.AfterFunc(s.opts.FlowTimeout, func() {
			s.signal(req, signal{kind: signalTimeout})
		})
	}
	req.awaiting = true

	if err := s.deps.Dispatcher.Open(s.ctx, target); err != nil {
		s.logger.Error("Failed to open sign-in page.", "error", err, "request_id", req.id)
		s.signal(req, signal{kind: signalDispatchFailed})
		return
	}
	s.logger.Info("Sign-in page opened, waiting for callback.",
		"request_id", req.id, "has_correlation_token", token != "")
}

// signal offers sig to the request's gate. Only the first signal wins; it
// is processed on the loop.
func (s *Service) signal(req *pendingRequest, sig signal) {
	if !req.gate.Resolve(sig.kind.String(), sig) {
		s.logger.Debug("Signal ignored, request already completed.",
			"request_id", req.id, "source", sig.kind.String())
		return
	}
	if err := s.loop.Post(func() { s.complete(req, sig) }); err != nil {
		s.logger.Debug("Signal dropped, loop unavailable.", "request_id", req.id, "error", err)
	}
}

// complete consumes the winning signal. Runs on the loop.
func (s *Service) complete(req *pendingRequest, sig signal) {
	if s.pending != req {
		s.logger.Debug("Signal for a stale request dropped.", "request_id", req.id, "source", sig.kind.String())
		return
	}
	if sub := req.subscriptionFor(sig.kind); sub != nil && sub.Closed() {
		s.logger.Debug("Signal after unsubscribe dropped.", "request_id", req.id, "source", sig.kind.String())
		return
	}

	req.teardown()
	req.awaiting = false
	req.completed = true
	s.logger.Info("Sign-in request completed.", "request_id", req.id, "source", sig.kind.String())

	switch sig.kind {
	case signalFocus:
		s.logger.Info("Focus regained without a callback, treating as cancelled.", "request_id", req.id)
		s.finish(req, login.OutcomeCancelled)
	case signalTimeout:
		s.logger.Warn("Sign-in flow timed out.", "request_id", req.id, "timeout", s.opts.FlowTimeout)
		s.finish(req, login.OutcomeCancelled)
	case signalAborted:
		s.finish(req, login.OutcomeCancelled)
	case signalDispatchFailed:
		s.finish(req, login.OutcomeUnknown)
	case signalDeepLink:
		cb := sig.callback
		switch {
		case cb.Cancelled:
			s.finish(req, login.OutcomeCancelled)
		case cb.Token == "":
			s.logger.Warn("Deep link callback carried no token.", "request_id", req.id)
			s.finish(req, login.OutcomeUnknown)
		default:
			s.exchange(req, cb.Token)
		}
	}
}

// exchange trades the callback token for a session off the loop. The
// request stays pending, and the state Processing, until it returns.
func (s *Service) exchange(req *pendingRequest, token string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		user, err := s.deps.Provider.SignInWithCustomToken(s.ctx, token)
		s.post(func() {
			if s.pending != req {
				return
			}
			if err != nil {
				s.logger.Error("Token exchange failed.", "request_id", req.id,
					"error", err, "code", provider.CodeOf(err).String())
				s.finish(req, login.OutcomeUnknown)
				return
			}
			s.deps.Session.Authorize(session.Email, user)
			s.logger.Info("Signed in with email link.", "request_id", req.id, "user_id", userID(user))
			s.finish(req, login.OutcomeOk)
		})
	}()
}

// finish clears the pending slot and applies the terminal state. Runs on the loop.
func (s *Service) finish(req *pendingRequest, outcome login.Outcome) {
	if s.pending == req {
		s.pending = nil
	}
	var err error
	if outcome == login.OutcomeOk {
		err = s.machine.Succeed(s.ctx)
	} else {
		err = s.machine.Fail(s.ctx, outcome)
	}
	if err != nil {
		s.logger.Error("Login state transition failed.", "error", err, "outcome", outcome.String())
	}
}

// TryToSignInWithPassword signs in with email and password, or links them
// to the current account when linkToCurrentAccount is set. It returns after
// the provider answered and the state reflects the result.
func (s *Service) TryToSignInWithPassword(ctx context.Context, email, password string, linkToCurrentAccount bool) error {
	if err := s.reserveDirect(ctx); err != nil {
		return err
	}

	if linkToCurrentAccount {
		s.logger.Info("Linking email credential to current account.", "email", email, "empty_password", password == "")
		user, err := s.deps.Provider.LinkWithEmailCredential(ctx, email, password)
		return s.releaseDirect(func() { s.onLinked(user, err) })
	}

	user, err := s.deps.Provider.SignInWithEmailAndPassword(ctx, email, password)
	return s.releaseDirect(func() { s.onPasswordSignIn(user, err) })
}

func (s *Service) onPasswordSignIn(user *provider.User, err error) {
	if err != nil {
		if provider.IsCancelled(err) {
			s.logger.Warn("Email/password sign-in was cancelled.")
		} else {
			s.logger.Error("Email/password sign-in failed.", "error", err, "code", provider.CodeOf(err).String())
		}
		s.deps.Session.SignOut()
		s.fail(login.OutcomeUnknown)
		return
	}
	s.deps.Session.Authorize(session.Email, user)
	s.logger.Info("Email/password signed in.", "user_id", userID(user))
}

func (s *Service) onLinked(user *provider.User, err error) {
	if err != nil {
		if provider.IsCancelled(err) {
			s.logger.Warn("Linking email credential was cancelled.")
			return
		}
		outcome := OutcomeForLinkError(err)
		s.logger.Error("Linking email credential failed.", "error", err,
			"code", provider.CodeOf(err).String(), "outcome", outcome.String())
		s.fail(outcome)
		return
	}
	s.deps.Session.Authorize(session.Email, user)
	s.logger.Info("Link with email/password successful.", "user_id", userID(user))
	if err := s.machine.Succeed(s.ctx); err != nil {
		s.logger.Error("Login state transition failed.", "error", err)
	}
}

func (s *Service) fail(outcome login.Outcome) {
	if err := s.machine.Fail(s.ctx, outcome); err != nil {
		s.logger.Error("Login state transition failed.", "error", err, "outcome", outcome.String())
	}
}

// OutcomeForLinkError maps a credential-link failure onto a login outcome.
func OutcomeForLinkError(err error) login.Outcome {
	switch provider.CodeOf(err) {
	case provider.CodeCredentialAlreadyInUse, provider.CodeEmailAlreadyInUse, provider.CodeProviderAlreadyLinked:
		return login.OutcomeAccountAlreadyLinked
	case provider.CodeRequiresRecentLogin:
		return login.OutcomeAccountNeedsRecentLogin
	default:
		return login.OutcomeUnknown
	}
}

// SendPasswordResetEmail asks the provider to mail a reset link. Success
// signs the current session out; failure leaves everything as it was.
func (s *Service) SendPasswordResetEmail(ctx context.Context, email string) error {
	if err := s.reserveDirect(ctx); err != nil {
		return err
	}

	err := s.deps.Provider.SendPasswordResetEmail(ctx, email)
	var result error
	if loopErr := s.releaseDirect(func() {
		switch {
		case provider.IsCancelled(err):
			s.logger.Error("Sending password reset email was cancelled.")
			result = ErrPasswordResetNotSent
		case err != nil:
			s.logger.Error("Sending password reset email failed.", "error", err, "code", provider.CodeOf(err).String())
			result = ErrPasswordResetNotSent
		default:
			s.deps.Session.SignOut()
			s.logger.Info("Password reset email sent.")
		}
	}); loopErr != nil {
		return loopErr
	}
	return result
}

// SignOut delegates to the session manager.
func (s *Service) SignOut() {
	s.deps.Session.SignOut()
}

// State returns the current login state.
func (s *Service) State() login.Snapshot {
	return s.machine.Snapshot()
}

// Watch streams every subsequent state change until stop is called.
func (s *Service) Watch() (<-chan login.Snapshot, func()) {
	return s.machine.Watch()
}

// SetAuthCompletion registers fn for every terminal state.
func (s *Service) SetAuthCompletion(fn func(login.Snapshot)) {
	if fn == nil {
		return
	}
	s.machine.OnChange(func(snap login.Snapshot) {
		if snap.IsTerminal() {
			fn(snap)
		}
	})
}

// Dispose abandons any pending request, resets the state to Idle and stops
// the loop. Further calls fail with ErrDisposed.
func (s *Service) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	err := s.loop.Call(context.Background(), func() error {
		if s.pending != nil {
			s.pending.teardown()
			s.logger.Info("Pending sign-in abandoned.", "request_id", s.pending.id)
			s.pending = nil
		}
		return s.machine.Reset(s.ctx)
	})
	if err != nil {
		s.logger.Warn("Dispose could not reset login state.", "error", err)
	}
	s.cancel()
	s.wg.Wait()
	s.loop.Stop()
	s.logger.Debug("Sign-in service disposed.")
}

// reserveDirect claims the direct-call slot for a password, link or reset call.
func (s *Service) reserveDirect(ctx context.Context) error {
	reserved := false
	err := s.loop.Call(ctx, func() error {
		if s.disposed.Load() {
			return ErrDisposed
		}
		if s.pending != nil || s.direct {
			return ErrSignInInProgress
		}
		s.direct = true
		reserved = true
		return nil
	})
	if err != nil && ctx.Err() != nil {
		// The claim may still land after we gave up waiting; undo it.
		s.post(func() {
			if reserved {
				s.direct = false
			}
		})
	}
	return s.loopErr(err)
}

// releaseDirect runs fn on the loop and frees the direct-call slot.
func (s *Service) releaseDirect(fn func()) error {
	return s.loopErr(s.loop.Call(context.Background(), func() error {
		s.direct = false
		fn()
		return nil
	}))
}

func (s *Service) post(fn func()) {
	if err := s.loop.Post(fn); err != nil {
		s.logger.Debug("Continuation dropped, loop unavailable.", "error", err)
	}
}

func (s *Service) loopErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dispatch.ErrStopped) || s.disposed.Load() {
		return ErrDisposed
	}
	return err
}

func userID(u *provider.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
