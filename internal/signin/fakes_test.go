// file: internal/signin/fakes_test.go
package signin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/focus"
	"github.com/dkoosis/emailsignin/internal/login"
	"github.com/dkoosis/emailsignin/internal/provider"
	"github.com/dkoosis/emailsignin/internal/session"
	"github.com/stretchr/testify/require"
)

// fakeProvider records calls and answers with the configured functions.
type fakeProvider struct {
	mu sync.Mutex

	customTokens []string
	passwords    []string
	links        []string
	resets       []string
	signOuts     int

	idToken       func(ctx context.Context) (string, error)
	customToken   func(ctx context.Context, token string) (*provider.User, error)
	password      func(ctx context.Context, email, password string) (*provider.User, error)
	link          func(ctx context.Context, email, password string) (*provider.User, error)
	passwordReset func(ctx context.Context, email string) error
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) SignInWithCustomToken(ctx context.Context, token string) (*provider.User, error) {
	f.mu.Lock()
	f.customTokens = append(f.customTokens, token)
	fn := f.customToken
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, token)
	}
	return &provider.User{ID: "uid-token", SignInProvider: "custom"}, nil
}

func (f *fakeProvider) SignInWithEmailAndPassword(ctx context.Context, email, password string) (*provider.User, error) {
	f.mu.Lock()
	f.passwords = append(f.passwords, email)
	fn := f.password
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, email, password)
	}
	return &provider.User{ID: "uid-password", Email: email}, nil
}

func (f *fakeProvider) LinkWithEmailCredential(ctx context.Context, email, password string) (*provider.User, error) {
	f.mu.Lock()
	f.links = append(f.links, email)
	fn := f.link
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, email, password)
	}
	return &provider.User{ID: "uid-linked", Email: email}, nil
}

func (f *fakeProvider) SendPasswordResetEmail(ctx context.Context, email string) error {
	f.mu.Lock()
	f.resets = append(f.resets, email)
	fn := f.passwordReset
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, email)
	}
	return nil
}

func (f *fakeProvider) IDToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	fn := f.idToken
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return "", provider.ErrNoCurrentUser
}

func (f *fakeProvider) CurrentUser() *provider.User { return nil }

func (f *fakeProvider) SignOut() {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
}

func (f *fakeProvider) customTokenCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.customTokens...)
}

func (f *fakeProvider) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

// fakeDispatcher records opened URLs.
type fakeDispatcher struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (d *fakeDispatcher) Open(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	return d.err
}

func (d *fakeDispatcher) opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// countingFocus wraps a real watcher and counts subscriptions.
type countingFocus struct {
	*focus.Watcher
	mu   sync.Mutex
	subs int
}

func (c *countingFocus) Subscribe(fn func()) focus.Subscription {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()
	return c.Watcher.Subscribe(fn)
}

func (c *countingFocus) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// regainFocus simulates the user leaving for the browser and coming back.
func (c *countingFocus) regainFocus() {
	c.Notify(false)
	c.Notify(true)
}

type harness struct {
	svc        *Service
	provider   *fakeProvider
	dispatcher *fakeDispatcher
	hub        *deeplink.Hub
	focus      *countingFocus
	session    *session.Manager
	states     <-chan login.Snapshot
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		provider:   &fakeProvider{},
		dispatcher: &fakeDispatcher{},
		hub:        deeplink.NewHub(nil),
		focus:      &countingFocus{Watcher: focus.NewWatcher(nil)},
	}
	h.session = session.NewManager(h.provider, nil)
	if opts.SignInPageURL == "" {
		opts.SignInPageURL = "https://signin.example.com/email"
	}
	if opts.RedirectURI == "" {
		opts.RedirectURI = deeplink.RedirectURI("com.example.game", "", "")
	}

	svc, err := New(Deps{
		Session:    h.session,
		Provider:   h.provider,
		Dispatcher: h.dispatcher,
		Listener:   h.hub,
		Focus:      h.focus,
	}, opts)
	require.NoError(t, err, "Service should build with complete deps.")
	h.svc = svc

	states, stop := svc.Watch()
	h.states = states
	t.Cleanup(func() {
		stop()
		svc.Dispose()
	})
	return h
}

// settle waits until every task queued on the loop so far has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.loop.Call(ctx, func() error { return nil }))
}

// waitTerminal waits for the next terminal snapshot.
func (h *harness) waitTerminal(t *testing.T) login.Snapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-h.states:
			if snap.IsTerminal() {
				return snap
			}
		case <-timeout:
			require.FailNow(t, "Timed out waiting for a terminal login state.")
		}
	}
}

// drain returns every snapshot queued so far.
func (h *harness) drain() []login.Snapshot {
	var out []login.Snapshot
	for {
		select {
		case snap := <-h.states:
			out = append(out, snap)
		default:
			return out
		}
	}
}

func countTerminal(snaps []login.Snapshot) int {
	n := 0
	for _, s := range snaps {
		if s.IsTerminal() {
			n++
		}
	}
	return n
}
