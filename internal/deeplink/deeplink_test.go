// file: internal/deeplink/deeplink_test.go
package deeplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"com.Example.MyGame", "com.example.mygame"},
		{"com.example.my_game-2", "com.example.mygame2"},
		{".leading.dot.", "leading.dot"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SanitizeIdentifier(tc.in), "input %q", tc.in)
	}
}

func TestRedirectURI_Defaults(t *testing.T) {
	assert.Equal(t, "com.example.game://localhost/email-sign-in", RedirectURI("com.example.game", "", ""))
	assert.Equal(t, "http://127.0.0.1:9000/cb", RedirectURI("http", "127.0.0.1:9000", "cb"))
}

func TestBuildSignInURL_EmbedsParameters(t *testing.T) {
	raw, err := BuildSignInURL("https://signin.example.com/email?lang=en",
		"com.example.game://localhost/email-sign-in", "id-token", "req-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "en", q.Get("lang"), "Existing query must be preserved.")
	assert.Equal(t, "com.example.game://localhost/email-sign-in", q.Get(ParamRedirect))
	assert.Equal(t, "id-token", q.Get(ParamIDToken))
	assert.Equal(t, "req-1", q.Get(ParamState))
}

func TestBuildSignInURL_OmitsMissingCorrelationToken(t *testing.T) {
	raw, err := BuildSignInURL("https://signin.example.com/", "", "", "req")
	require.NoError(t, err)
	assert.NotContains(t, raw, ParamIDToken)
}

func TestBuildSignInURL_RejectsRelative(t *testing.T) {
	_, err := BuildSignInURL("/relative", "", "", "")
	require.Error(t, err)
}

func TestParseCallbackURL(t *testing.T) {
	cb, err := ParseCallbackURL("com.example.game://localhost/email-sign-in?token=abc&state=r1")
	require.NoError(t, err)
	assert.Equal(t, Callback{Token: "abc", RequestID: "r1"}, cb)

	cb, err = ParseCallbackURL("com.example.game://localhost/email-sign-in?cancelled=true")
	require.NoError(t, err)
	assert.True(t, cb.Cancelled)
	assert.Empty(t, cb.Token)

	_, err = ParseCallbackURL("://bad")
	require.Error(t, err)
}

func TestHub_DeliversOnceToMatchingRequest(t *testing.T) {
	h := NewHub(nil)
	var a, b atomic.Int32
	h.Subscribe("a", func(Callback) { a.Add(1) })
	h.Subscribe("b", func(Callback) { b.Add(1) })

	assert.Equal(t, 1, h.Deliver(Callback{Token: "t", RequestID: "a"}))
	assert.Equal(t, 0, h.Deliver(Callback{Token: "t", RequestID: "a"}), "Second delivery must be dropped.")
	assert.EqualValues(t, 1, a.Load())
	assert.Zero(t, b.Load())
	assert.Equal(t, 1, h.Pending())
}

func TestHub_CallbackWithoutStateMatchesAny(t *testing.T) {
	h := NewHub(nil)
	var got Callback
	h.Subscribe("req", func(cb Callback) { got = cb })

	n, err := h.DeliverURL("com.example.game://localhost/email-sign-in?token=xyz")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "xyz", got.Token)
}

func TestHub_UnsubscribedNeverReceives(t *testing.T) {
	h := NewHub(nil)
	var calls atomic.Int32
	sub := h.Subscribe("req", func(Callback) { calls.Add(1) })
	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.True(t, sub.Closed())
	assert.Equal(t, 0, h.Deliver(Callback{Token: "t", RequestID: "req"}))
	assert.Zero(t, calls.Load())
}

func TestServer_ForwardsCallbackToHub(t *testing.T) {
	h := NewHub(nil)
	received := make(chan Callback, 1)
	h.Subscribe("req-7", func(cb Callback) { received <- cb })

	srv := NewServer(h, ServerOptions{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + DefaultPath + "?token=tok&state=req-7")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case cb := <-received:
		assert.Equal(t, "tok", cb.Token)
	case <-time.After(time.Second):
		t.Fatal("Callback not forwarded.")
	}
}

func TestServer_UnmatchedCallbackIsGone(t *testing.T) {
	srv := NewServer(NewHub(nil), ServerOptions{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + DefaultPath + "?cancelled=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/elsewhere")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_StartAndShutdown(t *testing.T) {
	h := NewHub(nil)
	done := make(chan struct{})
	h.Subscribe("", func(Callback) { close(done) })

	srv := NewServer(h, ServerOptions{Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, srv.Start())
	require.Error(t, srv.Start(), "Second Start must fail.")

	resp, err := http.Get(srv.URL() + "?token=t")
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Callback not delivered through the live server.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Empty(t, srv.URL())
	require.NoError(t, srv.Shutdown(ctx), "Shutdown is idempotent.")
}

func TestBrowserDispatcher_Command(t *testing.T) {
	d := NewBrowserDispatcher(nil)
	argv := d.Command("https://example.com")
	require.NotEmpty(t, argv)
	assert.Equal(t, "https://example.com", argv[len(argv)-1])

	switch runtime.GOOS {
	case "darwin":
		assert.Equal(t, "open", argv[0])
	case "windows":
		assert.Equal(t, "rundll32", argv[0])
	default:
		assert.Equal(t, "xdg-open", argv[0])
	}
}

func TestDispatcherFunc(t *testing.T) {
	var opened string
	d := DispatcherFunc(func(_ context.Context, u string) error {
		opened = u
		return nil
	})
	require.NoError(t, d.Open(context.Background(), "https://x"))
	assert.Equal(t, "https://x", opened)
}
