// file: internal/provider/identity_client_test.go
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeIDToken signs a throwaway token; the client never verifies signatures.
func makeIDToken(t *testing.T, userID, email, provider string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":  userID,
		"sub":      userID,
		"email":    email,
		"exp":      exp.Unix(),
		"firebase": map[string]interface{}{"sign_in_provider": provider},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

type recordedCall struct {
	Path string
	Key  string
	Body map[string]interface{}
}

// fakeIdentityAPI serves canned responses per method name.
func fakeIdentityAPI(t *testing.T, handlers map[string]func(body map[string]interface{}) (int, interface{})) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	calls := &[]recordedCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body := map[string]interface{}{}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(r.Body).Decode(&body)
		} else {
			_ = r.ParseForm()
			for k := range r.PostForm {
				body[k] = r.PostForm.Get(k)
			}
		}
		*calls = append(*calls, recordedCall{Path: method, Key: r.URL.Query().Get("key"), Body: body})

		h, ok := handlers[method]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status, resp := h(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func apiError(message string) interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": 400, "message": message}}
}

func newTestClient(t *testing.T, srv *httptest.Server) *IdentityClient {
	t.Helper()
	c, err := NewIdentityClient(ClientOptions{
		APIKey:   "api-key",
		BaseURL:  srv.URL + "/v1",
		TokenURL: srv.URL + "/token",
		Timeout:  2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestNewIdentityClient_RequiresAPIKey(t *testing.T) {
	_, err := NewIdentityClient(ClientOptions{}, nil)
	require.Error(t, err)
}

func TestSignInWithCustomToken_SetsCurrentUser(t *testing.T) {
	idToken := makeIDToken(t, "uid-1", "a@example.com", "custom", time.Now().Add(time.Hour))
	srv, calls := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithCustomToken": func(body map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"idToken": idToken, "refreshToken": "r1", "expiresIn": "3600"}
		},
	})
	c := newTestClient(t, srv)

	u, err := c.SignInWithCustomToken(context.Background(), "custom-token")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", u.ID, "User ID should come from the token claims.")
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, "custom", u.SignInProvider)

	require.Len(t, *calls, 1)
	assert.Equal(t, "api-key", (*calls)[0].Key)
	assert.Equal(t, "custom-token", (*calls)[0].Body["token"])
	assert.Equal(t, true, (*calls)[0].Body["returnSecureToken"])

	cur := c.CurrentUser()
	require.NotNil(t, cur)
	assert.Equal(t, idToken, cur.IDToken)
}

func TestSignInWithPassword_MapsErrors(t *testing.T) {
	tests := []struct {
		message string
		want    ErrorCode
	}{
		{"INVALID_PASSWORD", CodeInvalidCredential},
		{"EMAIL_NOT_FOUND", CodeUserNotFound},
		{"USER_DISABLED", CodeUserDisabled},
		{"TOO_MANY_ATTEMPTS_TRY_LATER : Access to this account has been temporarily disabled", CodeTooManyRequests},
		{"SOMETHING_NEW", CodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.message, func(t *testing.T) {
			srv, _ := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
				"accounts:signInWithPassword": func(map[string]interface{}) (int, interface{}) {
					return http.StatusBadRequest, apiError(tc.message)
				},
			})
			c := newTestClient(t, srv)

			_, err := c.SignInWithEmailAndPassword(context.Background(), "a@example.com", "pw")
			require.Error(t, err)
			assert.Equal(t, tc.want, CodeOf(err))
			assert.Nil(t, c.CurrentUser())
		})
	}
}

func TestLinkWithEmailCredential_RequiresCurrentUser(t *testing.T) {
	srv, calls := fakeIdentityAPI(t, nil)
	c := newTestClient(t, srv)

	_, err := c.LinkWithEmailCredential(context.Background(), "a@example.com", "pw")
	assert.ErrorIs(t, err, ErrNoCurrentUser)
	assert.Empty(t, *calls)
}

func TestLinkWithEmailCredential_SendsCurrentIDToken(t *testing.T) {
	anon := makeIDToken(t, "uid-anon", "", "anonymous", time.Now().Add(time.Hour))
	linked := makeIDToken(t, "uid-anon", "a@example.com", "password", time.Now().Add(time.Hour))
	srv, calls := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithCustomToken": func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"idToken": anon, "expiresIn": "3600"}
		},
		"accounts:update": func(body map[string]interface{}) (int, interface{}) {
			if body["idToken"] != anon {
				return http.StatusBadRequest, apiError("INVALID_ID_TOKEN")
			}
			return http.StatusOK, map[string]interface{}{"idToken": linked, "localId": "uid-anon", "email": "a@example.com"}
		},
	})
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.SignInWithCustomToken(ctx, "tok")
	require.NoError(t, err)
	u, err := c.LinkWithEmailCredential(ctx, "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "password", u.SignInProvider)
	assert.Len(t, *calls, 2)
}

func TestLinkWithEmailCredential_EmailExists(t *testing.T) {
	anon := makeIDToken(t, "uid", "", "anonymous", time.Now().Add(time.Hour))
	srv, _ := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithCustomToken": func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"idToken": anon}
		},
		"accounts:update": func(map[string]interface{}) (int, interface{}) {
			return http.StatusBadRequest, apiError("EMAIL_EXISTS")
		},
	})
	c := newTestClient(t, srv)
	_, err := c.SignInWithCustomToken(context.Background(), "tok")
	require.NoError(t, err)

	_, err = c.LinkWithEmailCredential(context.Background(), "a@example.com", "pw")
	assert.Equal(t, CodeEmailAlreadyInUse, CodeOf(err))
}

func TestIDToken_RefreshesExpiredToken(t *testing.T) {
	expired := makeIDToken(t, "uid", "a@example.com", "password", time.Now().Add(-time.Minute))
	fresh := makeIDToken(t, "uid", "a@example.com", "password", time.Now().Add(time.Hour))
	srv, calls := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithPassword": func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"idToken": expired, "refreshToken": "r1"}
		},
		"token": func(body map[string]interface{}) (int, interface{}) {
			assert.Equal(t, "refresh_token", body["grant_type"])
			assert.Equal(t, "r1", body["refresh_token"])
			return http.StatusOK, map[string]interface{}{"id_token": fresh, "refresh_token": "r2", "expires_in": "3600"}
		},
	})
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.SignInWithEmailAndPassword(ctx, "a@example.com", "pw")
	require.NoError(t, err)

	tok, err := c.IDToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, "r2", c.CurrentUser().RefreshToken)
	assert.Len(t, *calls, 2)

	tok, err = c.IDToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, tok, "A live token is returned without another refresh.")
	assert.Len(t, *calls, 2)
}

func TestIDToken_NoUser(t *testing.T) {
	srv, _ := fakeIdentityAPI(t, nil)
	_, err := newTestClient(t, srv).IDToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCurrentUser)
}

func TestSendPasswordResetEmail(t *testing.T) {
	srv, calls := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:sendOobCode": func(body map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"email": body["email"]}
		},
	})
	c := newTestClient(t, srv)

	require.NoError(t, c.SendPasswordResetEmail(context.Background(), "a@example.com"))
	require.Len(t, *calls, 1)
	assert.Equal(t, "PASSWORD_RESET", (*calls)[0].Body["requestType"])
}

func TestSignIn_InvalidResponseShape(t *testing.T) {
	srv, _ := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithCustomToken": func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"refreshToken": "no id token"}
		},
	})
	_, err := newTestClient(t, srv).SignInWithCustomToken(context.Background(), "tok")
	assert.Equal(t, CodeInvalidResponse, CodeOf(err))
}

func TestSignIn_CancelledContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.SignInWithCustomToken(ctx, "tok")
	require.Error(t, err)
	assert.True(t, IsCancelled(err), "Expected cancellation, got %v.", err)
}

func TestRetries_ServerErrors(t *testing.T) {
	var attempts atomic.Int32
	idToken := makeIDToken(t, "uid", "", "custom", time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"idToken": idToken})
	}))
	defer srv.Close()

	c, err := NewIdentityClient(ClientOptions{APIKey: "k", BaseURL: srv.URL, RetryMax: 1}, nil)
	require.NoError(t, err)

	_, err = c.SignInWithCustomToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestSignOut_ClearsCurrentUser(t *testing.T) {
	idToken := makeIDToken(t, "uid", "", "custom", time.Now().Add(time.Hour))
	srv, _ := fakeIdentityAPI(t, map[string]func(map[string]interface{}) (int, interface{}){
		"accounts:signInWithCustomToken": func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"idToken": idToken}
		},
	})
	c := newTestClient(t, srv)
	_, err := c.SignInWithCustomToken(context.Background(), "tok")
	require.NoError(t, err)

	c.SignOut()
	assert.Nil(t, c.CurrentUser())
}

func TestCodeForMessage(t *testing.T) {
	assert.Equal(t, CodeRequiresRecentLogin, CodeForMessage("CREDENTIAL_TOO_OLD_LOGIN_AGAIN"))
	assert.Equal(t, CodeCredentialAlreadyInUse, CodeForMessage("FEDERATED_USER_ID_ALREADY_LINKED"))
	assert.Equal(t, CodeProviderAlreadyLinked, CodeForMessage(" PROVIDER_ALREADY_LINKED"))
	assert.Equal(t, CodeUnknown, CodeForMessage(""))
	assert.Equal(t, "requires_recent_login", CodeRequiresRecentLogin.String())
}
