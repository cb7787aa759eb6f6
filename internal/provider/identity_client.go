// file: internal/provider/identity_client.go
package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/hashicorp/go-retryablehttp"
)

// Default endpoints of the identity REST API.
const (
	DefaultBaseURL  = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"
)

// ClientOptions configures IdentityClient.
type ClientOptions struct {
	APIKey   string
	BaseURL  string
	TokenURL string
	Timeout  time.Duration
	// RetryMax bounds transport-level retries of connection errors and 5xx.
	RetryMax int
}

// IdentityClient implements Provider over HTTP.
type IdentityClient struct {
	opts      ClientOptions
	http      *retryablehttp.Client
	validator *responseValidator
	logger    logging.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current *User
}

var _ Provider = (*IdentityClient)(nil)

// NewIdentityClient creates a client. APIKey is required.
func NewIdentityClient(opts ClientOptions, logger logging.Logger) (*IdentityClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("identity client requires an API key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	logger = logging.OrNoop(logger).WithField("component", "identity_client")

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &IdentityClient{
		opts:      opts,
		http:      rc,
		validator: &responseValidator{},
		logger:    logger,
		now:       time.Now,
	}, nil
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignInWithCustomToken implements Provider.
func (c *IdentityClient) SignInWithCustomToken(ctx context.Context, token string) (*User, error) {
	return c.signIn(ctx, "accounts:signInWithCustomToken", map[string]interface{}{
		"token":             token,
		"returnSecureToken": true,
	})
}

// SignInWithEmailAndPassword implements Provider.
func (c *IdentityClient) SignInWithEmailAndPassword(ctx context.Context, email, password string) (*User, error) {
	return c.signIn(ctx, "accounts:signInWithPassword", map[string]interface{}{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// LinkWithEmailCredential implements Provider.
func (c *IdentityClient) LinkWithEmailCredential(ctx context.Context, email, password string) (*User, error) {
	idToken, err := c.IDToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.signIn(ctx, "accounts:update", map[string]interface{}{
		"idToken":           idToken,
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// SendPasswordResetEmail implements Provider.
func (c *IdentityClient) SendPasswordResetEmail(ctx context.Context, email string) error {
	body, err := c.post(ctx, c.endpoint("accounts:sendOobCode"), "application/json", jsonBody(map[string]interface{}{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}))
	if err != nil {
		return err
	}
	return c.validator.validate(shapeOOBCode, body)
}

// IDToken implements Provider. An expired token is refreshed first.
func (c *IdentityClient) IDToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	u := c.current
	c.mu.RUnlock()

	if u == nil {
		return "", ErrNoCurrentUser
	}
	if !u.Expired(c.now()) {
		return u.IDToken, nil
	}
	if u.RefreshToken == "" {
		return "", errors.Wrap(ErrNoCurrentUser, "ID token expired and no refresh token held")
	}
	refreshed, err := c.refresh(ctx, u)
	if err != nil {
		return "", err
	}
	return refreshed.IDToken, nil
}

// CurrentUser implements Provider.
func (c *IdentityClient) CurrentUser() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	u := *c.current
	return &u
}

// SignOut implements Provider.
func (c *IdentityClient) SignOut() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.logger.Info("Signed out of identity provider.")
}

func (c *IdentityClient) signIn(ctx context.Context, method string, payload map[string]interface{}) (*User, error) {
	body, err := c.post(ctx, c.endpoint(method), "application/json", jsonBody(payload))
	if err != nil {
		return nil, err
	}
	if err := c.validator.validate(shapeSignIn, body); err != nil {
		return nil, err
	}
	var resp signInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s response", method)
	}

	u := userFromTokens(resp.IDToken, resp.RefreshToken, resp.LocalID, resp.Email, seconds(resp.ExpiresIn), c.now())
	c.setCurrent(u)
	c.logger.Debug("Identity call succeeded.", "method", method, "user_id", u.ID)
	return u, nil
}

func (c *IdentityClient) refresh(ctx context.Context, u *User) (*User, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", u.RefreshToken)

	body, err := c.post(ctx, c.withKey(c.opts.TokenURL), "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	if err := c.validator.validate(shapeRefresh, body); err != nil {
		return nil, err
	}
	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode token refresh response")
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = u.RefreshToken
	}
	userID := resp.UserID
	if userID == "" {
		userID = u.ID
	}
	next := userFromTokens(resp.IDToken, refreshToken, userID, u.Email, seconds(resp.ExpiresIn), c.now())
	c.setCurrent(next)
	return next, nil
}

func (c *IdentityClient) setCurrent(u *User) {
	c.mu.Lock()
	c.current = u
	c.mu.Unlock()
}

func (c *IdentityClient) endpoint(method string) string {
	return c.withKey(strings.TrimRight(c.opts.BaseURL, "/") + "/" + method)
}

func (c *IdentityClient) withKey(raw string) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "key=" + url.QueryEscape(c.opts.APIKey)
}

// post sends body and returns the response body of a 2xx reply. Non-2xx
// replies become *Error.
func (c *IdentityClient) post(ctx context.Context, endpoint, contentType string, body []byte) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create identity request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "identity request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read identity response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.decodeError(resp.StatusCode, data)
}

func (c *IdentityClient) decodeError(status int, data []byte) error {
	if err := c.validator.validate(shapeError, data); err != nil {
		return &Error{Code: CodeUnknown, Status: status, Message: http.StatusText(status)}
	}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return &Error{Code: CodeUnknown, Status: status, Message: http.StatusText(status)}
	}
	pe := &Error{Code: CodeForMessage(er.Error.Message), Status: status, Message: er.Error.Message}
	c.logger.Warn("Identity call rejected.", "status", status, "code", pe.Code.String(), "message", pe.Message)
	return pe
}

func jsonBody(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func seconds(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
