// Package deeplink builds the outbound sign-in URL and receives the inbound
// callback that carries the sign-in token back into the application.
package deeplink

// file: internal/deeplink/url.go

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultHost is the fixed host of the callback URL.
	DefaultHost = "localhost"
	// DefaultPath is the fixed path of the callback URL.
	DefaultPath = "/email-sign-in"

	// Query parameter names shared by the outbound and inbound URLs.
	ParamToken     = "token"
	ParamCancelled = "cancelled"
	ParamState     = "state"
	ParamRedirect  = "returnUrl"
	ParamIDToken   = "idToken"
)

// Callback is the decoded inbound deep link.
type Callback struct {
	Cancelled bool
	Token     string
	// RequestID echoes the state parameter of the outbound URL, if any.
	RequestID string
}

// SanitizeIdentifier turns an application identifier such as
// "com.Example.My_Game" into a valid URL scheme ("com.example.mygame").
func SanitizeIdentifier(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}

// RedirectURI is the callback URL the external page returns to.
func RedirectURI(scheme, host, path string) string {
	if host == "" {
		host = DefaultHost
	}
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: path}).String()
}

// BuildSignInURL appends the redirect target, the correlation token and the
// request ID to the sign-in page URL. Empty values are omitted.
func BuildSignInURL(base, redirect, correlationToken, requestID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid sign-in page URL %q", base)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Newf("sign-in page URL %q must be absolute", base)
	}
	q := u.Query()
	if redirect != "" {
		q.Set(ParamRedirect, redirect)
	}
	if correlationToken != "" {
		q.Set(ParamIDToken, correlationToken)
	}
	if requestID != "" {
		q.Set(ParamState, requestID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseCallbackURL decodes an inbound callback such as
// "com.example.game://localhost/email-sign-in?token=abc&state=42".
func ParseCallbackURL(raw string) (Callback, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Callback{}, errors.Wrap(err, "invalid callback URL")
	}
	return CallbackFromQuery(u.Query()), nil
}

// CallbackFromQuery decodes the callback parameters.
func CallbackFromQuery(q url.Values) Callback {
	cancelled, _ := strconv.ParseBool(q.Get(ParamCancelled))
	return Callback{
		Cancelled: cancelled,
		Token:     q.Get(ParamToken),
		RequestID: q.Get(ParamState),
	}
}
