// Package provider defines the authentication provider the sign-in service
// talks to, and an HTTP client for an Identity-Toolkit style REST API.
package provider

// file: internal/provider/provider.go

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// User is the identity the provider currently holds.
type User struct {
	ID             string
	Email          string
	IDToken        string
	RefreshToken   string
	ExpiresAt      time.Time
	SignInProvider string // "password", "custom", "anonymous", ...
}

// Expired reports whether the ID token is past its expiry at now.
func (u *User) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// Provider is the asynchronous authentication service. Every call may
// return context.Canceled, a *Error, or a transport error.
type Provider interface {
	// SignInWithCustomToken exchanges a token delivered by the deep link.
	SignInWithCustomToken(ctx context.Context, token string) (*User, error)
	// SignInWithEmailAndPassword signs in directly.
	SignInWithEmailAndPassword(ctx context.Context, email, password string) (*User, error)
	// LinkWithEmailCredential attaches email/password to the current user.
	LinkWithEmailCredential(ctx context.Context, email, password string) (*User, error)
	// SendPasswordResetEmail asks the provider to mail a reset link.
	SendPasswordResetEmail(ctx context.Context, email string) error
	// IDToken returns a fresh ID token for the current user, used as the
	// correlation token of the outbound URL.
	IDToken(ctx context.Context) (string, error)
	// CurrentUser returns the signed-in user or nil.
	CurrentUser() *User
	// SignOut forgets the current user locally.
	SignOut()
}

// ErrNoCurrentUser is returned when an operation needs a signed-in user.
var ErrNoCurrentUser = errors.New("no current user")

// ErrorCode classifies provider failures.
type ErrorCode int

// Provider error codes.
const (
	CodeUnknown ErrorCode = iota
	CodeInvalidCustomToken
	CodeInvalidCredential
	CodeUserNotFound
	CodeUserDisabled
	CodeEmailAlreadyInUse
	CodeCredentialAlreadyInUse
	CodeProviderAlreadyLinked
	CodeRequiresRecentLogin
	CodeTooManyRequests
	CodeInvalidResponse
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:                "unknown",
	CodeInvalidCustomToken:     "invalid_custom_token",
	CodeInvalidCredential:      "invalid_credential",
	CodeUserNotFound:           "user_not_found",
	CodeUserDisabled:           "user_disabled",
	CodeEmailAlreadyInUse:      "email_already_in_use",
	CodeCredentialAlreadyInUse: "credential_already_in_use",
	CodeProviderAlreadyLinked:  "provider_already_linked",
	CodeRequiresRecentLogin:    "requires_recent_login",
	CodeTooManyRequests:        "too_many_requests",
	CodeInvalidResponse:        "invalid_response",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// remoteCodes maps the API's error message keys.
var remoteCodes = map[string]ErrorCode{
	"INVALID_CUSTOM_TOKEN":             CodeInvalidCustomToken,
	"CREDENTIAL_MISMATCH":              CodeInvalidCustomToken,
	"INVALID_PASSWORD":                 CodeInvalidCredential,
	"INVALID_LOGIN_CREDENTIALS":        CodeInvalidCredential,
	"INVALID_EMAIL":                    CodeInvalidCredential,
	"EMAIL_NOT_FOUND":                  CodeUserNotFound,
	"USER_NOT_FOUND":                   CodeUserNotFound,
	"USER_DISABLED":                    CodeUserDisabled,
	"EMAIL_EXISTS":                     CodeEmailAlreadyInUse,
	"FEDERATED_USER_ID_ALREADY_LINKED": CodeCredentialAlreadyInUse,
	"PROVIDER_ALREADY_LINKED":          CodeProviderAlreadyLinked,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN":   CodeRequiresRecentLogin,
	"TOKEN_EXPIRED":                    CodeRequiresRecentLogin,
	"TOO_MANY_ATTEMPTS_TRY_LATER":      CodeTooManyRequests,
}

// Error is an application-level provider failure.
type Error struct {
	Code    ErrorCode
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// CodeForMessage classifies a raw API message such as
// "TOO_MANY_ATTEMPTS_TRY_LATER : Access disabled".
func CodeForMessage(message string) ErrorCode {
	key := strings.TrimSpace(message)
	if i := strings.IndexAny(key, " :"); i >= 0 {
		key = key[:i]
	}
	if code, ok := remoteCodes[key]; ok {
		return code
	}
	return CodeUnknown
}

// CodeOf extracts the code of a provider error, CodeUnknown otherwise.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// IsCancelled reports whether err means the call was cancelled rather than failed.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
