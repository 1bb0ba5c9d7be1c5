// Package oauth provides the concrete dependency type and refresh
// function the task queue's worker pool gates behind
// internal/coordinator.Coordinator: an OAuth2 client-credentials access
// token, exchanged with a configurable token endpoint and retried over
// transient network failures by github.com/hashicorp/go-retryablehttp.
package oauth

import "time"

// Token is the shared dependency every credentialed task handler needs. It
// is a small, immutable value safe to copy across concurrent task
// invocations, as internal/coordinator requires of D.
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
	Scopes      []string
}

// Stale reports whether the token should be treated as no longer usable,
// either because it has already expired or because it is within leeway of
// expiring. Task handlers call this before making an upstream request and
// return coordinator.RefreshRequired when it reports true.
func (t Token) Stale(now time.Time, leeway time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry.Add(-leeway))
}

// AuthorizationHeader returns the value to set on the Authorization header
// of an outbound request using this token.
func (t Token) AuthorizationHeader() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}
