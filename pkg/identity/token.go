package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token exchanges the stored refresh token for a fresh ID token. The data
// backend validates token expiry per request, so the token is fetched fresh
// on every call rather than cached; the provider coalesces exchanges
// server-side and the extra round trip is cheap next to the data call.
func (b *Bridge) Token(ctx context.Context) (string, error) {
	b.mu.RLock()
	signedIn := b.signedIn
	refresh := b.refreshToken
	b.mu.RUnlock()
	if !signedIn || refresh == "" {
		return "", ErrNotAuthenticated
	}

	var out refreshResponse
	var provErr providerError
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("key", b.apiKey).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refresh,
		}).
		SetResult(&out).
		SetError(&provErr).
		Post(b.tokenURL + "/token")
	if err != nil {
		return "", fmt.Errorf("token refresh request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token refresh rejected: %s", provErr.Error.Message)
	}

	// The provider may rotate the refresh token on exchange.
	if out.RefreshToken != "" && out.RefreshToken != refresh {
		b.mu.Lock()
		if b.signedIn {
			b.refreshToken = out.RefreshToken
		}
		b.mu.Unlock()
	}
	return out.IDToken, nil
}

// TokenClaims is the subset of ID-token claims the app cares about.
type TokenClaims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// DecodeClaims parses an ID token without signature verification. The data
// backend is the party that verifies tokens; client-side decoding is only
// for display (whoami) and expiry diagnostics.
func DecodeClaims(idToken string) (TokenClaims, error) {
	var claims jwt.MapClaims
	_, _, err := jwt.NewParser().ParseUnverified(idToken, &claims)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("failed to decode token: %w", err)
	}
	out := TokenClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}
