package identity

import (
	"context"
	"fmt"
)

// providerError is the provider's error envelope.
type providerError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		DisplayName   string `json:"displayName"`
		PhotoURL      string `json:"photoUrl"`
	} `json:"users"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// SignIn authenticates with email and password and activates the session.
func (b *Bridge) SignIn(ctx context.Context, email, password string) (Identity, error) {
	return b.credentialCall(ctx, "accounts:signInWithPassword", email, password)
}

// SignUp registers a new account and activates the session. The provider
// signs the user in as part of registration.
func (b *Bridge) SignUp(ctx context.Context, email, password string) (Identity, error) {
	return b.credentialCall(ctx, "accounts:signUp", email, password)
}

func (b *Bridge) credentialCall(ctx context.Context, endpoint, email, password string) (Identity, error) {
	var out signInResponse
	var provErr providerError
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("key", b.apiKey).
		SetBody(map[string]any{
			"email":             email,
			"password":          password,
			"returnSecureToken": true,
		}).
		SetResult(&out).
		SetError(&provErr).
		Post(b.accountsURL + "/" + endpoint)
	if err != nil {
		return Identity{}, fmt.Errorf("identity provider request failed: %w", err)
	}
	if resp.IsError() {
		return Identity{}, fmt.Errorf("identity provider rejected %s: %s", endpoint, provErr.Error.Message)
	}

	ident, err := b.lookup(ctx, out.IDToken)
	if err != nil {
		// The lookup is best-effort enrichment; the sign-in response already
		// carries enough to build a usable identity.
		ident = Identity{ID: out.LocalID, Email: out.Email, DisplayName: out.DisplayName}
	}

	b.mu.Lock()
	b.identity = ident
	b.signedIn = true
	b.refreshToken = out.RefreshToken
	b.mu.Unlock()
	b.notify(State{Identity: ident, SignedIn: true})
	b.log.Info().Str("uid", ident.ID).Msg("Signed in")
	return ident, nil
}

func (b *Bridge) lookup(ctx context.Context, idToken string) (Identity, error) {
	var out lookupResponse
	var provErr providerError
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("key", b.apiKey).
		SetBody(map[string]any{"idToken": idToken}).
		SetResult(&out).
		SetError(&provErr).
		Post(b.accountsURL + "/accounts:lookup")
	if err != nil {
		return Identity{}, fmt.Errorf("account lookup request failed: %w", err)
	}
	if resp.IsError() {
		return Identity{}, fmt.Errorf("account lookup rejected: %s", provErr.Error.Message)
	}
	if len(out.Users) == 0 {
		return Identity{}, fmt.Errorf("account lookup returned no users")
	}
	u := out.Users[0]
	return Identity{
		ID:            u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		EmailVerified: u.EmailVerified,
	}, nil
}

// SendEmailVerification asks the provider to email a verification link to
// the current user.
func (b *Bridge) SendEmailVerification(ctx context.Context) error {
	token, err := b.Token(ctx)
	if err != nil {
		return err
	}
	var provErr providerError
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("key", b.apiKey).
		SetBody(map[string]any{"requestType": "VERIFY_EMAIL", "idToken": token}).
		SetError(&provErr).
		Post(b.accountsURL + "/accounts:sendOobCode")
	if err != nil {
		return fmt.Errorf("verification email request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("verification email rejected: %s", provErr.Error.Message)
	}
	return nil
}
