package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal identity-provider endpoint: sign-in, lookup and
// refresh-token exchange, with call counters for assertions.
type fakeProvider struct {
	srv           *httptest.Server
	tokenCalls    atomic.Int64
	rotateOnUse   bool
	failRefresh   bool
	emailVerified bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{emailVerified: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] == "wrong" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 400, "message": "INVALID_PASSWORD"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "u1",
			"email":        body["email"],
			"idToken":      "tok-initial",
			"refreshToken": "refresh-1",
		})
	})
	mux.HandleFunc("/accounts:lookup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{
				"localId":       "u1",
				"email":         "anna@example.com",
				"emailVerified": p.emailVerified,
				"displayName":   "Anna",
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		n := p.tokenCalls.Add(1)
		if p.failRefresh {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 400, "message": "TOKEN_EXPIRED"},
			})
			return
		}
		refresh := "refresh-1"
		if p.rotateOnUse {
			refresh = fmt.Sprintf("refresh-%d", n+1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id_token":      fmt.Sprintf("tok-%d", n),
			"refresh_token": refresh,
			"user_id":       "u1",
		})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) bridge() *Bridge {
	return NewBridge(Config{
		APIKey:      "test-key",
		AccountsURL: p.srv.URL,
		TokenURL:    p.srv.URL,
	}, zerolog.Nop())
}

func TestSignIn(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	ident, err := b.SignIn(context.Background(), "anna@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.ID)
	assert.Equal(t, "Anna", ident.DisplayName)
	assert.True(t, ident.EmailVerified)

	current, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, ident, current)
}

func TestSignInRejected(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	_, err := b.SignIn(context.Background(), "anna@example.com", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_PASSWORD")

	_, ok := b.Current()
	assert.False(t, ok)
}

func TestTokenFetchedFreshPerCall(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()
	_, err := b.SignIn(context.Background(), "anna@example.com", "pw")
	require.NoError(t, err)
	base := p.tokenCalls.Load()

	tok1, err := b.Token(context.Background())
	require.NoError(t, err)
	tok2, err := b.Token(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, tok1, tok2, "tokens must not be cached across calls")
	assert.Equal(t, base+2, p.tokenCalls.Load())
}

func TestTokenRotationPersisted(t *testing.T) {
	p := newFakeProvider(t)
	p.rotateOnUse = true
	b := p.bridge()
	_, err := b.SignIn(context.Background(), "anna@example.com", "pw")
	require.NoError(t, err)

	before := b.RefreshToken()
	_, err = b.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, b.RefreshToken())
}

func TestTokenRequiresSession(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	_, err := b.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = b.SignIn(context.Background(), "anna@example.com", "pw")
	require.NoError(t, err)
	b.SignOut()
	_, err = b.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestResume(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	require.NoError(t, b.Resume(context.Background(), "refresh-1"))
	ident, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "u1", ident.ID)
}

func TestResumeInvalidToken(t *testing.T) {
	p := newFakeProvider(t)
	p.failRefresh = true
	b := p.bridge()

	err := b.Resume(context.Background(), "refresh-stale")
	require.Error(t, err)
	_, ok := b.Current()
	assert.False(t, ok, "failed resume must leave the bridge signed out")
}

func TestSubscribe(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	states, cancel := b.Subscribe()
	defer cancel()

	// Initial state arrives without any sign-in.
	st := <-states
	assert.False(t, st.SignedIn)

	_, err := b.SignIn(context.Background(), "anna@example.com", "pw")
	require.NoError(t, err)
	st = <-states
	assert.True(t, st.SignedIn)
	assert.Equal(t, "u1", st.Identity.ID)

	b.SignOut()
	st = <-states
	assert.False(t, st.SignedIn)
}

func TestSubscribeCancelClosesStream(t *testing.T) {
	p := newFakeProvider(t)
	b := p.bridge()

	states, cancel := b.Subscribe()
	<-states
	cancel()
	_, open := <-states
	assert.False(t, open)
}

func TestDefaultName(t *testing.T) {
	assert.Equal(t, "Anna", Identity{DisplayName: "Anna", Email: "x@y.it"}.DefaultName())
	assert.Equal(t, "marco", Identity{Email: "marco@theoremz.com"}.DefaultName())
	assert.Equal(t, "Student", Identity{}.DefaultName())
}

func TestDecodeClaims(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	now := time.Now().Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":"u1","email":"anna@example.com","iat":%d,"exp":%d}`, now, now+3600)))
	token := strings.Join([]string{header, payload, "sig"}, ".")

	claims, err := DecodeClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "anna@example.com", claims.Email)
	assert.WithinDuration(t, time.Unix(now+3600, 0), claims.ExpiresAt, time.Second)
}

func TestDecodeClaimsGarbage(t *testing.T) {
	_, err := DecodeClaims("not-a-token")
	assert.Error(t, err)
}
