// Package identity wraps the external identity provider (Firebase-style REST
// API) and exposes the current user identity plus short-lived bearer tokens
// usable against the data backend.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrNotAuthenticated is returned whenever an operation requires an active
// identity and none is present.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity is a snapshot of the signed-in user as reported by the provider.
type Identity struct {
	ID            string
	Email         string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
}

// DefaultName derives a display name the way the app does: explicit display
// name, else the local part of the email, else "Student".
func (id Identity) DefaultName() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	return "Student"
}

// State is emitted on the identity change stream.
type State struct {
	// Identity is the current identity, zero when signed out.
	Identity Identity
	// SignedIn is false after sign-out or before any sign-in.
	SignedIn bool
}

// Config points the bridge at the identity provider.
type Config struct {
	// APIKey is the provider project key appended to every request.
	APIKey string `yaml:"api_key"`
	// AccountsURL is the account-management endpoint.
	AccountsURL string `yaml:"accounts_url"`
	// TokenURL is the refresh-token exchange endpoint.
	TokenURL string `yaml:"token_url"`
}

const (
	defaultAccountsURL = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenURL    = "https://securetoken.googleapis.com/v1"
)

// Bridge owns the session-scoped identity state. It is safe for concurrent
// use. Construct one per app session and inject it into consumers; there is
// deliberately no package-level singleton.
type Bridge struct {
	apiKey      string
	accountsURL string
	tokenURL    string
	http        *resty.Client
	log         zerolog.Logger

	mu           sync.RWMutex
	identity     Identity
	signedIn     bool
	refreshToken string

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// NewBridge builds a Bridge for the given provider config.
func NewBridge(cfg Config, log zerolog.Logger) *Bridge {
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = defaultAccountsURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	return &Bridge{
		apiKey:      cfg.APIKey,
		accountsURL: strings.TrimRight(cfg.AccountsURL, "/"),
		tokenURL:    strings.TrimRight(cfg.TokenURL, "/"),
		http:        resty.New(),
		log:         log.With().Str("component", "identity").Logger(),
		subs:        make(map[int]chan State),
	}
}

// Current returns the active identity, if any.
func (b *Bridge) Current() (Identity, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity, b.signedIn
}

// Subscribe returns a stream of identity state changes plus a cancel
// function. The current state is delivered immediately so subscribers need
// no separate initial read.
func (b *Bridge) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)

	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subMu.Unlock()

	b.mu.RLock()
	ch <- State{Identity: b.identity, SignedIn: b.signedIn}
	b.mu.RUnlock()

	return ch, func() {
		b.subMu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.subMu.Unlock()
	}
}

func (b *Bridge) notify(st State) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
			// Slow subscriber: drop rather than block sign-in/out.
		}
	}
}

// SignOut clears the session. Safe to call when already signed out.
func (b *Bridge) SignOut() {
	b.mu.Lock()
	wasSignedIn := b.signedIn
	b.identity = Identity{}
	b.signedIn = false
	b.refreshToken = ""
	b.mu.Unlock()
	if wasSignedIn {
		b.log.Info().Msg("Signed out")
		b.notify(State{})
	}
}

// Resume restores a persisted session from a refresh token, fetching the
// account record to rebuild the identity snapshot.
func (b *Bridge) Resume(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return ErrNotAuthenticated
	}
	b.mu.Lock()
	b.refreshToken = refreshToken
	b.signedIn = true
	b.mu.Unlock()

	token, err := b.Token(ctx)
	if err != nil {
		b.SignOut()
		return fmt.Errorf("failed to resume session: %w", err)
	}
	ident, err := b.lookup(ctx, token)
	if err != nil {
		b.SignOut()
		return fmt.Errorf("failed to resume session: %w", err)
	}
	b.mu.Lock()
	b.identity = ident
	b.mu.Unlock()
	b.notify(State{Identity: ident, SignedIn: true})
	b.log.Debug().Str("uid", ident.ID).Msg("Session resumed")
	return nil
}

// RefreshToken returns the long-lived refresh token for persistence, empty
// when signed out.
func (b *Bridge) RefreshToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.refreshToken
}
