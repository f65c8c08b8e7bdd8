package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/theoremz/tutorchat/pkg/identity"
)

// ErrUnauthorized is returned when the backend's row-level authorization
// policy rejects an authenticated request, or when a write that named an
// existing row affected zero rows because the caller does not own it.
var ErrUnauthorized = errors.New("not authorized by backend policy")

// APIError is a structured backend error decoded from the REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
}

// Factory builds data clients. The anon client is reusable; authenticated
// clients are built fresh per call so each carries a current token (the
// backend validates expiry, and tokens are short-lived).
type Factory struct {
	cfg    Config
	bridge *identity.Bridge
	log    zerolog.Logger
}

// NewFactory wires the factory to the identity bridge. The bridge may be nil
// only if Authenticated is never called.
func NewFactory(cfg Config, bridge *identity.Bridge, log zerolog.Logger) *Factory {
	// A zero heartbeat interval would break the realtime channel, so the
	// defaults apply even when the config never went through PostProcess.
	cfg.applyDefaults()
	return &Factory{cfg: cfg, bridge: bridge, log: log.With().Str("component", "backend").Logger()}
}

// Config exposes the factory's backend config (realtime URL, keys).
func (f *Factory) Config() Config {
	return f.cfg
}

// Anon returns a public client carrying only the anonymous key. Writes that
// require per-user authorization will fail with ErrUnauthorized through this
// client; use Authenticated for those.
func (f *Factory) Anon() *Client {
	return f.newClient(f.cfg.AnonKey)
}

// Authenticated returns a client carrying a freshly fetched identity token.
// Fails with identity.ErrNotAuthenticated when no identity is active. The
// returned client must not be mutated; build a new one per call instead.
func (f *Factory) Authenticated(ctx context.Context) (*Client, error) {
	if f.bridge == nil {
		return nil, identity.ErrNotAuthenticated
	}
	if _, ok := f.bridge.Current(); !ok {
		return nil, identity.ErrNotAuthenticated
	}
	token, err := f.bridge.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity token: %w", err)
	}
	return f.newClient(token), nil
}

func (f *Factory) newClient(bearer string) *Client {
	rc := resty.New().
		SetBaseURL(f.cfg.URL+"/rest/v1").
		SetHeader("apikey", f.cfg.AnonKey).
		SetHeader("Authorization", "Bearer "+bearer).
		SetHeader("Accept-Profile", f.cfg.Schema).
		SetHeader("Content-Profile", f.cfg.Schema)
	return &Client{http: rc, log: f.log}
}

// Client is a stateless gateway to the backend's REST query interface. Its
// token is fixed at construction time.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// From starts a query against a table.
func (c *Client) From(table string) *Query {
	return &Query{client: c, table: table, selectCols: "*"}
}

// decodeError turns a non-2xx response into an *APIError, mapping
// authorization failures to ErrUnauthorized.
func decodeError(resp *resty.Response, apiErr *APIError) error {
	apiErr.Status = resp.StatusCode()
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
	}
	return apiErr
}
