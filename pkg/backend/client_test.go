package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theoremz/tutorchat/pkg/identity"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

// fakeREST records requests and plays back a canned response.
type fakeREST struct {
	srv      *httptest.Server
	last     *recordedRequest
	status   int
	response string
}

func newFakeREST(t *testing.T) *fakeREST {
	t.Helper()
	f := &fakeREST{status: http.StatusOK, response: "[]"}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.last = &recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.response))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeREST) factory() *Factory {
	cfg := Config{URL: f.srv.URL, AnonKey: "anon-key"}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return NewFactory(cfg, nil, zerolog.Nop())
}

func TestConfigPostProcess(t *testing.T) {
	cfg := Config{URL: "https://proj.example.co/", AnonKey: "k"}
	require.NoError(t, cfg.PostProcess())
	assert.Equal(t, "https://proj.example.co", cfg.URL)
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, 5, cfg.Realtime.EventsPerSecond)
	assert.Equal(t, "wss://proj.example.co/realtime/v1/websocket", cfg.RealtimeURL())

	assert.Error(t, (&Config{AnonKey: "k"}).PostProcess())
	assert.Error(t, (&Config{URL: "x"}).PostProcess())
}

func TestFactoryDefaultsRawConfig(t *testing.T) {
	// A Config built in code, never run through PostProcess.
	factory := NewFactory(Config{URL: "https://proj.example.co", AnonKey: "k"}, nil, zerolog.Nop())

	cfg := factory.Config()
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, 5, cfg.Realtime.EventsPerSecond)
	assert.Equal(t, 30, cfg.Realtime.HeartbeatSeconds, "a zero heartbeat interval would break the realtime ticker")
}

func TestAnonClientHeaders(t *testing.T) {
	f := newFakeREST(t)
	var rows []json.RawMessage
	err := f.factory().Anon().From("messages").Get(context.Background(), &rows)
	require.NoError(t, err)

	assert.Equal(t, "/rest/v1/messages", f.last.Path)
	assert.Equal(t, "anon-key", f.last.Header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", f.last.Header.Get("Authorization"))
	assert.Equal(t, "public", f.last.Header.Get("Accept-Profile"))
}

func TestAuthenticatedRequiresIdentity(t *testing.T) {
	f := newFakeREST(t)
	_, err := f.factory().Authenticated(context.Background())
	assert.ErrorIs(t, err, identity.ErrNotAuthenticated)
}

func TestQueryFilterEncoding(t *testing.T) {
	f := newFakeREST(t)
	var rows []json.RawMessage
	err := f.factory().Anon().From("messages").
		Select("id,body").
		Eq("conversation_id", "c1").
		Lt("created_at", "2026-01-01T00:00:00Z").
		OrderDesc("created_at").
		Limit(10).
		Get(context.Background(), &rows)
	require.NoError(t, err)

	q := f.last.Query
	assert.Equal(t, []string{"eq.c1"}, q["conversation_id"])
	assert.Equal(t, []string{"lt.2026-01-01T00:00:00Z"}, q["created_at"])
	assert.Equal(t, []string{"created_at.desc"}, q["order"])
	assert.Equal(t, []string{"10"}, q["limit"])
	assert.Equal(t, []string{"id,body"}, q["select"])
}

func TestQueryIn(t *testing.T) {
	f := newFakeREST(t)
	var rows []json.RawMessage
	err := f.factory().Anon().From("profiles").
		In("id", []string{"u1", "u2"}).
		Get(context.Background(), &rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"in.(u1,u2)"}, f.last.Query["id"])
}

func TestMaybeSingle(t *testing.T) {
	f := newFakeREST(t)

	f.response = `[]`
	var dest struct {
		ID string `json:"id"`
	}
	found, err := f.factory().Anon().From("conversations").Eq("student_id", "u1").
		MaybeSingle(context.Background(), &dest)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"1"}, f.last.Query["limit"])

	f.response = `[{"id":"c1"}]`
	found, err = f.factory().Anon().From("conversations").Eq("student_id", "u1").
		MaybeSingle(context.Background(), &dest)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "c1", dest.ID)
}

func TestInsertReturnsRepresentation(t *testing.T) {
	f := newFakeREST(t)
	f.response = `{"id":"m1","body":"Ciao"}`

	var dest struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	err := f.factory().Anon().From("messages").
		Insert(context.Background(), map[string]string{"body": "Ciao"}, &dest)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, f.last.Method)
	assert.Equal(t, "return=representation", f.last.Header.Get("Prefer"))
	assert.Equal(t, "application/vnd.pgrst.object+json", f.last.Header.Get("Accept"))
	assert.Equal(t, "m1", dest.ID)
	assert.JSONEq(t, `{"body":"Ciao"}`, string(f.last.Body))
}

func TestUpsertConflictPolicy(t *testing.T) {
	f := newFakeREST(t)
	f.response = `{"id":"u1"}`

	var dest struct {
		ID string `json:"id"`
	}
	err := f.factory().Anon().From("profiles").
		Upsert(context.Background(), map[string]string{"id": "u1"}, "id", &dest)
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, f.last.Query["on_conflict"])
	assert.Equal(t, "resolution=merge-duplicates,return=representation", f.last.Header.Get("Prefer"))
}

func TestDeleteCountsAffectedRows(t *testing.T) {
	f := newFakeREST(t)

	f.response = `[{"id":"m1"}]`
	n, err := f.factory().Anon().From("messages").Eq("id", "m1").Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.response = `[]`
	n, err = f.factory().Anon().From("messages").Eq("id", "m2").Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestErrorDecoding(t *testing.T) {
	f := newFakeREST(t)
	f.status = http.StatusConflict
	f.response = `{"code":"23514","message":"new row violates check constraint","details":"email_verified"}`

	var rows []json.RawMessage
	err := f.factory().Anon().From("profiles").Get(context.Background(), &rows)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "23514", apiErr.Code)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "check constraint")
}

func TestUnauthorizedMapping(t *testing.T) {
	f := newFakeREST(t)
	f.status = http.StatusUnauthorized
	f.response = `{"message":"JWT expired"}`

	var rows []json.RawMessage
	err := f.factory().Anon().From("messages").Get(context.Background(), &rows)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
