package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/theoremz/tutorchat/pkg/identity"
)

// SessionState is the lifecycle state of one chat screen instance.
type SessionState int

const (
	StateInitializing SessionState = iota
	StateReady
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Gateway is the slice of Service a Session depends on.
type Gateway interface {
	Bootstrap(ctx context.Context) (string, error)
	FetchMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, body string) (Message, error)
	Subscribe(ctx context.Context, conversationID string) (MessageStream, error)
	RecentCached(ctx context.Context, conversationID string, limit int) []Message
}

// Session owns the in-memory message list for one chat screen instance.
// The list is never shared across instances. All methods are safe for
// concurrent use; realtime inserts are applied on an internal goroutine.
//
// Lifecycle: Initializing → Ready or Initializing → Failed. Sending and
// LoadingOlder are independent flags inside Ready, not exclusive states.
type Session struct {
	gw     Gateway
	bridge *identity.Bridge
	log    zerolog.Logger
	notify func()

	mu             sync.Mutex
	state          SessionState
	failure        error
	conversationID string
	messages       []Message
	seen           map[string]struct{}
	draft          string
	sending        bool
	loadingOlder   bool
	closed         bool
	stream         MessageStream
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithNotify registers a callback invoked after every message-list or state
// change, for consumers that redraw on change. Called off the session lock;
// it must not block for long.
func WithNotify(fn func()) SessionOption {
	return func(s *Session) { s.notify = fn }
}

// NewSession builds a session over the given gateway. The identity bridge
// is injected explicitly; the session holds no global state.
func NewSession(gw Gateway, bridge *identity.Bridge, log zerolog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		gw:     gw,
		bridge: bridge,
		log:    log.With().Str("component", "session").Logger(),
		seen:   make(map[string]struct{}),
		state:  StateInitializing,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the initialization sequence: require identity, bootstrap the
// conversation, load the most recent page, open the realtime feed. Any
// failure is terminal for the session (state Failed); send and pagination
// failures after a successful Start are not.
func (s *Session) Start(ctx context.Context) error {
	if _, ok := s.bridge.Current(); !ok {
		return s.fail(identity.ErrNotAuthenticated)
	}

	convID, err := s.gw.Bootstrap(ctx)
	if err != nil {
		return s.fail(err)
	}

	// Cache warm-start: show whatever was on disk while the network fetch
	// runs its course. The fetch below reconciles by id.
	cached := s.gw.RecentCached(ctx, convID, DefaultFetchLimit)

	s.mu.Lock()
	s.conversationID = convID
	for _, m := range cached {
		s.insertLocked(m)
	}
	s.mu.Unlock()

	page, err := s.gw.FetchMessages(ctx, convID, DefaultFetchLimit, time.Time{})
	if err != nil {
		return s.fail(err)
	}

	stream, err := s.gw.Subscribe(ctx, convID)
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	for _, m := range page {
		s.insertLocked(m)
	}
	s.stream = stream
	s.state = StateReady
	s.mu.Unlock()
	s.changed()

	go s.pump(stream)
	s.log.Debug().Str("conversation_id", convID).Int("messages", len(page)).Msg("Session ready")
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()
	s.changed()
	s.log.Error().Err(err).Msg("Session initialization failed")
	return err
}

// pump applies realtime inserts until the stream closes. A redelivered or
// locally known id is a no-op; a late-arriving older message is slotted
// into timestamp order rather than appended.
func (s *Session) pump(stream MessageStream) {
	for m := range stream.Events() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		inserted := s.insertLocked(m)
		s.mu.Unlock()
		if inserted {
			s.changed()
		}
	}
}

// insertLocked adds m in created-at order, deduplicating by id. Caller
// holds s.mu.
func (s *Session) insertLocked(m Message) bool {
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.seen[m.ID] = struct{}{}
	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Session) changed() {
	if s.notify != nil {
		s.notify()
	}
}

// SetDraft replaces the pending compose text.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft returns the pending compose text.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Send sends the current draft. The draft is cleared optimistically before
// the call; on failure it is restored (unless the user typed new text in
// the meantime) and the error is returned without leaving Ready. The sent
// message reaches the list through the realtime feed or the returned row,
// whichever lands first; dedup by id makes both safe.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.state != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("session is not ready")
	}
	if s.sending {
		s.mu.Unlock()
		return fmt.Errorf("a send is already in flight")
	}
	body := s.draft
	convID := s.conversationID
	s.draft = ""
	s.sending = true
	s.mu.Unlock()
	s.changed()

	sent, err := s.gw.SendMessage(ctx, convID, body)

	s.mu.Lock()
	s.sending = false
	if err != nil {
		if s.draft == "" {
			s.draft = body
		}
		s.mu.Unlock()
		s.changed()
		return err
	}
	inserted := false
	if !s.closed {
		inserted = s.insertLocked(sent)
	}
	s.mu.Unlock()
	if inserted {
		s.changed()
	}
	return nil
}

// LoadOlder pages backward from the oldest loaded message. No-op while a
// pagination is already in flight or when the list is empty.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.state != StateReady || s.loadingOlder || len(s.messages) == 0 {
		s.mu.Unlock()
		return nil
	}
	oldest := s.messages[0].CreatedAt
	convID := s.conversationID
	s.loadingOlder = true
	s.mu.Unlock()

	older, err := s.gw.FetchMessages(ctx, convID, DefaultLoadMoreLimit, oldest)

	s.mu.Lock()
	s.loadingOlder = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to load older messages: %w", err)
	}
	changed := false
	if !s.closed {
		for _, m := range older {
			if s.insertLocked(m) {
				changed = true
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}
	return nil
}

// Close tears the session down: the realtime stream is released and no
// further state updates are applied, including from callbacks already in
// flight. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// State returns the lifecycle state and, when Failed, its cause.
func (s *Session) State() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failure
}

// ConversationID returns the bootstrapped conversation id, empty before
// Start completes.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the ordered message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// LoadingOlder reports whether a pagination is in flight.
func (s *Session) LoadingOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingOlder
}
