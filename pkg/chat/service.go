package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/theoremz/tutorchat/pkg/backend"
	"github.com/theoremz/tutorchat/pkg/identity"
)

// Default page sizes for the initial fetch and backward pagination.
const (
	DefaultFetchLimit    = 50
	DefaultLoadMoreLimit = 20
)

// Service is the stateless gateway to the chat tables. It owns no message
// state; each call builds its own backend client so every authenticated
// request carries a current token.
type Service struct {
	factory *backend.Factory
	bridge  *identity.Bridge
	cache   *CacheStore
	log     zerolog.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithCache attaches a local message cache. Fetched and received messages
// are mirrored into it so sessions can warm-start offline.
func WithCache(cache *CacheStore) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// NewService wires the chat gateway to the backend factory and identity
// bridge.
func NewService(factory *backend.Factory, bridge *identity.Bridge, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		factory: factory,
		bridge:  bridge,
		log:     log.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap idempotently ensures the current user's profile row and
// conversation row exist, returning the stable conversation id. Safe to
// call on every app launch; at most one conversation ever exists per
// student (the search runs before any insert).
func (s *Service) Bootstrap(ctx context.Context) (string, error) {
	ident, ok := s.bridge.Current()
	if !ok {
		return "", identity.ErrNotAuthenticated
	}
	log := s.log.With().Str("uid", ident.ID).Logger()
	log.Debug().Msg("Bootstrapping chat")

	client := s.factory.Anon()

	profile := Profile{
		ID:               ident.ID,
		Email:            ident.Email,
		FullName:         ident.DefaultName(),
		AvatarURL:        ident.PhotoURL,
		Role:             RoleStudent,
		SubscriptionTier: TierFree,
		EmailVerified:    ident.EmailVerified,
	}
	if err := client.From("profiles").Upsert(ctx, &profile, "id", nil); err != nil {
		return "", classifyBootstrapError(&ProfileSyncError{Err: err})
	}

	var existing Conversation
	found, err := client.From("conversations").
		Select("id,created_at").
		Eq("student_id", ident.ID).
		MaybeSingle(ctx, &existing)
	if err != nil {
		return "", classifyBootstrapError(&ConversationSyncError{Err: err})
	}
	if found {
		log.Debug().Str("conversation_id", existing.ID).Msg("Found existing conversation")
		return existing.ID, nil
	}

	var created Conversation
	err = client.From("conversations").Insert(ctx, map[string]string{
		"student_id": ident.ID,
		"status":     StatusOpen,
	}, &created)
	if err != nil {
		return "", classifyBootstrapError(&ConversationSyncError{Err: err})
	}
	log.Info().Str("conversation_id", created.ID).Msg("Created new conversation")
	return created.ID, nil
}

// AccessStatus reports whether the current user may enter the chat, with a
// human-readable reason when not.
type AccessStatus struct {
	HasAccess bool
	Reason    string
}

// CheckAccess verifies the chat preconditions that are knowable
// client-side. Backend policies remain the authority; this only lets the
// app short-circuit with a useful message.
func (s *Service) CheckAccess(ctx context.Context) AccessStatus {
	ident, ok := s.bridge.Current()
	if !ok {
		return AccessStatus{Reason: "not authenticated"}
	}
	if !ident.EmailVerified {
		return AccessStatus{Reason: "email not verified"}
	}
	return AccessStatus{HasAccess: true}
}

// FetchMessages returns up to limit messages of a conversation, chronological
// ascending, regardless of the backend's internal fetch order. A non-zero
// before bounds the page to messages created strictly earlier; that is the
// backward-pagination cursor. limit <= 0 means DefaultFetchLimit.
func (s *Service) FetchMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	client, err := s.factory.Authenticated(ctx)
	if err != nil {
		return nil, err
	}

	// Newest-first with a limit selects the most recent page; the result is
	// reversed so callers always see oldest-first.
	q := client.From("messages").
		Eq("conversation_id", conversationID).
		OrderDesc("created_at").
		Limit(limit)
	if !before.IsZero() {
		q = q.Lt("created_at", before.UTC().Format(time.RFC3339Nano))
	}

	var page []Message
	if err := q.Get(ctx, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	if s.cache != nil {
		if err := s.cache.UpsertMessages(ctx, page); err != nil {
			s.log.Warn().Err(err).Msg("Failed to mirror fetched messages into cache")
		}
	}
	return page, nil
}

// LoadMoreMessages pages backward: it returns up to limit messages created
// strictly before oldest, ascending. limit <= 0 means DefaultLoadMoreLimit.
func (s *Service) LoadMoreMessages(ctx context.Context, conversationID string, oldest time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultLoadMoreLimit
	}
	return s.FetchMessages(ctx, conversationID, limit, oldest)
}

// RecentCached returns the locally cached tail of a conversation, oldest
// first. Nil when no cache is configured or the cache read fails; the
// cache is best-effort and never blocks the network path.
func (s *Service) RecentCached(ctx context.Context, conversationID string, limit int) []Message {
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read message cache")
		return nil
	}
	return msgs
}

// SendMessage inserts a message from the current identity and returns the
// persisted row (backend-assigned id and timestamp) so callers can
// reconcile against any optimistic local copy.
func (s *Service) SendMessage(ctx context.Context, conversationID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyBody
	}
	ident, ok := s.bridge.Current()
	if !ok {
		return Message{}, identity.ErrNotAuthenticated
	}
	client, err := s.factory.Authenticated(ctx)
	if err != nil {
		return Message{}, err
	}

	var sent Message
	err = client.From("messages").Insert(ctx, map[string]string{
		"conversation_id": conversationID,
		"sender_id":       ident.ID,
		"body":            body,
	}, &sent)
	if err != nil {
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.UpsertMessages(ctx, []Message{sent}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to mirror sent message into cache")
		}
	}
	return sent, nil
}

// DeleteMessage removes a message the current identity sent. The delete is
// filtered by sender_id in addition to the backend's own policy (defense in
// depth). Policies hide rows the caller does not own, so the backend
// reports such a delete as zero rows affected rather than an error; that
// outcome is surfaced as ErrUnauthorized instead of being swallowed.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	ident, ok := s.bridge.Current()
	if !ok {
		return identity.ErrNotAuthenticated
	}
	client, err := s.factory.Authenticated(ctx)
	if err != nil {
		return err
	}

	affected, err := client.From("messages").
		Eq("id", messageID).
		Eq("sender_id", ident.ID).
		Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s was not deleted", backend.ErrUnauthorized, messageID)
	}

	if s.cache != nil {
		if err := s.cache.DeleteMessage(ctx, messageID); err != nil {
			s.log.Warn().Err(err).Msg("Failed to delete message from cache")
		}
	}
	return nil
}

// ListConversations returns the tutor inbox: every conversation ordered by
// last activity, each joined with its latest message and the student's
// profile. Backend policy restricts the visible set to tutors.
func (s *Service) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	client, err := s.factory.Authenticated(ctx)
	if err != nil {
		return nil, err
	}

	type convRow struct {
		Conversation
		Messages []Message `json:"messages"`
	}
	var rows []convRow
	err = client.From("conversations").
		Select("id,created_at,updated_at,student_id,status,messages(id,conversation_id,body,created_at,sender_id)").
		OrderDesc("updated_at").
		Get(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	studentIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		studentIDs = append(studentIDs, r.StudentID)
	}
	profiles := make(map[string]Profile)
	if len(studentIDs) > 0 {
		var ps []Profile
		err = client.From("profiles").
			Select("id,email,full_name,avatar_url").
			In("id", studentIDs).
			Get(ctx, &ps)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch student profiles: %w", err)
		}
		for _, p := range ps {
			profiles[p.ID] = p
		}
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		summary := ConversationSummary{Conversation: r.Conversation}
		if n := len(r.Messages); n > 0 {
			last := r.Messages[n-1]
			summary.LastMessage = &last
		}
		if p, ok := profiles[r.StudentID]; ok {
			prof := p
			summary.Student = &prof
		}
		out = append(out, summary)
	}
	return out, nil
}
