// Package chat implements the student↔tutor chat core: conversation
// bootstrap, message fetch/paginate/send/delete, the realtime message feed,
// and the per-screen session that assembles them into an ordered,
// deduplicated message list.
package chat

import (
	"regexp"
	"time"
)

// Roles a profile can carry.
const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
)

// StatusOpen is the default lifecycle tag for a new conversation.
const StatusOpen = "open"

// TierFree is the subscription tier assigned on first bootstrap; paid tiers
// are managed outside this subsystem.
const TierFree = "free"

// Profile is one row per user. Its id equals the identity provider's user
// id, a cross-system foreign key that is never generated locally.
type Profile struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FullName         string `json:"full_name"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	Role             string `json:"role"`
	SubscriptionTier string `json:"subscription_tier"`
	EmailVerified    bool   `json:"email_verified"`
}

// Conversation is the single persistent thread between a student and the
// tutoring staff. At most one exists per student.
type Conversation struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one chat message. Messages are never updated in place; order
// is defined by CreatedAt ascending.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is one tutor-inbox entry: a conversation joined with
// its last message and the student's profile.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	Student     *Profile `json:"student,omitempty"`
}

// mathMarker matches the inline math delimiters the composer emits. The
// body is never parsed, only flagged for the downstream renderer.
var mathMarker = regexp.MustCompile(`\$|\\\[|\\\(|\\begin\{`)

// ContainsMath reports whether body embeds math-formula markers
// ($...$, $$...$$, \[, \( or \begin{).
func ContainsMath(body string) bool {
	return mathMarker.MatchString(body)
}
