package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Precondition failures the bootstrap must distinguish from generic backend
// errors so callers can render distinct guidance.
var (
	ErrEmailNotVerified     = errors.New("email not verified")
	ErrSubscriptionRequired = errors.New("subscription required")
	ErrEmptyBody            = errors.New("message body is empty")
)

// ProfileSyncError wraps a failure of the bootstrap's profile upsert step.
type ProfileSyncError struct {
	Err error
}

func (e *ProfileSyncError) Error() string { return "failed to sync profile: " + e.Err.Error() }
func (e *ProfileSyncError) Unwrap() error { return e.Err }

// ConversationSyncError wraps a failure of the bootstrap's conversation
// search or create step.
type ConversationSyncError struct {
	Err error
}

func (e *ConversationSyncError) Error() string {
	return "failed to sync conversation: " + e.Err.Error()
}
func (e *ConversationSyncError) Unwrap() error { return e.Err }

// classifyBootstrapError maps known backend precondition failures to their
// dedicated sentinels. The backend reports policy violations as prose
// mentioning the constrained column, so this is pattern matching on error
// text; it is deliberately the single place that does so. When the backend
// grows structured error codes, only this function changes.
func classifyBootstrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "email_verified"):
		return fmt.Errorf("%w: %w", ErrEmailNotVerified, err)
	case strings.Contains(msg, "subscription_tier"):
		return fmt.Errorf("%w: %w", ErrSubscriptionRequired, err)
	default:
		return err
	}
}
