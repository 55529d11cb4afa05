package storage

import (
	"context"
	"time"
)

// Participant is one member of a conversation. LastSeenAt is nil when the
// user has never reported presence for the conversation.
type Participant struct {
	UserID     string
	LastSeenAt *time.Time
}

// Store is the read-only view over the chat backend's tables. This service
// never mutates participant, token, or badge state; it only reads and
// forwards.
type Store interface {
	// DisplayName returns the profile display name for a user, or "" when
	// the profile is missing.
	DisplayName(ctx context.Context, userID string) (string, error)

	// Participants returns every member of the conversation except
	// excludeUserID.
	Participants(ctx context.Context, conversationID, excludeUserID string) ([]Participant, error)

	// Participant returns a single conversation member, or nil when the
	// user is not a member.
	Participant(ctx context.Context, conversationID, userID string) (*Participant, error)

	// DeviceTokens returns all registered push tokens per user in one
	// round-trip. Users with no tokens are absent from the map.
	DeviceTokens(ctx context.Context, userIDs []string) (map[string][]string, error)

	// UnreadTotals returns the aggregated unread badge count per user from
	// the backend's pre-computed totals.
	UnreadTotals(ctx context.Context, userIDs []string) (map[string]int, error)

	// UnreadMessageCounts and UnreadAlertCounts are the two independent
	// sources UnreadTotals aggregates, used as a fallback when the
	// aggregated read fails.
	UnreadMessageCounts(ctx context.Context, userIDs []string) (map[string]int, error)
	UnreadAlertCounts(ctx context.Context, userIDs []string) (map[string]int, error)

	Close() error
}
