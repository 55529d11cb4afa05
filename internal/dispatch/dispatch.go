package dispatch

import "context"

// Payload is the provider-neutral notification format built once per
// recipient. Title and body are shared across the batch; badge is
// recipient-specific.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`

	Sound string `json:"sound,omitempty"` // "default" or custom sound filename
	Badge int    `json:"badge"`           // app icon badge, never negative

	// Custom app data - passed through to the app for deep linking
	Category       string `json:"category,omitempty"`
	Type           string `json:"type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
}

type Dispatcher interface {
	Send(ctx context.Context, deviceToken string, payload *Payload) error
}

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// SkipReason explains why a recipient (or the whole request) was skipped.
// Skips are expected no-op paths, not errors.
type SkipReason string

const (
	SkipUnsupportedEvent SkipReason = "unsupported_event"
	SkipUnsupportedTable SkipReason = "unsupported_table"
	SkipNoRecipients     SkipReason = "no_recipients"
	SkipUserViewing      SkipReason = "user_viewing"
	SkipNoTokens         SkipReason = "no_tokens"
)

// Outcome is the per-recipient result. A recipient with at least one device
// attempt is always "sent", even when every device fails; "failed" is
// reserved for errors that happen before any device was attempted.
type Outcome struct {
	UserID    string     `json:"user_id,omitempty"`
	Status    Status     `json:"status"`
	Reason    SkipReason `json:"reason,omitempty"`
	Devices   int        `json:"devices,omitempty"`
	Successes int        `json:"successes,omitempty"`
	Failures  int        `json:"failures,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func Sent(userID string, devices, successes, failures int) Outcome {
	return Outcome{UserID: userID, Status: StatusSent, Devices: devices, Successes: successes, Failures: failures}
}

func Skipped(userID string, reason SkipReason) Outcome {
	return Outcome{UserID: userID, Status: StatusSkipped, Reason: reason}
}

func Failed(userID string, err error) Outcome {
	return Outcome{UserID: userID, Status: StatusFailed, Error: err.Error()}
}
