package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openride/chatpush/internal/dispatch"
	"github.com/openride/chatpush/internal/event"
	"github.com/openride/chatpush/internal/storage"
)

const (
	// PresenceWindow is how recently a recipient must have been seen in the
	// conversation to be considered actively viewing it.
	PresenceWindow = 60 * time.Second

	// MaxInFlightRecipients caps simultaneous outbound provider fan-out.
	MaxInFlightRecipients = 10

	previewLength     = 50
	fallbackSender    = "Someone"
	fallbackBody      = "New message"
	notificationType  = "new_message"
	notificationSound = "default"
	messageCategory   = "message"
)

// Field aliases accepted in partial-payload records. Ordered by how likely
// each webhook configuration is to use them.
var (
	messageIDAliases      = []string{"id", "message_id", "messageId"}
	conversationIDAliases = []string{"conversation_id", "conversationId"}
	senderIDAliases       = []string{"from_id", "fromId", "sender_id", "senderId"}
)

// Pipeline turns one normalized webhook event into provider pushes. It holds
// no per-request state; every invocation reads fresh from the store.
type Pipeline struct {
	store      storage.Store
	dispatcher dispatch.Dispatcher
	table      string
	logger     *slog.Logger
	now        func() time.Time
}

func New(store storage.Store, dispatcher dispatch.Dispatcher, monitoredTable string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		table:      monitoredTable,
		logger:     logger,
		now:        time.Now,
	}
}

// Summary is the multi-recipient aggregation returned in partial mode.
type Summary struct {
	Processed       bool               `json:"processed"`
	TotalRecipients int                `json:"total_recipients"`
	Successes       int                `json:"successes"`
	Skipped         int                `json:"skipped"`
	Errors          int                `json:"errors"`
	Results         []dispatch.Outcome `json:"results"`
}

// Result is either a single-recipient outcome (full-payload mode and
// whole-request skips) or a batch summary, never both.
type Result struct {
	Single  *dispatch.Outcome
	Summary *Summary
}

func skipResult(reason dispatch.SkipReason) *Result {
	o := dispatch.Skipped("", reason)
	return &Result{Single: &o}
}

// MissingFieldsError reports which aliases were probed for each absent
// required field and which keys the payload actually carried.
type MissingFieldsError struct {
	Missing map[string][]string
	Present []string
}

func (e *MissingFieldsError) Error() string {
	var parts []string
	for field, aliases := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s (tried %s)", field, strings.Join(aliases, ", ")))
	}
	return fmt.Sprintf("missing required fields: %s; payload keys present: %s",
		strings.Join(parts, "; "), strings.Join(e.Present, ", "))
}

// Process runs the full pipeline for one webhook event.
func (p *Pipeline) Process(ctx context.Context, evt *event.Event) (*Result, error) {
	if reason, ok := evt.Supported(p.table); !ok {
		p.logger.Info("event not handled", "reason", reason, "kind", evt.Kind, "table", evt.Table)
		return skipResult(dispatch.SkipReason(reason)), nil
	}

	if full, ok := p.fullPayload(evt.Record); ok {
		outcome := p.processSingle(ctx, full)
		return &Result{Single: &outcome}, nil
	}
	return p.processRecord(ctx, evt.Record)
}

// fullPayload holds a pre-resolved single-recipient notification supplied by
// an upstream caller with fuller context than the raw row.
type fullPayload struct {
	recipientID    string
	conversationID string
	senderName     string
	preview        string
	messageID      string
	senderID       string
}

func (p *Pipeline) fullPayload(record map[string]any) (*fullPayload, bool) {
	recipientID, _, okRecipient := event.Field(record, "recipient_user_id")
	conversationID, _, okConversation := event.Field(record, "conversation_id")
	senderName, _, okSender := event.Field(record, "sender_name")
	if !okRecipient || !okConversation || !okSender {
		return nil, false
	}

	senderID, _, _ := event.Field(record, senderIDAliases...)
	if senderID != "" && senderID == recipientID {
		// A misconfigured caller echoed the sender as the recipient. Fall
		// back to resolving recipients from the record itself.
		p.logger.Warn("full payload names sender as recipient, falling back to record resolution",
			"user_id", senderID, "conversation_id", conversationID)
		return nil, false
	}

	full := &fullPayload{
		recipientID:    recipientID,
		conversationID: conversationID,
		senderName:     senderName,
		senderID:       senderID,
	}
	full.preview, _, _ = event.Field(record, "message_preview")
	full.messageID, _, _ = event.Field(record, "message_id")
	return full, true
}

func (p *Pipeline) processSingle(ctx context.Context, full *fullPayload) dispatch.Outcome {
	// Re-check presence against the store even though the caller resolved
	// the recipient: caller-provided presence may be stale.
	participant, err := p.store.Participant(ctx, full.conversationID, full.recipientID)
	if err != nil {
		p.logger.Warn("presence lookup failed, not suppressing", "user_id", full.recipientID, "error", err)
	} else if participant != nil && p.viewing(participant.LastSeenAt) {
		return dispatch.Skipped(full.recipientID, dispatch.SkipUserViewing)
	}

	var tokensByUser map[string][]string
	var tokenErr error
	var badge int

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tokensByUser, tokenErr = p.store.DeviceTokens(ctx, []string{full.recipientID})
	}()
	go func() {
		defer wg.Done()
		badge = p.badgeCounts(ctx, []string{full.recipientID})[full.recipientID]
	}()
	wg.Wait()

	if tokenErr != nil {
		return dispatch.Failed(full.recipientID, fmt.Errorf("device token lookup: %w", tokenErr))
	}

	body := full.preview
	if body == "" {
		body = fallbackBody
	}
	payload := p.buildPayload(full.senderName, body, full.conversationID, full.messageID, full.senderID, badge)

	return p.dispatchRecipient(ctx, full.recipientID, tokensByUser[full.recipientID], payload)
}

func (p *Pipeline) processRecord(ctx context.Context, record map[string]any) (*Result, error) {
	messageID, conversationID, senderID, err := requiredFields(record)
	if err != nil {
		return nil, err
	}
	text, _, _ := event.Field(record, "text")

	senderName, err := p.store.DisplayName(ctx, senderID)
	if err != nil {
		p.logger.Warn("sender profile lookup failed", "user_id", senderID, "error", err)
		senderName = ""
	}
	if senderName == "" {
		senderName = fallbackSender
	}

	participants, err := p.store.Participants(ctx, conversationID, senderID)
	if err != nil {
		p.logger.Warn("participant lookup failed", "conversation_id", conversationID, "error", err)
		return skipResult(dispatch.SkipNoRecipients), nil
	}

	// The sender never receives their own message; the store already
	// excludes them, this guards against a store that does not.
	candidates := participants[:0:0]
	for _, part := range participants {
		if part.UserID != senderID {
			candidates = append(candidates, part)
		}
	}
	if len(candidates) == 0 {
		return skipResult(dispatch.SkipNoRecipients), nil
	}

	outcomes := make([]dispatch.Outcome, len(candidates))
	var survivors []storage.Participant
	var survivorIdx []int
	for i, part := range candidates {
		if p.viewing(part.LastSeenAt) {
			outcomes[i] = dispatch.Skipped(part.UserID, dispatch.SkipUserViewing)
			continue
		}
		survivors = append(survivors, part)
		survivorIdx = append(survivorIdx, i)
	}

	if len(survivors) > 0 {
		userIDs := make([]string, len(survivors))
		for i, part := range survivors {
			userIDs[i] = part.UserID
		}

		var tokensByUser map[string][]string
		var badges map[string]int
		var tokenErr error

		var fetch sync.WaitGroup
		fetch.Add(2)
		go func() {
			defer fetch.Done()
			tokensByUser, tokenErr = p.store.DeviceTokens(ctx, userIDs)
		}()
		go func() {
			defer fetch.Done()
			badges = p.badgeCounts(ctx, userIDs)
		}()
		fetch.Wait()

		preview := truncatePreview(text)
		if preview == "" {
			preview = fallbackBody
		}

		var send errgroup.Group
		send.SetLimit(MaxInFlightRecipients)
		for i, part := range survivors {
			i, part := i, part
			send.Go(func() error {
				idx := survivorIdx[i]
				if tokenErr != nil {
					outcomes[idx] = dispatch.Failed(part.UserID, fmt.Errorf("device token lookup: %w", tokenErr))
					return nil
				}
				payload := p.buildPayload(senderName, preview, conversationID, messageID, senderID, badges[part.UserID])
				outcomes[idx] = p.dispatchRecipient(ctx, part.UserID, tokensByUser[part.UserID], payload)
				return nil
			})
		}
		send.Wait()
	}

	summary := &Summary{
		Processed:       true,
		TotalRecipients: len(candidates),
		Results:         outcomes,
	}
	for _, o := range outcomes {
		switch o.Status {
		case dispatch.StatusSent:
			summary.Successes++
		case dispatch.StatusSkipped:
			summary.Skipped++
		case dispatch.StatusFailed:
			summary.Errors++
		}
	}
	return &Result{Summary: summary}, nil
}

func requiredFields(record map[string]any) (messageID, conversationID, senderID string, err error) {
	missing := make(map[string][]string)

	messageID, _, ok := event.Field(record, messageIDAliases...)
	if !ok {
		missing["message id"] = messageIDAliases
	}
	conversationID, _, ok = event.Field(record, conversationIDAliases...)
	if !ok {
		missing["conversation id"] = conversationIDAliases
	}
	senderID, _, ok = event.Field(record, senderIDAliases...)
	if !ok {
		missing["sender id"] = senderIDAliases
	}

	if len(missing) > 0 {
		return "", "", "", &MissingFieldsError{Missing: missing, Present: event.Keys(record)}
	}
	return messageID, conversationID, senderID, nil
}

// viewing reports whether the last-seen timestamp is within the presence
// window of now. A nil timestamp means the user is not viewing. A timestamp
// ahead of the service clock (DB/app clock skew) still counts as viewing.
func (p *Pipeline) viewing(lastSeen *time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return p.now().Sub(*lastSeen) < PresenceWindow
}

// badgeCounts resolves badge totals for the batch: the pre-aggregated view
// first, then the two underlying counts summed, then zero. A badge is never
// negative and a failed count source never aborts the dispatch.
func (p *Pipeline) badgeCounts(ctx context.Context, userIDs []string) map[string]int {
	totals, err := p.store.UnreadTotals(ctx, userIDs)
	if err == nil {
		return clampBadges(totals)
	}
	p.logger.Warn("aggregated unread totals failed, falling back to component counts", "error", err)

	var messages, alerts map[string]int
	var msgErr, alertErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		messages, msgErr = p.store.UnreadMessageCounts(ctx, userIDs)
	}()
	go func() {
		defer wg.Done()
		alerts, alertErr = p.store.UnreadAlertCounts(ctx, userIDs)
	}()
	wg.Wait()

	if msgErr != nil {
		p.logger.Warn("unread message counts failed, defaulting to zero", "error", msgErr)
	}
	if alertErr != nil {
		p.logger.Warn("unread alert counts failed, defaulting to zero", "error", alertErr)
	}

	totals = make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		totals[id] = messages[id] + alerts[id]
	}
	return clampBadges(totals)
}

func clampBadges(counts map[string]int) map[string]int {
	for id, c := range counts {
		if c < 0 {
			counts[id] = 0
		}
	}
	return counts
}

func (p *Pipeline) buildPayload(title, body, conversationID, messageID, senderID string, badge int) *dispatch.Payload {
	return &dispatch.Payload{
		Title:          title,
		Body:           body,
		Sound:          notificationSound,
		Badge:          badge,
		Category:       messageCategory,
		Type:           notificationType,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       senderID,
	}
}

// dispatchRecipient fans out to every device of one recipient with
// settle-all semantics: one device's failure never prevents the others. Any
// attempted fan-out yields a Sent outcome, even at 100% device failure.
func (p *Pipeline) dispatchRecipient(ctx context.Context, userID string, tokens []string, payload *dispatch.Payload) dispatch.Outcome {
	if len(tokens) == 0 {
		return dispatch.Skipped(userID, dispatch.SkipNoTokens)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, token := range tokens {
		token := token
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.dispatcher.Send(ctx, token, payload); err != nil {
				p.logger.Warn("device send failed", "user_id", userID, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return dispatch.Sent(userID, len(tokens), len(tokens)-failures, failures)
}

// truncatePreview derives the notification body from the raw message text.
func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "…"
}
