package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) DisplayName(ctx context.Context, userID string) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM profiles WHERE id = $1`, userID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not fetch profile %s: %w", userID, err)
	}
	return name.String, nil
}

func (s *PostgresStore) Participants(ctx context.Context, conversationID, excludeUserID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, last_seen_at
		 FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id <> $2`,
		conversationID, excludeUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("could not fetch participants of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var lastSeen sql.NullTime
		if err := rows.Scan(&p.UserID, &lastSeen); err != nil {
			return nil, fmt.Errorf("could not scan participant: %w", err)
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			p.LastSeenAt = &t
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) Participant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	var p Participant
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, last_seen_at
		 FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&p.UserID, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not fetch participant %s of %s: %w", userID, conversationID, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeenAt = &t
	}
	return &p, nil
}

func (s *PostgresStore) DeviceTokens(ctx context.Context, userIDs []string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, token FROM device_tokens WHERE user_id = ANY($1)`,
		pq.Array(userIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("could not fetch device tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string][]string)
	for rows.Next() {
		var userID, token string
		if err := rows.Scan(&userID, &token); err != nil {
			return nil, fmt.Errorf("could not scan device token: %w", err)
		}
		tokens[userID] = append(tokens[userID], token)
	}
	return tokens, rows.Err()
}

// UnreadTotals reads the backend's pre-aggregated per-user unread view.
func (s *PostgresStore) UnreadTotals(ctx context.Context, userIDs []string) (map[string]int, error) {
	return s.countQuery(ctx,
		`SELECT user_id, unread_total FROM user_unread_totals WHERE user_id = ANY($1)`,
		userIDs,
	)
}

func (s *PostgresStore) UnreadMessageCounts(ctx context.Context, userIDs []string) (map[string]int, error) {
	return s.countQuery(ctx,
		`SELECT cp.user_id, COUNT(m.id)
		 FROM conversation_participants cp
		 JOIN messages m
		   ON m.conversation_id = cp.conversation_id
		  AND m.from_id <> cp.user_id
		  AND (cp.last_read_at IS NULL OR m.created_at > cp.last_read_at)
		 WHERE cp.user_id = ANY($1)
		 GROUP BY cp.user_id`,
		userIDs,
	)
}

func (s *PostgresStore) UnreadAlertCounts(ctx context.Context, userIDs []string) (map[string]int, error) {
	return s.countQuery(ctx,
		`SELECT user_id, COUNT(*)
		 FROM notifications
		 WHERE user_id = ANY($1) AND read = FALSE
		 GROUP BY user_id`,
		userIDs,
	)
}

func (s *PostgresStore) countQuery(ctx context.Context, query string, userIDs []string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("could not fetch unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("could not scan unread count: %w", err)
		}
		counts[userID] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
