package drip

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles CRUD for the drip_subscribers and drip_sends tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a drip store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subscriberColumns = `id, email, first_name, last_name, phone, subscribed_at, current_step, last_sent_at, active`

func (s *Store) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_subscribers (id, email, first_name, last_name, phone, current_step, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.Email, sub.FirstName, sub.LastName, sub.Phone, sub.CurrentStep, sub.Active)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (s *Store) GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM drip_subscribers WHERE id = $1`, id)
	return scanSubscriber(row)
}

func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM drip_subscribers WHERE email = $1`, email)
	return scanSubscriber(row)
}

func (s *Store) UpdateSubscriber(ctx context.Context, sub *Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_subscribers SET current_step = $1, last_sent_at = $2, active = $3 WHERE id = $4`,
		sub.CurrentStep, sub.LastSentAt, sub.Active, sub.ID)
	return err
}

// DeactivateSubscriber flips active off and returns the subscriber, or nil
// when the email is unknown.
func (s *Store) DeactivateSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE drip_subscribers SET active = FALSE WHERE email = $1
		RETURNING `+subscriberColumns, email)
	return scanSubscriber(row)
}

func (s *Store) ListSubscribers(ctx context.Context, limit, skip int) ([]Subscriber, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM drip_subscribers
		ORDER BY subscribed_at DESC LIMIT $1 OFFSET $2`, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		var lastName, phone sql.NullString
		var lastSent sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.FirstName, &lastName, &phone,
			&sub.SubscribedAt, &sub.CurrentStep, &lastSent, &sub.Active); err != nil {
			return nil, err
		}
		sub.LastName = lastName.String
		sub.Phone = phone.String
		if lastSent.Valid {
			sub.LastSentAt = &lastSent.Time
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) CreateSend(ctx context.Context, send *ScheduledSend) error {
	if send.ID == uuid.Nil {
		send.ID = uuid.New()
	}
	if send.Status == "" {
		send.Status = SendPending
	}
	// ON CONFLICT keeps rescheduling idempotent: a step already queued or
	// already dispatched for this subscriber is never queued twice.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_sends (id, subscriber_id, step_number, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscriber_id, step_number) DO NOTHING`,
		send.ID, send.SubscriberID, send.StepNumber, send.ScheduledFor, send.Status)
	if err != nil {
		return fmt.Errorf("insert scheduled send: %w", err)
	}
	return nil
}

// ListDue returns pending sends that are due, oldest first.
func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, step_number, scheduled_for, status, COALESCE(error, ''), sent_at
		FROM drip_sends WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sends []ScheduledSend
	for rows.Next() {
		var send ScheduledSend
		var sentAt sql.NullTime
		if err := rows.Scan(&send.ID, &send.SubscriberID, &send.StepNumber,
			&send.ScheduledFor, &send.Status, &send.Error, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			send.SentAt = &sentAt.Time
		}
		sends = append(sends, send)
	}
	return sends, rows.Err()
}

// MarkSend finalizes a send row. Status "sent" stamps sent_at.
func (s *Store) MarkSend(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_sends SET status = $1, error = NULLIF($2, ''),
		sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE sent_at END
		WHERE id = $3`, status, errMsg, id)
	return err
}

// CancelPending cancels every still-pending send for a subscriber.
func (s *Store) CancelPending(ctx context.Context, subscriberID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_sends SET status = 'canceled' WHERE subscriber_id = $1 AND status = 'pending'`,
		subscriberID)
	return err
}

func scanSubscriber(row *sql.Row) (*Subscriber, error) {
	var sub Subscriber
	var lastName, phone sql.NullString
	var lastSent sql.NullTime
	err := row.Scan(&sub.ID, &sub.Email, &sub.FirstName, &lastName, &phone,
		&sub.SubscribedAt, &sub.CurrentStep, &lastSent, &sub.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.LastName = lastName.String
	sub.Phone = phone.String
	if lastSent.Valid {
		sub.LastSentAt = &lastSent.Time
	}
	return &sub, nil
}
