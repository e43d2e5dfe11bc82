package leads

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Store handles CRUD for the submissions table.
type Store struct {
	db *sql.DB
}

// NewStore creates a submission store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const submissionColumns = `id, kind, name, email, phone, free_text, category, source_ip, user_agent, status, created_at`

// Insert persists a new submission and returns its id.
func (s *Store) Insert(ctx context.Context, sub *Submission) (uuid.UUID, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = StatusNew
	}
	if sub.Category == "" {
		sub.Category = "general"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, kind, name, email, phone, free_text, category, source_ip, user_agent, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.Kind, sub.Name, sub.Email, sub.Phone, sub.FreeText,
		sub.Category, sub.SourceIP, sub.UserAgent, sub.Status)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert submission: %w", err)
	}
	return sub.ID, nil
}

// Get returns one submission by id, or nil when not found.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// List returns submissions matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Submission, error) {
	filter.Clamp()

	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	args := []interface{}{}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Skip)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Count returns the number of submissions matching kind ("" counts all).
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	var count int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE kind = $1`, kind).Scan(&count)
	}
	return count, err
}

// UpdateStatus moves a submission to a new triage state.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExistsByEmail reports whether a submission of the given kind already exists
// for the email. Used to keep repeat signups from re-entering the drip flow.
func (s *Store) ExistsByEmail(ctx context.Context, kind, email string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE kind = $1 AND email = $2`,
		kind, email).Scan(&count)
	return count > 0, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	err := row.Scan(&sub.ID, &sub.Kind, &sub.Name, &sub.Email, &sub.Phone,
		&sub.FreeText, &sub.Category, &sub.SourceIP, &sub.UserAgent,
		&sub.Status, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
