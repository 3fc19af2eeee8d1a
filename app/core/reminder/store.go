package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"recado/app/core/db"
)

const (
	KindAt   = "at"
	KindCron = "cron"

	StateScheduled = "scheduled"
	StateFired     = "fired"
	StateMisfired  = "misfired"
	StateCancelled = "cancelled"
)

var (
	ErrNotFound      = errors.New("reminder: not found")
	ErrNotCancelable = errors.New("reminder: only scheduled reminders can be cancelled")
)

// Reminder is one durable notification job. FireAt is the next due time;
// for kind=cron it advances after every successful delivery.
type Reminder struct {
	ID            string
	Owner         string
	Kind          string
	Spec          string
	FireAt        time.Time
	Payload       string
	State         string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store struct {
	database *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{database: database}
}

func (s *Store) Create(ctx context.Context, r Reminder) (Reminder, error) {
	now := time.Now()
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if r.Kind == "" {
		r.Kind = KindAt
	}
	r.State = StateScheduled
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.database.Conn().ExecContext(ctx, `
		INSERT INTO reminders(id, owner, kind, spec, fire_at, payload, state, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)
	`, r.ID, r.Owner, r.Kind, r.Spec, r.FireAt.Unix(), r.Payload, r.State, r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to create reminder: %w", err)
	}
	return s.Get(ctx, r.ID)
}

func (s *Store) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.database.Conn().QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// ListDue returns scheduled reminders whose fire time has arrived and whose
// retry backoff, if any, has elapsed.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.database.Conn().QueryContext(ctx, selectColumns+`
		WHERE state = ? AND fire_at <= ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY fire_at ASC
		LIMIT ?
	`, StateScheduled, now.Unix(), now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) ListMisfired(ctx context.Context, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.database.Conn().QueryContext(ctx, selectColumns+`
		WHERE state = ?
		ORDER BY fire_at ASC
		LIMIT ?
	`, StateMisfired, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.database.Conn().QueryContext(ctx, selectColumns+`
		WHERE owner = ? AND state = ?
		ORDER BY fire_at ASC
		LIMIT ?
	`, owner, StateScheduled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

// Transition moves a reminder from one state to another. The WHERE clause
// on the current state makes the transition atomic: only one caller can
// win, so a reminder fires at most once.
func (s *Store) Transition(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, to, time.Now().Unix(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordFailure bumps the attempt counter and pushes the next delivery
// attempt into the future. The reminder stays scheduled.
func (s *Store) RecordFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	_, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, attempts, nextAttemptAt.Unix(), lastErr, time.Now().Unix(), id)
	return err
}

// MarkMisfired gives up on delivery. Scheduled is the only source state.
func (s *Store) MarkMisfired(ctx context.Context, id string, reason string) (bool, error) {
	res, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?
	`, StateMisfired, reason, time.Now().Unix(), id, StateScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkMisfiredBefore flags every scheduled reminder whose fire time fell
// before the cutoff. Used at startup recovery.
func (s *Store) MarkMisfiredBefore(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET state = ?, last_error = ?, updated_at = ? WHERE state = ? AND fire_at < ?
	`, StateMisfired, reason, time.Now().Unix(), StateScheduled, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reschedule resets a reminder to its next occurrence. Attempts and backoff
// are cleared.
func (s *Store) Reschedule(ctx context.Context, id string, fireAt time.Time) error {
	_, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET state = ?, fire_at = ?, attempts = 0, next_attempt_at = NULL, updated_at = ? WHERE id = ?
	`, StateScheduled, fireAt.Unix(), time.Now().Unix(), id)
	return err
}

// Cancel transitions an owner's scheduled reminder to cancelled. Reminders
// that already fired, misfired, or belong to someone else are untouched.
func (s *Store) Cancel(ctx context.Context, owner, id string) error {
	res, err := s.database.Conn().ExecContext(ctx, `
		UPDATE reminders SET state = ?, updated_at = ? WHERE id = ? AND owner = ? AND state = ?
	`, StateCancelled, time.Now().Unix(), id, owner, StateScheduled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return ErrNotCancelable
	}
	return nil
}

const selectColumns = `
	SELECT id, owner, kind, spec, fire_at, payload, state, attempts, next_attempt_at, last_error, created_at, updated_at
	FROM reminders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r           Reminder
		fireAt      int64
		nextAttempt sql.NullInt64
		lastErr     sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&r.ID, &r.Owner, &r.Kind, &r.Spec, &fireAt, &r.Payload, &r.State,
		&r.Attempts, &nextAttempt, &lastErr, &createdAt, &updatedAt,
	); err != nil {
		return Reminder{}, err
	}
	r.FireAt = time.Unix(fireAt, 0)
	if nextAttempt.Valid {
		r.NextAttemptAt = time.Unix(nextAttempt.Int64, 0)
	}
	r.LastError = lastErr.String
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return r, nil
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	items := make([]Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}
