package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recado/app/core/db"
)

var ErrEmptyOwner = errors.New("history: owner must not be empty")

// Turn is one utterance in a conversation. Seq is assigned by the store
// and increases monotonically per insert order.
type Turn struct {
	Seq       int64
	ID        string
	Owner     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store persists conversation turns in sqlite. Turns are append-only;
// reads return a bounded window of the most recent ones.
type Store struct {
	database *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{database: database}
}

// Append records a single turn and returns it with its assigned seq.
func (s *Store) Append(owner, role, content string) (*Turn, error) {
	if owner == "" {
		return nil, ErrEmptyOwner
	}
	turn := &Turn{
		ID:        uuid.NewString(),
		Owner:     owner,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	res, err := s.database.Conn().Exec(
		`INSERT INTO conversation_turns (id, owner, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, turn.Owner, turn.Role, turn.Content, turn.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}
	turn.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read turn seq: %w", err)
	}
	return turn, nil
}

// AppendExchange records a user turn and its assistant reply in one
// transaction, so a crash can never leave a question without its answer
// or an answer without its question.
func (s *Store) AppendExchange(owner, userContent, assistantContent string) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	tx, err := s.database.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin exchange: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO conversation_turns (id, owner, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), owner, "user", userContent, now,
	); err != nil {
		return fmt.Errorf("failed to append user turn: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO conversation_turns (id, owner, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), owner, "assistant", assistantContent, now,
	); err != nil {
		return fmt.Errorf("failed to append assistant turn: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to limit of the owner's newest turns in chronological
// order. Older turns beyond the window are simply not returned.
func (s *Store) Recent(owner string, limit int) ([]*Turn, error) {
	if owner == "" {
		return nil, ErrEmptyOwner
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.database.Conn().Query(
		`SELECT seq, id, owner, role, content, created_at
		 FROM conversation_turns WHERE owner = ?
		 ORDER BY seq DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Purge removes all turns for an owner.
func (s *Store) Purge(owner string) (int64, error) {
	if owner == "" {
		return 0, ErrEmptyOwner
	}
	res, err := s.database.Conn().Exec(`DELETE FROM conversation_turns WHERE owner = ?`, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to purge turns: %w", err)
	}
	return res.RowsAffected()
}

func scanTurns(rows *sql.Rows) ([]*Turn, error) {
	var turns []*Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.Seq, &t.ID, &t.Owner, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}
