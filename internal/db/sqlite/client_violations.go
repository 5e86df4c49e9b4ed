package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zenith-oss/groupguard/internal/db"
)

// IncrementStrikes is the single-statement insert-or-increment. Two
// violations racing for the same (user, chat) both land: no read-modify-write.
func (s *sqliteClient) IncrementStrikes(ctx context.Context, userID, chatID int64, at time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO violation_record (user_id, chat_id, strike_count, last_violation)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
		strike_count = strike_count + 1,
		last_violation = excluded.last_violation
		RETURNING strike_count
	`
	var strikes int
	err := db.WithRetry(ctx, "increment strikes", func() error {
		return s.db.GetContext(ctx, &strikes, query, userID, chatID, at.UTC())
	})
	if err != nil {
		return 0, err
	}
	return strikes, nil
}

func (s *sqliteClient) ResetStrikes(ctx context.Context, userID, chatID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return db.WithRetry(ctx, "reset strikes", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE violation_record SET strike_count = 0 WHERE user_id = ? AND chat_id = ?`, userID, chatID)
		return err
	})
}

func (s *sqliteClient) DeleteStrikes(ctx context.Context, userID, chatID int64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var deleted bool
	err := db.WithRetry(ctx, "delete strikes", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM violation_record WHERE user_id = ? AND chat_id = ?`, userID, chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (s *sqliteClient) GetViolation(ctx context.Context, userID, chatID int64) (*db.ViolationRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var record db.ViolationRecord
	err := db.WithRetry(ctx, "get violation", func() error {
		return s.db.GetContext(ctx, &record,
			`SELECT * FROM violation_record WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
