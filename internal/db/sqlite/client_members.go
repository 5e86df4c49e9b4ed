package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zenith-oss/groupguard/internal/db"
)

func (s *sqliteClient) UpsertMembership(ctx context.Context, userID, chatID int64, joinedAt time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO membership_record (user_id, chat_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
		joined_at = excluded.joined_at
	`
	return db.WithRetry(ctx, "upsert membership", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, chatID, joinedAt.UTC())
		return err
	})
}

func (s *sqliteClient) GetMembership(ctx context.Context, userID, chatID int64) (*db.MembershipRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var record db.MembershipRecord
	err := db.WithRetry(ctx, "get membership", func() error {
		return s.db.GetContext(ctx, &record,
			`SELECT * FROM membership_record WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *sqliteClient) AddCustomWord(ctx context.Context, chatID int64, word string, addedBy int64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return false, fmt.Errorf("empty word")
	}

	var added bool
	err := db.WithRetry(ctx, "add custom word", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_custom_words (chat_id, word, added_by, added_at)
			VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT(chat_id, word) DO NOTHING
		`, chatID, word, addedBy)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0
		return nil
	})
	return added, err
}

func (s *sqliteClient) RemoveCustomWord(ctx context.Context, chatID int64, word string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	word = strings.ToLower(strings.TrimSpace(word))

	var removed bool
	err := db.WithRetry(ctx, "remove custom word", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_custom_words WHERE chat_id = ? AND word = ?`, chatID, word)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

func (s *sqliteClient) ListCustomWords(ctx context.Context, chatID int64) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var words []string
	err := db.WithRetry(ctx, "list custom words", func() error {
		return s.db.SelectContext(ctx, &words,
			`SELECT word FROM chat_custom_words WHERE chat_id = ? ORDER BY word ASC`, chatID)
	})
	return words, err
}

func (s *sqliteClient) CountCustomWords(ctx context.Context, chatID int64) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var count int
	err := db.WithRetry(ctx, "count custom words", func() error {
		return s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM chat_custom_words WHERE chat_id = ?`, chatID)
	})
	return count, err
}
