package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/db"
)

func (s *sqliteClient) GetChatConfig(ctx context.Context, chatID int64) (*db.ChatConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var cfg db.ChatConfig
	err := db.WithRetry(ctx, "get chat config", func() error {
		return s.db.GetContext(ctx, &cfg, `SELECT * FROM chat_configuration WHERE chat_id = ?`, chatID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *sqliteClient) UpsertChatConfig(ctx context.Context, cfg *db.ChatConfig) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO chat_configuration (chat_id, owner_id, chat_title, features, strength, active, setup_at)
		VALUES (:chat_id, :owner_id, :chat_title, :features, :strength, :active, :setup_at)
		ON CONFLICT(chat_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		chat_title = excluded.chat_title,
		features = excluded.features,
		strength = excluded.strength,
		active = excluded.active
	`
	return db.WithRetry(ctx, "upsert chat config", func() error {
		_, err := s.db.NamedExecContext(ctx, query, cfg)
		return err
	})
}

func (s *sqliteClient) SetChatActive(ctx context.Context, chatID int64, active bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return db.WithRetry(ctx, "set chat active", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE chat_configuration SET active = ? WHERE chat_id = ?`, active, chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return db.ErrNotFound
		}
		return nil
	})
}

func (s *sqliteClient) GetOwnedChats(ctx context.Context, ownerID int64) ([]*db.ChatConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var chats []*db.ChatConfig
	err := db.WithRetry(ctx, "get owned chats", func() error {
		return s.db.SelectContext(ctx, &chats, `
			SELECT * FROM chat_configuration
			WHERE owner_id = ?
			ORDER BY setup_at DESC
		`, ownerID)
	})
	return chats, err
}

func (s *sqliteClient) WipeChat(ctx context.Context, chatID int64, ownerID int64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rollback := true
	defer func() {
		if rollback {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.WithError(err).Error("failed to rollback transaction")
			}
		}
	}()

	var owned int
	if err := tx.GetContext(ctx, &owned,
		`SELECT COUNT(*) FROM chat_configuration WHERE chat_id = ? AND owner_id = ?`, chatID, ownerID); err != nil {
		return false, err
	}
	if owned == 0 {
		return false, nil
	}

	for _, query := range []string{
		`DELETE FROM violation_record WHERE chat_id = ?`,
		`DELETE FROM membership_record WHERE chat_id = ?`,
		`DELETE FROM chat_custom_words WHERE chat_id = ?`,
		`DELETE FROM chat_configuration WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, chatID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	rollback = false
	return true, nil
}

func (s *sqliteClient) MigrateChat(ctx context.Context, oldID int64, newID int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	rollback := true
	defer func() {
		if rollback {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.WithError(err).Error("failed to rollback transaction")
			}
		}
	}()

	for _, query := range []string{
		`UPDATE chat_configuration SET chat_id = ? WHERE chat_id = ?`,
		`UPDATE violation_record SET chat_id = ? WHERE chat_id = ?`,
		`UPDATE membership_record SET chat_id = ? WHERE chat_id = ?`,
		`UPDATE chat_custom_words SET chat_id = ? WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, newID, oldID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	rollback = false
	return nil
}
