package db

import (
	"context"
	"time"
)

type Client interface {
	Close() error

	// Chat configuration
	GetChatConfig(ctx context.Context, chatID int64) (*ChatConfig, error)
	UpsertChatConfig(ctx context.Context, cfg *ChatConfig) error
	SetChatActive(ctx context.Context, chatID int64, active bool) error
	GetOwnedChats(ctx context.Context, ownerID int64) ([]*ChatConfig, error)
	WipeChat(ctx context.Context, chatID int64, ownerID int64) (bool, error)
	MigrateChat(ctx context.Context, oldID int64, newID int64) error

	// Violation counters
	IncrementStrikes(ctx context.Context, userID, chatID int64, at time.Time) (int, error)
	ResetStrikes(ctx context.Context, userID, chatID int64) error
	DeleteStrikes(ctx context.Context, userID, chatID int64) (bool, error)
	GetViolation(ctx context.Context, userID, chatID int64) (*ViolationRecord, error)

	// Membership timestamps
	UpsertMembership(ctx context.Context, userID, chatID int64, joinedAt time.Time) error
	GetMembership(ctx context.Context, userID, chatID int64) (*MembershipRecord, error)

	// Per-chat vocabulary
	AddCustomWord(ctx context.Context, chatID int64, word string, addedBy int64) (bool, error)
	RemoveCustomWord(ctx context.Context, chatID int64, word string) (bool, error)
	ListCustomWords(ctx context.Context, chatID int64) ([]string, error)
	CountCustomWords(ctx context.Context, chatID int64) (int, error)
}
