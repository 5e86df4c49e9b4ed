package db

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	FeaturesAbuse = "abuse"
	FeaturesSpam  = "spam"
	FeaturesBoth  = "both"

	StrengthLow    = "low"
	StrengthMedium = "medium"
	StrengthStrict = "strict"
)

type (
	// ChatConfig is the persisted configuration of a monitored chat. At most
	// one row exists per chat id; Active=false means no enforcement happens.
	ChatConfig struct {
		ChatID    int64     `db:"chat_id"`
		OwnerID   int64     `db:"owner_id"`
		ChatTitle string    `db:"chat_title"`
		Features  string    `db:"features"`
		Strength  string    `db:"strength"`
		Active    bool      `db:"active"`
		SetupAt   time.Time `db:"setup_at"`
	}

	ViolationRecord struct {
		UserID        int64      `db:"user_id"`
		ChatID        int64      `db:"chat_id"`
		StrikeCount   int        `db:"strike_count"`
		LastViolation *time.Time `db:"last_violation"`
	}

	MembershipRecord struct {
		UserID   int64     `db:"user_id"`
		ChatID   int64     `db:"chat_id"`
		JoinedAt time.Time `db:"joined_at"`
	}

	CustomWord struct {
		ChatID  int64     `db:"chat_id"`
		Word    string    `db:"word"`
		AddedBy int64     `db:"added_by"`
		AddedAt time.Time `db:"added_at"`
	}
)

func DefaultChatConfig(chatID, ownerID int64, title string) *ChatConfig {
	return &ChatConfig{
		ChatID:    chatID,
		OwnerID:   ownerID,
		ChatTitle: title,
		Features:  FeaturesBoth,
		Strength:  StrengthMedium,
		Active:    false,
		SetupAt:   time.Now().UTC(),
	}
}

func (c *ChatConfig) ContentEnabled() bool {
	if c == nil {
		return false
	}
	return c.Features == FeaturesAbuse || c.Features == FeaturesBoth
}

func (c *ChatConfig) FloodEnabled() bool {
	if c == nil {
		return false
	}
	return c.Features == FeaturesSpam || c.Features == FeaturesBoth
}

// StrikeThreshold maps the strictness tier onto the configured base
// threshold: a forgiving tier tolerates more strikes before a ban.
func (c *ChatConfig) StrikeThreshold(base int) int {
	if base < 1 {
		base = 1
	}
	if c == nil {
		return base
	}
	switch c.Strength {
	case StrengthLow:
		return base + 2
	case StrengthStrict:
		if base <= 2 {
			return base
		}
		return base - 1
	default:
		return base
	}
}

func (c *ChatConfig) FloodThreshold(base int) int {
	if base < 2 {
		base = 2
	}
	if c == nil {
		return base
	}
	switch c.Strength {
	case StrengthLow:
		return base + 3
	case StrengthStrict:
		if base <= 4 {
			return 2
		}
		return base - 2
	default:
		return base
	}
}
