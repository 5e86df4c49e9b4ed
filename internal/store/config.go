package store

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/db"
)

type configStore interface {
	GetChatConfig(ctx context.Context, chatID int64) (*db.ChatConfig, error)
	UpsertChatConfig(ctx context.Context, cfg *db.ChatConfig) error
	SetChatActive(ctx context.Context, chatID int64, active bool) error
	GetOwnedChats(ctx context.Context, ownerID int64) ([]*db.ChatConfig, error)
	WipeChat(ctx context.Context, chatID int64, ownerID int64) (bool, error)
	MigrateChat(ctx context.Context, oldID int64, newID int64) error
}

type configEntry struct {
	cfg       *db.ChatConfig
	fetchedAt time.Time
}

// ConfigStore serves per-chat configuration from a TTL read cache. Cache
// population on a miss is serialized behind one process-wide mutex, so a
// burst of lookups for the same cold chat collapses into a single query.
// Absent rows are cached too; every mutation writes the database first and
// only then touches the cache.
type ConfigStore struct {
	store configStore
	ttl   time.Duration

	populateMu sync.Mutex
	cacheMu    sync.RWMutex
	cache      map[int64]configEntry

	now func() time.Time
}

func NewConfigStore(store configStore, ttl time.Duration) *ConfigStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConfigStore{
		store: store,
		ttl:   ttl,
		cache: make(map[int64]configEntry),
		now:   time.Now,
	}
}

// Get returns the chat configuration, or nil when the chat was never set up.
func (s *ConfigStore) Get(ctx context.Context, chatID int64) (*db.ChatConfig, error) {
	if cfg, ok := s.cached(chatID); ok {
		return cfg, nil
	}

	// Concurrent misses for the same cold chat must not each hit the
	// database; one population runs, the rest re-check the cache.
	s.populateMu.Lock()
	defer s.populateMu.Unlock()

	if cfg, ok := s.cached(chatID); ok {
		return cfg, nil
	}

	cfg, err := s.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	}
	s.put(chatID, cfg)
	return cfg, nil
}

func (s *ConfigStore) Upsert(ctx context.Context, cfg *db.ChatConfig) error {
	if err := s.store.UpsertChatConfig(ctx, cfg); err != nil {
		return err
	}
	s.put(cfg.ChatID, cfg)
	return nil
}

func (s *ConfigStore) SetActive(ctx context.Context, chatID int64, active bool) error {
	if err := s.store.SetChatActive(ctx, chatID, active); err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if entry, ok := s.cache[chatID]; ok && entry.cfg != nil {
		updated := *entry.cfg
		updated.Active = active
		s.cache[chatID] = configEntry{cfg: &updated, fetchedAt: s.now()}
	}
	return nil
}

func (s *ConfigStore) Owned(ctx context.Context, ownerID int64) ([]*db.ChatConfig, error) {
	return s.store.GetOwnedChats(ctx, ownerID)
}

func (s *ConfigStore) Wipe(ctx context.Context, chatID int64, ownerID int64) (bool, error) {
	wiped, err := s.store.WipeChat(ctx, chatID, ownerID)
	if err != nil {
		return false, err
	}
	if wiped {
		s.Invalidate(chatID)
	}
	return wiped, nil
}

// Migrate rekeys every persisted row from the old chat id to the new one
// and drops both cache entries.
func (s *ConfigStore) Migrate(ctx context.Context, oldID int64, newID int64) error {
	if err := s.store.MigrateChat(ctx, oldID, newID); err != nil {
		return err
	}
	s.Invalidate(oldID)
	s.Invalidate(newID)
	log.WithFields(log.Fields{"old_id": oldID, "new_id": newID}).Info("chat id migrated")
	return nil
}

func (s *ConfigStore) Invalidate(chatID int64) {
	s.cacheMu.Lock()
	delete(s.cache, chatID)
	s.cacheMu.Unlock()
}

func (s *ConfigStore) cached(chatID int64) (*db.ChatConfig, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[chatID]
	if !ok || s.now().Sub(entry.fetchedAt) >= s.ttl {
		return nil, false
	}
	return entry.cfg, true
}

func (s *ConfigStore) put(chatID int64, cfg *db.ChatConfig) {
	s.cacheMu.Lock()
	s.cache[chatID] = configEntry{cfg: cfg, fetchedAt: s.now()}
	s.cacheMu.Unlock()
}
