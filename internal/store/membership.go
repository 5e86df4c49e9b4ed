package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zenith-oss/groupguard/internal/db"
)

type membershipStore interface {
	UpsertMembership(ctx context.Context, userID, chatID int64, joinedAt time.Time) error
	GetMembership(ctx context.Context, userID, chatID int64) (*db.MembershipRecord, error)
}

// MembershipLedger tracks join timestamps for the quarantine window. A
// debounce cache suppresses redundant writes when a user rapidly leaves and
// rejoins, and a "cleared" cache skips the database once the window has
// definitively elapsed. Both caches are eventually consistent on purpose.
type MembershipLedger struct {
	store membershipStore

	quarantine time.Duration
	debounce   time.Duration
	clearedTTL time.Duration

	debounced sync.Map // "chat:user" -> time.Time of last write
	cleared   sync.Map // "chat:user" -> time.Time of clearance

	now func() time.Time
}

func NewMembershipLedger(store membershipStore, quarantine, debounce, clearedTTL time.Duration) *MembershipLedger {
	if quarantine <= 0 {
		quarantine = 24 * time.Hour
	}
	if debounce <= 0 {
		debounce = time.Minute
	}
	if clearedTTL <= 0 {
		clearedTTL = time.Hour
	}
	return &MembershipLedger{
		store:      store,
		quarantine: quarantine,
		debounce:   debounce,
		clearedTTL: clearedTTL,
		now:        time.Now,
	}
}

// RegisterJoin records (or refreshes) the join timestamp. Rejoins inside
// the debounce window skip the database write but still drop the cleared
// marker, so the user stays quarantined either way.
func (l *MembershipLedger) RegisterJoin(ctx context.Context, userID, chatID int64) error {
	key := pairKey(chatID, userID)
	l.cleared.Delete(key)

	if last, ok := l.debounced.Load(key); ok {
		if l.now().Sub(last.(time.Time)) < l.debounce {
			return nil
		}
	}

	if err := l.store.UpsertMembership(ctx, userID, chatID, l.now()); err != nil {
		return err
	}
	l.debounced.Store(key, l.now())
	return nil
}

// IsQuarantined reports whether the user joined less than the quarantine
// window ago. A user who joined at T is quarantined strictly before
// T+window and cleared at or after it.
func (l *MembershipLedger) IsQuarantined(ctx context.Context, userID, chatID int64) (bool, error) {
	key := pairKey(chatID, userID)

	if clearedAt, ok := l.cleared.Load(key); ok {
		if l.now().Sub(clearedAt.(time.Time)) < l.clearedTTL {
			return false, nil
		}
		l.cleared.Delete(key)
	}

	record, err := l.store.GetMembership(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	if record != nil && l.now().Sub(record.JoinedAt) < l.quarantine {
		return true, nil
	}
	l.cleared.Store(key, l.now())
	return false, nil
}

func pairKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}
