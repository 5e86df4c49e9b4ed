package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type violationStore interface {
	IncrementStrikes(ctx context.Context, userID, chatID int64, at time.Time) (int, error)
	ResetStrikes(ctx context.Context, userID, chatID int64) error
	DeleteStrikes(ctx context.Context, userID, chatID int64) (bool, error)
}

// ViolationLedger wraps the atomic strike counter. Record returns the
// post-increment count so the caller can pick warn vs ban without a second
// round trip; crossing the threshold resets the stored counter to zero as
// part of the same logical operation.
type ViolationLedger struct {
	store violationStore
	now   func() time.Time
}

func NewViolationLedger(store violationStore) *ViolationLedger {
	return &ViolationLedger{store: store, now: time.Now}
}

func (l *ViolationLedger) Record(ctx context.Context, userID, chatID int64, threshold int) (strikes int, banned bool, err error) {
	strikes, err = l.store.IncrementStrikes(ctx, userID, chatID, l.now())
	if err != nil {
		return 0, false, errors.Wrap(err, "increment strikes")
	}
	if threshold > 0 && strikes >= threshold {
		if err := l.store.ResetStrikes(ctx, userID, chatID); err != nil {
			return strikes, true, errors.Wrap(err, "reset strikes after ban")
		}
		return strikes, true, nil
	}
	return strikes, false, nil
}

// Forgive clears the user's strikes. It is idempotent: the second call
// reports there was nothing to forgive.
func (l *ViolationLedger) Forgive(ctx context.Context, userID, chatID int64) (bool, error) {
	forgiven, err := l.store.DeleteStrikes(ctx, userID, chatID)
	if err != nil {
		return false, errors.Wrap(err, "delete strikes")
	}
	return forgiven, nil
}
