package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zenith-oss/groupguard/internal/db"
)

type fakeMembershipStore struct {
	upserts atomic.Int64
	gets    atomic.Int64
	records map[string]time.Time
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{records: make(map[string]time.Time)}
}

func (f *fakeMembershipStore) UpsertMembership(_ context.Context, userID, chatID int64, joinedAt time.Time) error {
	f.upserts.Add(1)
	f.records[pairKey(chatID, userID)] = joinedAt
	return nil
}

func (f *fakeMembershipStore) GetMembership(_ context.Context, userID, chatID int64) (*db.MembershipRecord, error) {
	f.gets.Add(1)
	joinedAt, ok := f.records[pairKey(chatID, userID)]
	if !ok {
		return nil, nil
	}
	return &db.MembershipRecord{UserID: userID, ChatID: chatID, JoinedAt: joinedAt}, nil
}

func TestRegisterJoinDebouncesRepeatWrites(t *testing.T) {
	t.Parallel()

	fake := newFakeMembershipStore()
	ledger := NewMembershipLedger(fake, 24*time.Hour, time.Minute, time.Hour)
	current := time.Unix(1_700_000_000, 0)
	ledger.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
			t.Fatalf("register join: %v", err)
		}
		current = current.Add(5 * time.Second)
	}
	if n := fake.upserts.Load(); n != 1 {
		t.Fatalf("expected one write for joins inside the debounce window, got %d", n)
	}

	current = current.Add(2 * time.Minute)
	if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
		t.Fatalf("register join after debounce: %v", err)
	}
	if n := fake.upserts.Load(); n != 2 {
		t.Fatalf("expected a second write once the debounce expired, got %d", n)
	}
}

func TestIsQuarantinedHonorsWindowBoundary(t *testing.T) {
	t.Parallel()

	fake := newFakeMembershipStore()
	ledger := NewMembershipLedger(fake, 24*time.Hour, time.Minute, time.Hour)
	joined := time.Unix(1_700_000_000, 0)
	current := joined
	ledger.now = func() time.Time { return current }

	if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
		t.Fatalf("register join: %v", err)
	}

	for _, tt := range []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"just joined", 0, true},
		{"mid window", 12 * time.Hour, true},
		{"one second short", 24*time.Hour - time.Second, true},
		{"exactly at boundary", 24 * time.Hour, false},
	} {
		current = joined.Add(tt.elapsed)
		got, err := ledger.IsQuarantined(context.Background(), 42, -100)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: quarantined = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsQuarantinedCachesClearance(t *testing.T) {
	t.Parallel()

	fake := newFakeMembershipStore()
	ledger := NewMembershipLedger(fake, 24*time.Hour, time.Minute, time.Hour)
	current := time.Unix(1_700_000_000, 0)
	ledger.now = func() time.Time { return current }

	if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
		t.Fatalf("register join: %v", err)
	}
	current = current.Add(25 * time.Hour)

	for i := 0; i < 4; i++ {
		got, err := ledger.IsQuarantined(context.Background(), 42, -100)
		if err != nil {
			t.Fatalf("quarantine check: %v", err)
		}
		if got {
			t.Fatal("member past the window must not be quarantined")
		}
	}
	if n := fake.gets.Load(); n != 1 {
		t.Fatalf("expected one read before the clearance marker kicked in, got %d", n)
	}
}

func TestRegisterJoinResetsClearance(t *testing.T) {
	t.Parallel()

	fake := newFakeMembershipStore()
	ledger := NewMembershipLedger(fake, 24*time.Hour, time.Minute, time.Hour)
	current := time.Unix(1_700_000_000, 0)
	ledger.now = func() time.Time { return current }

	if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
		t.Fatalf("first join: %v", err)
	}
	current = current.Add(25 * time.Hour)
	if got, err := ledger.IsQuarantined(context.Background(), 42, -100); err != nil || got {
		t.Fatalf("expected cleared member, got quarantined=%v err=%v", got, err)
	}

	// A fresh join restarts the probation clock for a returning member.
	if err := ledger.RegisterJoin(context.Background(), 42, -100); err != nil {
		t.Fatalf("re-join: %v", err)
	}
	current = current.Add(time.Hour)
	got, err := ledger.IsQuarantined(context.Background(), 42, -100)
	if err != nil {
		t.Fatalf("quarantine check after re-join: %v", err)
	}
	if !got {
		t.Fatal("re-joined member must be quarantined again")
	}
}

func TestUnknownMemberIsNotQuarantined(t *testing.T) {
	t.Parallel()

	fake := newFakeMembershipStore()
	ledger := NewMembershipLedger(fake, 24*time.Hour, time.Minute, time.Hour)

	got, err := ledger.IsQuarantined(context.Background(), 7, -100)
	if err != nil {
		t.Fatalf("quarantine check: %v", err)
	}
	if got {
		t.Fatal("member with no join record must not be quarantined")
	}
}
