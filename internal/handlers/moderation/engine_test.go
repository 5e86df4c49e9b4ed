package moderation

import (
	"context"
	"strings"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/zenith-oss/groupguard/internal/db"
	"github.com/zenith-oss/groupguard/internal/event"
)

type fakeEngineOps struct {
	deleted    []int
	banned     []int64
	restricted []int64
	privileged map[int64]bool

	deleteErr   error
	banErr      error
	restrictErr error
	privErr     error
}

func (f *fakeEngineOps) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeEngineOps) BanMember(_ context.Context, _ int64, userID int64) error {
	if f.banErr != nil {
		return f.banErr
	}
	f.banned = append(f.banned, userID)
	return nil
}

func (f *fakeEngineOps) RestrictMember(_ context.Context, _ int64, userID int64, _ time.Time) error {
	if f.restrictErr != nil {
		return f.restrictErr
	}
	f.restricted = append(f.restricted, userID)
	return nil
}

func (f *fakeEngineOps) IsPrivileged(_ context.Context, _ int64, userID int64) (bool, error) {
	if f.privErr != nil {
		return false, f.privErr
	}
	return f.privileged[userID], nil
}

type fakeConfigProvider struct {
	configs  map[int64]*db.ChatConfig
	migrated [][2]int64
}

func (f *fakeConfigProvider) Get(_ context.Context, chatID int64) (*db.ChatConfig, error) {
	return f.configs[chatID], nil
}

func (f *fakeConfigProvider) SetActive(_ context.Context, chatID int64, active bool) error {
	if cfg, ok := f.configs[chatID]; ok {
		cfg.Active = active
	}
	return nil
}

func (f *fakeConfigProvider) Migrate(_ context.Context, oldID, newID int64) error {
	f.migrated = append(f.migrated, [2]int64{oldID, newID})
	if cfg, ok := f.configs[oldID]; ok {
		cfg.ChatID = newID
		f.configs[newID] = cfg
		delete(f.configs, oldID)
	}
	return nil
}

type fakeMembershipProvider struct {
	quarantined map[int64]bool
	joins       []int64
}

func (f *fakeMembershipProvider) RegisterJoin(_ context.Context, userID, _ int64) error {
	f.joins = append(f.joins, userID)
	return nil
}

func (f *fakeMembershipProvider) IsQuarantined(_ context.Context, userID, _ int64) (bool, error) {
	return f.quarantined[userID], nil
}

type fakeViolationProvider struct {
	strikes map[int64]int
}

func (f *fakeViolationProvider) Record(_ context.Context, userID, _ int64, threshold int) (int, bool, error) {
	f.strikes[userID]++
	if f.strikes[userID] >= threshold {
		count := f.strikes[userID]
		f.strikes[userID] = 0
		return count, true, nil
	}
	return f.strikes[userID], false, nil
}

func (f *fakeViolationProvider) Forgive(_ context.Context, userID, _ int64) (bool, error) {
	if f.strikes[userID] == 0 {
		return false, nil
	}
	delete(f.strikes, userID)
	return true, nil
}

type fakeNotifier struct {
	ownerAlerts []string
	chatAlerts  []string
}

func (f *fakeNotifier) NotifyOwner(_ context.Context, _, _ int64, _, text string) error {
	f.ownerAlerts = append(f.ownerAlerts, text)
	return nil
}

func (f *fakeNotifier) NotifyChat(_ context.Context, _ int64, text string) error {
	f.chatAlerts = append(f.chatAlerts, text)
	return nil
}

type engineFixture struct {
	engine     *EnforcementEngine
	ops        *fakeEngineOps
	configs    *fakeConfigProvider
	members    *fakeMembershipProvider
	violations *fakeViolationProvider
	notifier   *fakeNotifier
}

func newEngineFixture(t *testing.T, cfg *db.ChatConfig) *engineFixture {
	t.Helper()

	ops := &fakeEngineOps{privileged: map[int64]bool{}}
	configs := &fakeConfigProvider{configs: map[int64]*db.ChatConfig{}}
	if cfg != nil {
		configs.configs[cfg.ChatID] = cfg
	}
	members := &fakeMembershipProvider{quarantined: map[int64]bool{}}
	violations := &fakeViolationProvider{strikes: map[int64]int{}}
	notifier := &fakeNotifier{}

	classifier, _ := newTestClassifier(t, nil)
	flood := NewFloodDetector(10 * time.Second)

	engine := NewEnforcementEngine(ops, configs, members, violations, notifier, classifier, flood, EngineSettings{
		BaseStrikeThreshold: 3,
		BaseFloodThreshold:  7,
		RaidLockTTL:         30 * time.Minute,
	})
	return &engineFixture{
		engine:     engine,
		ops:        ops,
		configs:    configs,
		members:    members,
		violations: violations,
		notifier:   notifier,
	}
}

func activeConfig(chatID int64) *db.ChatConfig {
	cfg := db.DefaultChatConfig(chatID, 7, "test chat")
	cfg.Active = true
	return cfg
}

func abusiveMessage(chatID, userID int64, messageID int) *event.MessageEvent {
	return &event.MessageEvent{
		ChatID:    chatID,
		MessageID: messageID,
		Sender:    &api.User{ID: userID, FirstName: "Mallory"},
		Text:      "free money for everyone",
	}
}

func TestEngineWarnsBeforeThresholdThenBans(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		proceed, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, i))
		if err != nil {
			t.Fatalf("handle message %d: %v", i, err)
		}
		if proceed {
			t.Fatalf("violating message %d must not proceed", i)
		}
	}
	if len(f.ops.deleted) != 2 || len(f.ops.banned) != 0 {
		t.Fatalf("expected 2 deletes and no bans, got %v / %v", f.ops.deleted, f.ops.banned)
	}
	if len(f.notifier.chatAlerts) != 2 {
		t.Fatalf("expected 2 warnings, got %v", f.notifier.chatAlerts)
	}

	if _, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 3)); err != nil {
		t.Fatalf("handle third message: %v", err)
	}
	if len(f.ops.banned) != 1 || f.ops.banned[0] != 42 {
		t.Fatalf("third strike must ban the member, got %v", f.ops.banned)
	}

	// The ledger reset means the next violation starts a new count.
	if _, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 4)); err != nil {
		t.Fatalf("handle post-ban message: %v", err)
	}
	if len(f.ops.banned) != 1 {
		t.Fatalf("a fresh first strike must not ban, got %v", f.ops.banned)
	}
}

func TestEngineAlertsOwnerOnEveryEnforcement(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	ctx := context.Background()

	if _, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 1)); err != nil {
		t.Fatalf("handle warn: %v", err)
	}
	if len(f.notifier.ownerAlerts) != 1 || !strings.Contains(f.notifier.ownerAlerts[0], "warned") {
		t.Fatalf("warn must alert the owner, got %v", f.notifier.ownerAlerts)
	}

	for i := 2; i <= 3; i++ {
		if _, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, i)); err != nil {
			t.Fatalf("handle message %d: %v", i, err)
		}
	}
	if len(f.ops.banned) != 1 {
		t.Fatalf("third strike must ban, got %v", f.ops.banned)
	}
	if len(f.notifier.ownerAlerts) != 3 || !strings.Contains(f.notifier.ownerAlerts[2], "banned") {
		t.Fatalf("ban must alert the owner, got %v", f.notifier.ownerAlerts)
	}

	// Quarantine deletions are mirrored to the owner too.
	f.members.quarantined[77] = true
	if _, err := f.engine.Handle(ctx, &event.MessageEvent{
		ChatID: -100, MessageID: 9, Sender: &api.User{ID: 77}, Text: "look", HasLink: true,
	}); err != nil {
		t.Fatalf("handle quarantine delete: %v", err)
	}
	if len(f.notifier.ownerAlerts) != 4 || !strings.Contains(f.notifier.ownerAlerts[3], "deleted") {
		t.Fatalf("quarantine delete must alert the owner, got %v", f.notifier.ownerAlerts)
	}
}

func TestEnginePrivilegedSenderBypassesDetectors(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.ops.privileged[42] = true

	proceed, err := f.engine.Handle(context.Background(), abusiveMessage(-100, 42, 1))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proceed || len(f.ops.deleted) != 0 {
		t.Fatal("privileged senders must pass untouched")
	}
}

func TestEngineIgnoresInactiveAndUnknownChats(t *testing.T) {
	t.Parallel()

	inactive := activeConfig(-100)
	inactive.Active = false
	f := newEngineFixture(t, inactive)
	ctx := context.Background()

	proceed, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 1))
	if err != nil || !proceed {
		t.Fatalf("inactive chat must pass, got proceed=%v err=%v", proceed, err)
	}
	proceed, err = f.engine.Handle(ctx, abusiveMessage(-999, 42, 1))
	if err != nil || !proceed {
		t.Fatalf("unconfigured chat must pass, got proceed=%v err=%v", proceed, err)
	}
	if len(f.ops.deleted) != 0 {
		t.Fatalf("no enforcement expected, got %v", f.ops.deleted)
	}
}

func TestEngineAutomatedSendersPass(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	ev := abusiveMessage(-100, 42, 1)
	ev.Automated = true

	proceed, err := f.engine.Handle(context.Background(), ev)
	if err != nil || !proceed {
		t.Fatalf("automated sender must pass, got proceed=%v err=%v", proceed, err)
	}
}

func TestEngineQuarantinedMediaIsDeletedWithoutStrike(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.members.quarantined[42] = true

	ev := &event.MessageEvent{
		ChatID:    -100,
		MessageID: 1,
		Sender:    &api.User{ID: 42},
		Text:      "hello there",
		HasLink:   true,
	}
	proceed, err := f.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if proceed || len(f.ops.deleted) != 1 {
		t.Fatal("quarantined link post must be deleted")
	}
	if f.violations.strikes[42] != 0 {
		t.Fatal("quarantine deletions must not count strikes")
	}
}

func TestEngineQuarantinedTextPasses(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.members.quarantined[42] = true

	ev := &event.MessageEvent{
		ChatID:    -100,
		MessageID: 1,
		Sender:    &api.User{ID: 42},
		Text:      "hello there",
	}
	proceed, err := f.engine.Handle(context.Background(), ev)
	if err != nil || !proceed {
		t.Fatalf("clean text from a quarantined member must pass, got proceed=%v err=%v", proceed, err)
	}
}

func TestEngineFloodStrikesAfterBurst(t *testing.T) {
	t.Parallel()

	cfg := activeConfig(-100)
	cfg.Features = db.FeaturesSpam
	cfg.Strength = db.StrengthStrict // flood threshold 5
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		proceed, err := f.engine.Handle(ctx, &event.MessageEvent{
			ChatID: -100, MessageID: i, Sender: &api.User{ID: 42}, Text: "hi",
		})
		if err != nil || !proceed {
			t.Fatalf("message %d must pass, got proceed=%v err=%v", i, proceed, err)
		}
	}
	proceed, err := f.engine.Handle(ctx, &event.MessageEvent{
		ChatID: -100, MessageID: 5, Sender: &api.User{ID: 42}, Text: "hi",
	})
	if err != nil {
		t.Fatalf("handle burst message: %v", err)
	}
	if proceed || len(f.ops.deleted) != 1 {
		t.Fatal("the burst message must be deleted")
	}
	if f.violations.strikes[42] != 1 {
		t.Fatalf("flood must count one strike, got %d", f.violations.strikes[42])
	}
}

func TestEngineCircuitBreakerOnLostPrivileges(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.ops.deleteErr = &api.Error{Code: 403, Message: "Forbidden: not enough rights to delete a message"}
	ctx := context.Background()

	proceed, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 1))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if proceed {
		t.Fatal("tripped circuit must swallow the event")
	}
	if cfg := f.configs.configs[-100]; cfg.Active {
		t.Fatal("chat must be deactivated after an authorization failure")
	}
	if len(f.notifier.ownerAlerts) != 1 {
		t.Fatalf("owner must be alerted exactly once, got %v", f.notifier.ownerAlerts)
	}

	// With the chat inactive the next event short-circuits entirely.
	f.ops.deleteErr = nil
	proceed, err = f.engine.Handle(ctx, abusiveMessage(-100, 42, 2))
	if err != nil || !proceed {
		t.Fatalf("deactivated chat must pass events through, got proceed=%v err=%v", proceed, err)
	}
	if len(f.ops.deleted) != 0 {
		t.Fatalf("no platform calls expected after the breaker opened, got %v", f.ops.deleted)
	}
}

func TestEngineRetryableDeleteFailureStaysActive(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.ops.deleteErr = &api.Error{Code: 500, Message: "Internal Server Error"}

	if _, err := f.engine.Handle(context.Background(), abusiveMessage(-100, 42, 1)); err == nil {
		t.Fatal("a transient failure must surface to the processor")
	}
	if cfg := f.configs.configs[-100]; !cfg.Active {
		t.Fatal("transient failures must not trip the circuit breaker")
	}
}

func TestEngineRegistersJoins(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	ev := &event.MembershipEvent{
		ChatID: -100,
		Joined: []*api.User{{ID: 1}, {ID: 2, IsBot: true}, {ID: 3}},
	}
	proceed, err := f.engine.Handle(context.Background(), ev)
	if err != nil || !proceed {
		t.Fatalf("join event must proceed, got proceed=%v err=%v", proceed, err)
	}
	if len(f.members.joins) != 2 {
		t.Fatalf("human joiners must be registered, got %v", f.members.joins)
	}
}

func TestEngineRaidLockRestrictsJoiners(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.engine.SetRaidLock(-100, true)

	ev := &event.MembershipEvent{
		ChatID:        -100,
		Joined:        []*api.User{{ID: 1}, {ID: 2}},
		JoinMessageID: 9,
	}
	if _, err := f.engine.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle raid join: %v", err)
	}
	if len(f.ops.restricted) != 2 {
		t.Fatalf("raid joiners must be muted, got %v", f.ops.restricted)
	}
	if len(f.ops.banned) != 0 {
		t.Fatalf("raid joiners must not be banned outright, got %v", f.ops.banned)
	}
	if len(f.ops.deleted) != 1 || f.ops.deleted[0] != 9 {
		t.Fatalf("the join announcement must be deleted, got %v", f.ops.deleted)
	}
	if len(f.members.joins) != 0 {
		t.Fatalf("raid joiners must not enter the ledger, got %v", f.members.joins)
	}
}

func TestEngineRaidLockRejectsNonPrivilegedMessages(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.engine.SetRaidLock(-100, true)
	ctx := context.Background()

	// A clean message from an established, non-quarantined member is
	// still rejected while the lock holds.
	ev := &event.MessageEvent{
		ChatID:    -100,
		MessageID: 1,
		Sender:    &api.User{ID: 42},
		Text:      "hello there",
	}
	proceed, err := f.engine.Handle(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if proceed || len(f.ops.deleted) != 1 {
		t.Fatalf("raid lock must reject the message, got proceed=%v deleted=%v", proceed, f.ops.deleted)
	}
	if f.violations.strikes[42] != 0 {
		t.Fatal("raid lock deletions must not count strikes")
	}

	f.ops.privileged[7] = true
	proceed, err = f.engine.Handle(ctx, &event.MessageEvent{
		ChatID: -100, MessageID: 2, Sender: &api.User{ID: 7}, Text: "calm down everyone",
	})
	if err != nil || !proceed {
		t.Fatalf("admins must speak through a raid lock, got proceed=%v err=%v", proceed, err)
	}
}

func TestEngineRaidLockExpires(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	current := time.Unix(1_700_000_000, 0)
	f.engine.now = func() time.Time { return current }

	f.engine.SetRaidLock(-100, true)
	if !f.engine.RaidLocked(-100) {
		t.Fatal("raid lock must hold right after arming")
	}

	current = current.Add(31 * time.Minute)
	if f.engine.RaidLocked(-100) {
		t.Fatal("raid lock must expire on its own")
	}
}

func TestEngineBotRemovalDeactivatesChat(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	proceed, err := f.engine.Handle(context.Background(), &event.MembershipEvent{ChatID: -100, BotRemoved: true})
	if err != nil {
		t.Fatalf("handle removal: %v", err)
	}
	if proceed {
		t.Fatal("removal must stop the chain")
	}
	if cfg := f.configs.configs[-100]; cfg.Active {
		t.Fatal("removal must deactivate the chat")
	}
}

func TestEngineMigrationRekeysAndCarriesRaidLock(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	f.engine.SetRaidLock(-100, true)

	if _, err := f.engine.Handle(context.Background(), &event.MigrationEvent{OldChatID: -100, NewChatID: -1000100}); err != nil {
		t.Fatalf("handle migration: %v", err)
	}
	if len(f.configs.migrated) != 1 || f.configs.migrated[0] != [2]int64{-100, -1000100} {
		t.Fatalf("migration must rekey the configuration, got %v", f.configs.migrated)
	}
	if f.engine.RaidLocked(-100) || !f.engine.RaidLocked(-1000100) {
		t.Fatal("raid lock must follow the chat to its new id")
	}
}

func TestEngineForgiveClearsLedger(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, activeConfig(-100))
	ctx := context.Background()

	if _, err := f.engine.Handle(ctx, abusiveMessage(-100, 42, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	forgiven, err := f.engine.Forgive(ctx, -100, 42)
	if err != nil || !forgiven {
		t.Fatalf("expected forgiveness, got %v err=%v", forgiven, err)
	}
	forgiven, err = f.engine.Forgive(ctx, -100, 42)
	if err != nil || forgiven {
		t.Fatalf("second forgive must find nothing, got %v err=%v", forgiven, err)
	}
}
