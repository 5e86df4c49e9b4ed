package moderation

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/zenith-oss/groupguard/internal/bot"
	"github.com/zenith-oss/groupguard/internal/db"
	"github.com/zenith-oss/groupguard/internal/event"
	"github.com/zenith-oss/groupguard/internal/observability"
	"github.com/zenith-oss/groupguard/internal/telegram"
)

type engineOps interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	BanMember(ctx context.Context, chatID, userID int64) error
	RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error
	IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error)
}

type configProvider interface {
	Get(ctx context.Context, chatID int64) (*db.ChatConfig, error)
	SetActive(ctx context.Context, chatID int64, active bool) error
	Migrate(ctx context.Context, oldID, newID int64) error
}

type membershipProvider interface {
	RegisterJoin(ctx context.Context, userID, chatID int64) error
	IsQuarantined(ctx context.Context, userID, chatID int64) (bool, error)
}

type violationProvider interface {
	Record(ctx context.Context, userID, chatID int64, threshold int) (int, bool, error)
	Forgive(ctx context.Context, userID, chatID int64) (bool, error)
}

type notifier interface {
	NotifyOwner(ctx context.Context, ownerID, chatID int64, ownerName, text string) error
	NotifyChat(ctx context.Context, chatID int64, text string) error
}

// EngineSettings are the enforcement baselines before the per-chat
// strictness tier is applied.
type EngineSettings struct {
	BaseStrikeThreshold int
	BaseFloodThreshold  int
	RaidLockTTL         time.Duration
}

// EnforcementEngine drives the per-message decision chain: privileged
// senders pass untouched, raid locks and quarantine rules come before the
// lexical and flood detectors, and every violation feeds the strike
// ledger. An authorization failure on any platform call deactivates the
// chat and alerts the owner, so a bot stripped of its admin grants never
// half-enforces.
type EnforcementEngine struct {
	ops        engineOps
	configs    configProvider
	members    membershipProvider
	violations violationProvider
	relay      notifier
	classifier *ContentClassifier
	flood      *FloodDetector
	settings   EngineSettings

	raidMutex sync.Mutex
	raids     map[int64]time.Time

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup

	now func() time.Time
}

func NewEnforcementEngine(
	ops engineOps,
	configs configProvider,
	members membershipProvider,
	violations violationProvider,
	relay notifier,
	classifier *ContentClassifier,
	flood *FloodDetector,
	settings EngineSettings,
) *EnforcementEngine {
	if settings.BaseStrikeThreshold < 1 {
		settings.BaseStrikeThreshold = 3
	}
	if settings.BaseFloodThreshold < 2 {
		settings.BaseFloodThreshold = 7
	}
	if settings.RaidLockTTL <= 0 {
		settings.RaidLockTTL = 30 * time.Minute
	}
	return &EnforcementEngine{
		ops:        ops,
		configs:    configs,
		members:    members,
		violations: violations,
		relay:      relay,
		classifier: classifier,
		flood:      flood,
		settings:   settings,
		raids:      map[int64]time.Time{},
		now:        time.Now,
	}
}

func (e *EnforcementEngine) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCancel = cancel

	e.workersWg.Add(1)
	go func() {
		defer e.workersWg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.expireRaidLocks()
			}
		}
	}()

	e.started = true
	return nil
}

func (e *EnforcementEngine) Stop(ctx context.Context) error {
	e.runMutex.Lock()
	if !e.started {
		e.runMutex.Unlock()
		return nil
	}
	e.started = false
	cancel := e.runCancel
	e.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Handle dispatches one decoded event. The returned proceed flag tells
// the processor whether downstream handlers (commands) should still see
// the event.
func (e *EnforcementEngine) Handle(ctx context.Context, ev event.Event) (bool, error) {
	switch typed := ev.(type) {
	case *event.MessageEvent:
		return e.handleMessage(ctx, typed)
	case *event.MembershipEvent:
		return e.handleMembership(ctx, typed)
	case *event.MigrationEvent:
		return e.handleMigration(ctx, typed)
	default:
		return true, nil
	}
}

func (e *EnforcementEngine) handleMessage(ctx context.Context, ev *event.MessageEvent) (bool, error) {
	ctx, span := otel.Tracer("enforcement-engine").Start(ctx, "handle-message")
	defer span.End()

	entry := e.getLogEntry().WithFields(log.Fields{"chat_id": ev.ChatID, "user_id": ev.SenderID()})

	cfg, err := e.configs.Get(ctx, ev.ChatID)
	if err != nil {
		return true, errors.Wrap(err, "load chat configuration")
	}
	if cfg == nil || !cfg.Active {
		return true, nil
	}
	if ev.Automated || ev.IsCommand {
		return true, nil
	}

	privileged, err := e.ops.IsPrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil {
		if e.tripped(ctx, cfg, err) {
			return false, nil
		}
		entry.WithError(err).Warn("privilege check failed, leaving message alone")
		return true, nil
	}
	if privileged {
		return true, nil
	}

	// A raid lock rejects every message from a non-privileged sender
	// until it expires.
	if e.RaidLocked(ev.ChatID) {
		observability.RecordViolation("delete")
		if err := e.ops.DeleteMessage(ctx, ev.ChatID, ev.MessageID); err != nil && e.tripped(ctx, cfg, err) {
			return false, nil
		}
		return false, nil
	}

	quarantined, err := e.members.IsQuarantined(ctx, ev.SenderID(), ev.ChatID)
	if err != nil {
		entry.WithError(err).Warn("quarantine check failed")
		quarantined = false
	}

	if quarantined && (ev.HasMedia || ev.HasLink) {
		return e.enforce(ctx, cfg, ev, "delete", "new members cannot post media or links yet")
	}

	if cfg.ContentEnabled() {
		if violated, token := e.classifier.Classify(ctx, ev.ChatID, ev.Text); violated {
			entry.WithField("token", token).Info("lexical violation")
			return e.enforce(ctx, cfg, ev, "strike", "that message broke the chat rules")
		}
	}

	if cfg.FloodEnabled() {
		threshold := cfg.FloodThreshold(e.settings.BaseFloodThreshold)
		if e.flood.Observe(ev.ChatID, ev.SenderID(), ev.MediaGroupID, threshold) {
			entry.Info("flood violation")
			return e.enforce(ctx, cfg, ev, "strike", "please slow down")
		}
	}

	return true, nil
}

// enforce deletes the offending message and either warns or bans based on
// the strike ledger. The mode "delete" removes without counting a strike.
func (e *EnforcementEngine) enforce(ctx context.Context, cfg *db.ChatConfig, ev *event.MessageEvent, mode, reason string) (bool, error) {
	if err := e.ops.DeleteMessage(ctx, ev.ChatID, ev.MessageID); err != nil {
		if e.tripped(ctx, cfg, err) {
			return false, nil
		}
		return false, errors.Wrap(err, "delete message")
	}
	observability.RecordViolation("delete")

	userName := bot.GetUN(ev.Sender)

	if mode == "delete" {
		e.warn(ctx, ev, reason, 0, 0)
		e.alertOwner(ctx, cfg, tool.ExecTemplate(`🛡 <b>{{ .chat_title }}</b>: deleted a message from {{ .user_name }}: {{ .reason }}.`, map[string]any{
			"chat_title": api.EscapeText(api.ModeHTML, cfg.ChatTitle),
			"user_name":  api.EscapeText(api.ModeHTML, userName),
			"reason":     reason,
		}))
		return false, nil
	}

	threshold := cfg.StrikeThreshold(e.settings.BaseStrikeThreshold)
	strikes, banned, err := e.violations.Record(ctx, ev.SenderID(), ev.ChatID, threshold)
	if err != nil {
		return false, errors.Wrap(err, "record strike")
	}

	if !banned {
		observability.RecordViolation("warn")
		e.warn(ctx, ev, reason, strikes, threshold)
		e.alertOwner(ctx, cfg, tool.ExecTemplate(`🛡 <b>{{ .chat_title }}</b>: warned {{ .user_name }} ({{ .strikes }}/{{ .threshold }}): {{ .reason }}.`, map[string]any{
			"chat_title": api.EscapeText(api.ModeHTML, cfg.ChatTitle),
			"user_name":  api.EscapeText(api.ModeHTML, userName),
			"strikes":    strikes,
			"threshold":  threshold,
			"reason":     reason,
		}))
		return false, nil
	}

	if err := e.ops.BanMember(ctx, ev.ChatID, ev.SenderID()); err != nil {
		if e.tripped(ctx, cfg, err) {
			return false, nil
		}
		return false, errors.Wrap(err, "ban member")
	}
	observability.RecordViolation("ban")
	e.flood.Forget(ev.ChatID, ev.SenderID())
	observability.Logger.Warn("member banned",
		zap.Int64("chat_id", ev.ChatID),
		zap.Int64("user_id", ev.SenderID()),
		zap.Int("strikes", strikes),
	)
	e.alertOwner(ctx, cfg, tool.ExecTemplate(`🛡 <b>{{ .chat_title }}</b>: banned {{ .user_name }} after {{ .strikes }} strikes: {{ .reason }}.`, map[string]any{
		"chat_title": api.EscapeText(api.ModeHTML, cfg.ChatTitle),
		"user_name":  api.EscapeText(api.ModeHTML, userName),
		"strikes":    strikes,
		"reason":     reason,
	}))
	return false, nil
}

// alertOwner mirrors an enforcement action to the chat owner. Delivery
// failures are logged, never escalated.
func (e *EnforcementEngine) alertOwner(ctx context.Context, cfg *db.ChatConfig, text string) {
	if err := e.relay.NotifyOwner(ctx, cfg.OwnerID, cfg.ChatID, cfg.ChatTitle, text); err != nil {
		e.getLogEntry().WithError(err).WithField("chat_id", cfg.ChatID).Debug("failed to alert owner")
	}
}

func (e *EnforcementEngine) warn(ctx context.Context, ev *event.MessageEvent, reason string, strikes, threshold int) {
	text := tool.ExecTemplate(`🚫 {{ .user_name }}, {{ .reason }}{{ if .threshold }} ({{ .strikes }}/{{ .threshold }}){{ end }}`, map[string]any{
		"user_name": api.EscapeText(api.ModeHTML, bot.GetUN(ev.Sender)),
		"reason":    reason,
		"strikes":   strikes,
		"threshold": threshold,
	})
	if err := e.relay.NotifyChat(ctx, ev.ChatID, text); err != nil {
		e.getLogEntry().WithError(err).WithField("chat_id", ev.ChatID).Debug("failed to post warning")
	}
}

func (e *EnforcementEngine) handleMembership(ctx context.Context, ev *event.MembershipEvent) (bool, error) {
	entry := e.getLogEntry().WithField("chat_id", ev.ChatID)

	if ev.BotRemoved {
		entry.Warn("removed from chat, halting enforcement")
		if err := e.configs.SetActive(ctx, ev.ChatID, false); err != nil && !errors.Is(err, db.ErrNotFound) {
			return false, errors.Wrap(err, "deactivate chat")
		}
		return false, nil
	}

	cfg, err := e.configs.Get(ctx, ev.ChatID)
	if err != nil {
		return true, errors.Wrap(err, "load chat configuration")
	}
	if cfg == nil || !cfg.Active {
		return true, nil
	}

	raid := e.RaidLocked(ev.ChatID)
	for _, joined := range ev.Joined {
		if joined == nil || joined.IsBot {
			continue
		}
		if raid {
			// Joiners during a raid are muted for one lock window,
			// not banned.
			until := e.now().Add(e.settings.RaidLockTTL)
			if err := e.ops.RestrictMember(ctx, ev.ChatID, joined.ID, until); err != nil {
				if e.tripped(ctx, cfg, err) {
					return false, nil
				}
				entry.WithError(err).WithField("user_id", joined.ID).Warn("failed to restrict raid joiner")
			}
			observability.RecordViolation("restrict")
			continue
		}
		if err := e.members.RegisterJoin(ctx, joined.ID, ev.ChatID); err != nil {
			entry.WithError(err).WithField("user_id", joined.ID).Warn("failed to register join")
		}
	}

	if raid && ev.JoinMessageID != 0 {
		if err := e.ops.DeleteMessage(ctx, ev.ChatID, ev.JoinMessageID); err != nil && e.tripped(ctx, cfg, err) {
			return false, nil
		}
	}
	return true, nil
}

func (e *EnforcementEngine) handleMigration(ctx context.Context, ev *event.MigrationEvent) (bool, error) {
	if err := e.configs.Migrate(ctx, ev.OldChatID, ev.NewChatID); err != nil {
		return false, errors.Wrap(err, "migrate chat")
	}

	e.raidMutex.Lock()
	if lockedAt, ok := e.raids[ev.OldChatID]; ok {
		delete(e.raids, ev.OldChatID)
		e.raids[ev.NewChatID] = lockedAt
	}
	e.raidMutex.Unlock()
	return false, nil
}

// Forgive clears the member's strikes and flood window. Reports whether
// there was anything to forgive.
func (e *EnforcementEngine) Forgive(ctx context.Context, chatID, userID int64) (bool, error) {
	forgiven, err := e.violations.Forgive(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	e.flood.Forget(chatID, userID)
	return forgiven, nil
}

// SetRaidLock toggles the chat's raid lock. An enabled lock auto-expires.
func (e *EnforcementEngine) SetRaidLock(chatID int64, on bool) {
	e.raidMutex.Lock()
	if on {
		e.raids[chatID] = e.now()
	} else {
		delete(e.raids, chatID)
	}
	e.raidMutex.Unlock()
	e.getLogEntry().WithFields(log.Fields{"chat_id": chatID, "on": on}).Info("raid lock toggled")
}

func (e *EnforcementEngine) RaidLocked(chatID int64) bool {
	e.raidMutex.Lock()
	defer e.raidMutex.Unlock()
	lockedAt, ok := e.raids[chatID]
	if !ok {
		return false
	}
	if e.now().Sub(lockedAt) >= e.settings.RaidLockTTL {
		delete(e.raids, chatID)
		return false
	}
	return true
}

func (e *EnforcementEngine) expireRaidLocks() {
	e.raidMutex.Lock()
	defer e.raidMutex.Unlock()
	for chatID, lockedAt := range e.raids {
		if e.now().Sub(lockedAt) >= e.settings.RaidLockTTL {
			delete(e.raids, chatID)
		}
	}
}

// tripped opens the circuit breaker when the error means the bot lost its
// enforcement privileges: the chat goes inactive and the owner is told
// how to recover. Retryable errors report false and stay with the caller.
func (e *EnforcementEngine) tripped(ctx context.Context, cfg *db.ChatConfig, err error) bool {
	outcome := telegram.Classify(err)
	observability.RecordPlatformError(outcome.String())
	if outcome != telegram.OutcomeAuthorization {
		return false
	}

	entry := e.getLogEntry().WithField("chat_id", cfg.ChatID)
	entry.WithError(err).Warn("enforcement privileges lost, deactivating chat")

	if err := e.configs.SetActive(ctx, cfg.ChatID, false); err != nil {
		entry.WithError(err).Error("failed to deactivate chat")
	}

	text := tool.ExecTemplate(`⚠️ I can no longer enforce the rules in <b>{{ .chat_title }}</b>. Re-grant me the "delete messages" and "ban users" admin rights, then run /setup again.`, map[string]any{
		"chat_title": api.EscapeText(api.ModeHTML, cfg.ChatTitle),
	})
	if err := e.relay.NotifyOwner(ctx, cfg.OwnerID, cfg.ChatID, cfg.ChatTitle, text); err != nil {
		entry.WithError(err).Error("failed to alert owner")
	}
	return true
}

func (e *EnforcementEngine) getLogEntry() *log.Entry {
	return log.WithField("object", "EnforcementEngine")
}
