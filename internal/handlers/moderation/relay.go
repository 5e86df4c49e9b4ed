package moderation

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zenith-oss/groupguard/internal/telegram"
)

type relayOps interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// NotificationRelay is the single egress point for operator-facing texts.
// Every send holds one permit from a shared pool so a burst of verdicts
// cannot trip the platform's rate limits.
type NotificationRelay struct {
	ops        relayOps
	permits    *semaphore.Weighted
	autoDelete time.Duration

	runMutex   sync.Mutex
	started    bool
	runtimeCtx context.Context
	runCancel  context.CancelFunc
	workersWg  sync.WaitGroup
}

func NewNotificationRelay(ops relayOps, permits int64, autoDelete time.Duration) *NotificationRelay {
	if permits < 1 {
		permits = 1
	}
	if autoDelete <= 0 {
		autoDelete = 5 * time.Second
	}
	return &NotificationRelay{
		ops:        ops,
		permits:    semaphore.NewWeighted(permits),
		autoDelete: autoDelete,
	}
}

func (r *NotificationRelay) Start(ctx context.Context) error {
	r.runMutex.Lock()
	defer r.runMutex.Unlock()
	if r.started {
		return nil
	}
	r.runtimeCtx, r.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.started = true
	return nil
}

func (r *NotificationRelay) Stop(ctx context.Context) error {
	r.runMutex.Lock()
	if !r.started {
		r.runMutex.Unlock()
		return nil
	}
	r.started = false
	cancel := r.runCancel
	r.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyOwner delivers a direct message to the chat owner. When the owner
// has never started the bot or has blocked it, the text falls back to a
// public in-chat mention so the alert is not silently lost.
func (r *NotificationRelay) NotifyOwner(ctx context.Context, ownerID, chatID int64, ownerName, text string) error {
	if err := r.permits.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquire send permit")
	}
	defer r.permits.Release(1)

	_, err := r.ops.SendMessage(ctx, ownerID, text)
	if err == nil {
		return nil
	}
	if telegram.Classify(err) != telegram.OutcomeAuthorization {
		return errors.Wrap(err, "notify owner")
	}

	r.getLogEntry().WithField("owner_id", ownerID).Info("owner unreachable by direct message, falling back to public mention")
	mention := tool.ExecTemplate(`<a href="tg://user?id={{ .owner_id }}">{{ .owner_name }}</a> {{ .text }}`, map[string]any{
		"owner_id":   ownerID,
		"owner_name": api.EscapeText(api.ModeHTML, ownerName),
		"text":       text,
	})
	if _, err := r.ops.SendMessage(ctx, chatID, mention); err != nil {
		return errors.Wrap(err, "notify owner via chat")
	}
	return nil
}

// NotifyChat posts a short-lived warning into the chat and schedules its
// removal so enforcement does not add to the noise it polices.
func (r *NotificationRelay) NotifyChat(ctx context.Context, chatID int64, text string) error {
	if err := r.permits.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquire send permit")
	}
	defer r.permits.Release(1)

	messageID, err := r.ops.SendMessage(ctx, chatID, text)
	if err != nil {
		return errors.Wrap(err, "notify chat")
	}

	r.scheduleAfter(r.autoDelete, func(runCtx context.Context) {
		if err := r.ops.DeleteMessage(runCtx, chatID, messageID); err != nil {
			r.getLogEntry().WithError(err).WithField("chat_id", chatID).Debug("failed to clean up warning")
		}
	})
	return nil
}

func (r *NotificationRelay) scheduleAfter(delay time.Duration, task func(ctx context.Context)) {
	runCtx := r.getRuntimeContext()
	r.workersWg.Add(1)
	go func() {
		defer r.workersWg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
			task(runCtx)
		}
	}()
}

func (r *NotificationRelay) getRuntimeContext() context.Context {
	r.runMutex.Lock()
	defer r.runMutex.Unlock()
	if r.runtimeCtx != nil {
		return r.runtimeCtx
	}
	return context.Background()
}

func (r *NotificationRelay) getLogEntry() *log.Entry {
	return log.WithField("object", "NotificationRelay")
}
