package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/policy/permissions"
)

// Outcome is the closed classification of a platform call result. Callers
// branch on this enum only, never on error message text.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetryable
	OutcomeAuthorization
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

var ErrUnauthorized = errors.New("platform privileges revoked")

const (
	privilegeCacheTTL = time.Minute
	maxSendAttempts   = 3
)

// Classify maps a platform error onto an Outcome. All knowledge about
// status codes and message spellings is confined here.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrUnauthorized) {
		return OutcomeAuthorization
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return OutcomeAuthorization
		case 429:
			return OutcomeRetryable
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "chat_admin_required"),
		strings.Contains(msg, "need administrator rights"),
		strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "message can't be deleted"),
		strings.Contains(msg, "forbidden"):
		return OutcomeAuthorization
	default:
		return OutcomeRetryable
	}
}

// retryAfter extracts the advertised flood-wait duration, when present.
func retryAfter(err error) time.Duration {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.ResponseParameters.RetryAfter > 0 {
		return time.Duration(apiErr.ResponseParameters.RetryAfter) * time.Second
	}
	return 0
}

type memberState struct {
	privileged bool
	checkedAt  time.Time
}

// Operations wraps the platform API for the enforcement path. Rate-limit
// responses are waited out for exactly the advertised duration inside the
// call; authorization failures are never retried.
type Operations struct {
	bot *api.BotAPI

	memberMu sync.RWMutex
	members  map[string]memberState

	now func() time.Time
}

func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{
		bot:     bot,
		members: make(map[string]memberState),
		now:     time.Now,
	}
}

func (o *Operations) request(ctx context.Context, c api.Chattable) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, err = o.bot.Request(c)
		if err == nil {
			return nil
		}
		wait := retryAfter(err)
		if wait == 0 || attempt == maxSendAttempts {
			return err
		}
		log.WithFields(log.Fields{
			"wait":    wait.String(),
			"attempt": attempt,
		}).Debug("platform flood wait")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return o.request(ctx, api.NewDeleteMessage(chatID, messageID))
}

func (o *Operations) BanMember(ctx context.Context, chatID, userID int64) error {
	return o.request(ctx, api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		RevokeMessages: true,
	})
}

func (o *Operations) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	return o.request(ctx, api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		UntilDate:                     until.Unix(),
		Permissions:                   &api.ChatPermissions{},
		UseIndependentChatPermissions: true,
	})
}

func (o *Operations) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	msg := api.NewMessage(chatID, text)
	msg.ParseMode = api.ModeHTML
	msg.DisableNotification = true
	msg.LinkPreviewOptions.IsDisabled = true

	var sent api.Message
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		sent, err = o.bot.Send(msg)
		if err == nil {
			return sent.MessageID, nil
		}
		wait := retryAfter(err)
		if wait == 0 || attempt == maxSendAttempts {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
	return 0, err
}

// SendKeyboard posts a message carrying an inline keyboard.
func (o *Operations) SendKeyboard(ctx context.Context, chatID int64, text string, keyboard api.InlineKeyboardMarkup) (int, error) {
	msg := api.NewMessage(chatID, text)
	msg.ParseMode = api.ModeHTML
	msg.DisableNotification = true
	msg.ReplyMarkup = keyboard

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	sent, err := o.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessage rewrites a previously sent message, optionally swapping its
// keyboard.
func (o *Operations) EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard *api.InlineKeyboardMarkup) error {
	edit := api.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = api.ModeHTML
	edit.ReplyMarkup = keyboard
	return o.request(ctx, edit)
}

// AnswerCallback acknowledges a keyboard press so the client stops
// showing its spinner.
func (o *Operations) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return o.request(ctx, api.NewCallback(callbackID, text))
}

// IsPrivileged reports whether the user is an administrator or the creator
// of the chat. Lookups are cached briefly, the enforcement path asks on
// every message.
func (o *Operations) IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error) {
	key := memberKey(chatID, userID)

	o.memberMu.RLock()
	cached, ok := o.members[key]
	o.memberMu.RUnlock()
	if ok && o.now().Sub(cached.checkedAt) < privilegeCacheTTL {
		return cached.privileged, nil
	}

	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
	})
	if err != nil {
		return false, err
	}

	privileged := permissions.IsPrivilegedModerator(&member)
	o.memberMu.Lock()
	o.members[key] = memberState{privileged: privileged, checkedAt: o.now()}
	o.memberMu.Unlock()
	return privileged, nil
}

// BotCanEnforce checks the bot's own admin grants in the chat, used as a
// setup preflight.
func (o *Operations) BotCanEnforce(ctx context.Context, chatID int64) (bool, error) {
	self := o.bot.Self.ID
	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     self,
		},
	})
	if err != nil {
		return false, err
	}
	return permissions.CanEnforce(&member), nil
}

func memberKey(chatID, userID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
}
