package commands

import (
	"context"
	"strings"
	"sync"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/bot"
	"github.com/zenith-oss/groupguard/internal/db"
	"github.com/zenith-oss/groupguard/internal/event"
)

type commandOps interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	SendKeyboard(ctx context.Context, chatID int64, text string, keyboard api.InlineKeyboardMarkup) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard *api.InlineKeyboardMarkup) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error)
	BotCanEnforce(ctx context.Context, chatID int64) (bool, error)
}

type configStore interface {
	Get(ctx context.Context, chatID int64) (*db.ChatConfig, error)
	Upsert(ctx context.Context, cfg *db.ChatConfig) error
	Owned(ctx context.Context, ownerID int64) ([]*db.ChatConfig, error)
	Wipe(ctx context.Context, chatID int64, ownerID int64) (bool, error)
}

type enforcement interface {
	SetRaidLock(chatID int64, on bool)
	RaidLocked(chatID int64) bool
	Forgive(ctx context.Context, chatID, userID int64) (bool, error)
}

type wordStore interface {
	AddCustomWord(ctx context.Context, chatID int64, word string, addedBy int64) (bool, error)
	RemoveCustomWord(ctx context.Context, chatID int64, word string) (bool, error)
	ListCustomWords(ctx context.Context, chatID int64) ([]string, error)
	CountCustomWords(ctx context.Context, chatID int64) (int, error)
}

type vocabularyCache interface {
	Invalidate(chatID int64)
}

// ProGate answers whether a chat has access to the paid feature set. The
// billing service lives outside this repository; the default gate lets
// everything through.
type ProGate interface {
	IsPro(ctx context.Context, chatID int64) bool
}

type allowAllGate struct{}

func (allowAllGate) IsPro(context.Context, int64) bool { return true }

// AllowAll is the gate used when no billing backend is wired.
func AllowAll() ProGate { return allowAllGate{} }

type setupSession struct {
	chatID   int64
	features string
}

// Commands routes operator commands and keyboard callbacks: the guided
// setup flow, vocabulary management, forgives, raid locks and chat
// removal. It sits after the enforcement engine in the handler chain, so
// it only ever sees messages the detectors let through.
type Commands struct {
	ops        commandOps
	configs    configStore
	engine     enforcement
	words      wordStore
	vocabulary vocabularyCache
	gate       ProGate

	botName   string
	wordLimit int

	sessionMutex sync.Mutex
	sessions     map[int64]*setupSession
}

func NewCommands(
	ops commandOps,
	configs configStore,
	engine enforcement,
	words wordStore,
	vocabulary vocabularyCache,
	gate ProGate,
	botName string,
	wordLimit int,
) *Commands {
	if gate == nil {
		gate = AllowAll()
	}
	if wordLimit < 1 {
		wordLimit = 200
	}
	return &Commands{
		ops:        ops,
		configs:    configs,
		engine:     engine,
		words:      words,
		vocabulary: vocabulary,
		gate:       gate,
		botName:    botName,
		wordLimit:  wordLimit,
		sessions:   map[int64]*setupSession{},
	}
}

func (c *Commands) Handle(ctx context.Context, ev event.Event) (bool, error) {
	switch typed := ev.(type) {
	case *event.MessageEvent:
		if !typed.IsCommand || typed.Sender == nil {
			return true, nil
		}
		return c.handleCommand(ctx, typed)
	case *event.CallbackEvent:
		return c.handleCallback(ctx, typed)
	default:
		return true, nil
	}
}

func (c *Commands) handleCommand(ctx context.Context, ev *event.MessageEvent) (bool, error) {
	private := ev.ChatID == ev.SenderID()

	if private {
		switch ev.Command {
		case "start":
			return false, c.handleStart(ctx, ev)
		case "deletegroup":
			return false, c.handleDeleteGroup(ctx, ev)
		default:
			return true, nil
		}
	}

	switch ev.Command {
	case "setup":
		return false, c.handleSetup(ctx, ev)
	case "forgive":
		return false, c.handleForgive(ctx, ev)
	case "antiraid":
		return false, c.handleAntiraid(ctx, ev)
	case "addword":
		return false, c.handleAddWord(ctx, ev)
	case "delword":
		return false, c.handleDelWord(ctx, ev)
	case "wordlist":
		return false, c.handleWordList(ctx, ev)
	default:
		return true, nil
	}
}

// requirePrivileged answers whether the command issuer administers the
// chat, replying with a refusal when they do not.
func (c *Commands) requirePrivileged(ctx context.Context, chatID, userID int64) (bool, error) {
	privileged, err := c.ops.IsPrivileged(ctx, chatID, userID)
	if err != nil {
		return false, errors.Wrap(err, "privilege check")
	}
	if !privileged {
		_, _ = c.ops.SendMessage(ctx, chatID, "Only chat administrators can do that.")
	}
	return privileged, nil
}

func (c *Commands) requirePro(ctx context.Context, chatID int64) bool {
	if c.gate.IsPro(ctx, chatID) {
		return true
	}
	_, _ = c.ops.SendMessage(ctx, chatID, "This feature needs the Pro plan.")
	return false
}

func (c *Commands) handleForgive(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}
	if ev.ReplyTo == nil || ev.ReplyTo.From == nil {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Reply to a message from the member you want to forgive.")
		return nil
	}

	target := ev.ReplyTo.From
	forgiven, err := c.engine.Forgive(ctx, ev.ChatID, target.ID)
	if err != nil {
		return errors.Wrap(err, "forgive member")
	}
	if !forgiven {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, bot.GetUN(target)+" has no strikes to forgive.")
		return nil
	}
	_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Strikes cleared for "+bot.GetUN(target)+".")
	return nil
}

func (c *Commands) handleAntiraid(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}
	if !c.requirePro(ctx, ev.ChatID) {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(ev.CommandArgs)) {
	case "on":
		c.engine.SetRaidLock(ev.ChatID, true)
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "🛡 Anti-raid enabled. Messages from non-admin members will be deleted and new joiners muted for the next 30 minutes.")
	case "off":
		c.engine.SetRaidLock(ev.ChatID, false)
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Anti-raid disabled.")
	default:
		state := "off"
		if c.engine.RaidLocked(ev.ChatID) {
			state = "on"
		}
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Usage: /antiraid on|off (currently "+state+")")
	}
	return nil
}

func (c *Commands) getLogEntry() *log.Entry {
	return log.WithField("object", "Commands")
}
