package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"

	"github.com/zenith-oss/groupguard/internal/db"
	"github.com/zenith-oss/groupguard/internal/event"
)

const (
	callbackFeatures = "feat"
	callbackStrength = "str"
	callbackWipe     = "del"
	callbackCancel   = "cancel"
)

// handleSetup runs the in-group half of onboarding: verify the issuer's
// and the bot's privileges, persist a draft configuration, and hand the
// issuer a deep link into the private guided flow.
func (c *Commands) handleSetup(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}

	canEnforce, err := c.ops.BotCanEnforce(ctx, ev.ChatID)
	if err != nil {
		return errors.Wrap(err, "bot privilege preflight")
	}
	if !canEnforce {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, `I need the "delete messages" and "ban users" admin rights here before setup can start.`)
		return nil
	}

	cfg, err := c.configs.Get(ctx, ev.ChatID)
	if err != nil {
		return errors.Wrap(err, "load chat configuration")
	}
	if cfg == nil {
		cfg = db.DefaultChatConfig(ev.ChatID, ev.SenderID(), ev.ChatTitle)
	} else {
		cfg.OwnerID = ev.SenderID()
		cfg.ChatTitle = ev.ChatTitle
	}
	if err := c.configs.Upsert(ctx, cfg); err != nil {
		return errors.Wrap(err, "save draft configuration")
	}

	link := fmt.Sprintf("https://t.me/%s?start=setup_%d", c.botName, ev.ChatID)
	keyboard := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonURL("Continue in private chat", link),
		),
	)
	_, err = c.ops.SendKeyboard(ctx, ev.ChatID, "Let's finish setup privately.", keyboard)
	return errors.Wrap(err, "send setup link")
}

// handleStart answers /start in a private chat. A setup_<chatID> payload
// resumes onboarding; anything else gets the greeting.
func (c *Commands) handleStart(ctx context.Context, ev *event.MessageEvent) error {
	payload := strings.TrimSpace(ev.CommandArgs)
	if !strings.HasPrefix(payload, "setup_") {
		_, err := c.ops.SendMessage(ctx, ev.ChatID, "Hi! Add me to a group and run /setup there to get started.")
		return errors.Wrap(err, "send greeting")
	}

	chatID, err := strconv.ParseInt(strings.TrimPrefix(payload, "setup_"), 10, 64)
	if err != nil {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "That setup link looks broken. Run /setup in the group again.")
		return nil
	}

	// The payload arrives from the client unverified, so the issuer's
	// privileges are checked against the target chat, not trusted.
	privileged, err := c.ops.IsPrivileged(ctx, chatID, ev.SenderID())
	if err != nil {
		return errors.Wrap(err, "deep link privilege check")
	}
	if !privileged {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "You need to administer that group to set me up.")
		return nil
	}

	c.sessionMutex.Lock()
	c.sessions[ev.SenderID()] = &setupSession{chatID: chatID}
	c.sessionMutex.Unlock()

	keyboard := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Abusive content", callbackData(callbackFeatures, chatID, db.FeaturesAbuse)),
			api.NewInlineKeyboardButtonData("Flooding", callbackData(callbackFeatures, chatID, db.FeaturesSpam)),
		),
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Both", callbackData(callbackFeatures, chatID, db.FeaturesBoth)),
		),
	)
	_, err = c.ops.SendKeyboard(ctx, ev.ChatID, "What should I watch for?", keyboard)
	return errors.Wrap(err, "send feature keyboard")
}

// handleDeleteGroup lists the issuer's chats with a wipe button each.
func (c *Commands) handleDeleteGroup(ctx context.Context, ev *event.MessageEvent) error {
	owned, err := c.configs.Owned(ctx, ev.SenderID())
	if err != nil {
		return errors.Wrap(err, "list owned chats")
	}
	if len(owned) == 0 {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "You have no configured groups.")
		return nil
	}

	rows := make([][]api.InlineKeyboardButton, 0, len(owned)+1)
	for _, cfg := range owned {
		rows = append(rows, api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("🗑 "+cfg.ChatTitle, callbackData(callbackWipe, cfg.ChatID, "")),
		))
	}
	rows = append(rows, api.NewInlineKeyboardRow(
		api.NewInlineKeyboardButtonData("Cancel", callbackCancel),
	))

	_, err = c.ops.SendKeyboard(ctx, ev.ChatID, "Pick a group to erase. This removes its settings, strikes and custom words.", api.NewInlineKeyboardMarkup(rows...))
	return errors.Wrap(err, "send wipe keyboard")
}

func (c *Commands) handleCallback(ctx context.Context, ev *event.CallbackEvent) (bool, error) {
	action, chatID, value, ok := parseCallbackData(ev.Data)
	if !ok {
		return true, nil
	}

	switch action {
	case callbackCancel:
		_ = c.ops.AnswerCallback(ctx, ev.CallbackID, "")
		return false, c.ops.EditMessage(ctx, ev.ChatID, ev.MessageID, "Cancelled.", nil)
	case callbackFeatures:
		return false, c.handleFeatureChoice(ctx, ev, chatID, value)
	case callbackStrength:
		return false, c.handleStrengthChoice(ctx, ev, chatID, value)
	case callbackWipe:
		return false, c.handleWipeChoice(ctx, ev, chatID)
	default:
		return true, nil
	}
}

func (c *Commands) handleFeatureChoice(ctx context.Context, ev *event.CallbackEvent, chatID int64, features string) error {
	session, ok := c.session(ev.SenderID())
	if !ok || session.chatID != chatID || !validFeatures(features) {
		return c.ops.AnswerCallback(ctx, ev.CallbackID, "This setup session has expired. Run /setup in the group again.")
	}
	c.setSessionFeatures(ev.SenderID(), features)

	keyboard := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Relaxed", callbackData(callbackStrength, chatID, db.StrengthLow)),
			api.NewInlineKeyboardButtonData("Standard", callbackData(callbackStrength, chatID, db.StrengthMedium)),
			api.NewInlineKeyboardButtonData("Strict", callbackData(callbackStrength, chatID, db.StrengthStrict)),
		),
	)
	_ = c.ops.AnswerCallback(ctx, ev.CallbackID, "")
	return errors.Wrap(c.ops.EditMessage(ctx, ev.ChatID, ev.MessageID, "How strict should I be?", &keyboard), "edit to strength keyboard")
}

func (c *Commands) handleStrengthChoice(ctx context.Context, ev *event.CallbackEvent, chatID int64, strength string) error {
	session, ok := c.session(ev.SenderID())
	if !ok || session.chatID != chatID || session.features == "" || !validStrength(strength) {
		return c.ops.AnswerCallback(ctx, ev.CallbackID, "This setup session has expired. Run /setup in the group again.")
	}

	cfg, err := c.configs.Get(ctx, chatID)
	if err != nil {
		return errors.Wrap(err, "load draft configuration")
	}
	if cfg == nil {
		return c.ops.AnswerCallback(ctx, ev.CallbackID, "This setup session has expired. Run /setup in the group again.")
	}

	cfg.Features = session.features
	cfg.Strength = strength
	cfg.Active = true
	if err := c.configs.Upsert(ctx, cfg); err != nil {
		return errors.Wrap(err, "activate configuration")
	}

	c.sessionMutex.Lock()
	delete(c.sessions, ev.SenderID())
	c.sessionMutex.Unlock()

	_ = c.ops.AnswerCallback(ctx, ev.CallbackID, "")
	text := tool.ExecTemplate(`✅ Done. I'm now moderating <b>{{ .chat_title }}</b> ({{ .features }}, {{ .strength }}).`, map[string]any{
		"chat_title": api.EscapeText(api.ModeHTML, cfg.ChatTitle),
		"features":   cfg.Features,
		"strength":   cfg.Strength,
	})
	return errors.Wrap(c.ops.EditMessage(ctx, ev.ChatID, ev.MessageID, text, nil), "edit to confirmation")
}

func (c *Commands) handleWipeChoice(ctx context.Context, ev *event.CallbackEvent, chatID int64) error {
	wiped, err := c.configs.Wipe(ctx, chatID, ev.SenderID())
	if err != nil {
		return errors.Wrap(err, "wipe chat")
	}
	_ = c.ops.AnswerCallback(ctx, ev.CallbackID, "")
	if !wiped {
		return c.ops.EditMessage(ctx, ev.ChatID, ev.MessageID, "Nothing to erase, or you don't own that group.", nil)
	}
	c.vocabulary.Invalidate(chatID)
	c.getLogEntry().WithField("chat_id", chatID).Info("chat erased by owner")
	return c.ops.EditMessage(ctx, ev.ChatID, ev.MessageID, "Erased. Run /setup in the group to start over.", nil)
}

// session returns a snapshot, all mutation happens under the mutex.
func (c *Commands) session(userID int64) (setupSession, bool) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	session, ok := c.sessions[userID]
	if !ok {
		return setupSession{}, false
	}
	return *session, true
}

func (c *Commands) setSessionFeatures(userID int64, features string) {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if session, ok := c.sessions[userID]; ok {
		session.features = features
	}
}

func callbackData(action string, chatID int64, value string) string {
	if value == "" {
		return fmt.Sprintf("%s_%d", action, chatID)
	}
	return fmt.Sprintf("%s_%d_%s", action, chatID, value)
}

func parseCallbackData(data string) (action string, chatID int64, value string, ok bool) {
	if data == callbackCancel {
		return callbackCancel, 0, "", true
	}
	parts := strings.SplitN(data, "_", 3)
	if len(parts) < 2 {
		return "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	if len(parts) == 3 {
		value = parts[2]
	}
	return parts[0], id, value, true
}

func validFeatures(features string) bool {
	return features == db.FeaturesAbuse || features == db.FeaturesSpam || features == db.FeaturesBoth
}

func validStrength(strength string) bool {
	return strength == db.StrengthLow || strength == db.StrengthMedium || strength == db.StrengthStrict
}
