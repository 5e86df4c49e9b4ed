package event

import (
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

// The inbound surface is a closed set of variants decoded once at the
// boundary; downstream code switches on the variant instead of probing
// optional update fields.

type Kind string

const (
	KindMessage    Kind = "message"
	KindMembership Kind = "membership"
	KindMigration  Kind = "migration"
	KindCallback   Kind = "callback"
)

// groupAnonymousBotID is the sender id Telegram substitutes for anonymous
// group admins.
const groupAnonymousBotID = 1087968824

type Event interface {
	Kind() Kind
	Chat() int64
}

type MessageEvent struct {
	ChatID    int64
	ChatTitle string
	MessageID int
	Sender    *api.User
	Text      string
	Edited    bool

	MediaGroupID string
	HasMedia     bool
	HasLink      bool

	// Automated senders (channel posts, anonymous admins, bots) are never
	// evaluated by the detectors.
	Automated bool

	IsCommand   bool
	Command     string
	CommandArgs string
	ReplyTo     *api.Message

	Date time.Time
}

func (e *MessageEvent) Kind() Kind  { return KindMessage }
func (e *MessageEvent) Chat() int64 { return e.ChatID }

func (e *MessageEvent) SenderID() int64 {
	if e.Sender == nil {
		return 0
	}
	return e.Sender.ID
}

type MembershipEvent struct {
	ChatID        int64
	ChatTitle     string
	Joined        []*api.User
	JoinMessageID int

	// BotRemoved is set when the bot's own membership transitioned to
	// left/kicked, which durably ends enforcement for the chat.
	BotRemoved bool
}

func (e *MembershipEvent) Kind() Kind  { return KindMembership }
func (e *MembershipEvent) Chat() int64 { return e.ChatID }

type MigrationEvent struct {
	OldChatID int64
	NewChatID int64
}

func (e *MigrationEvent) Kind() Kind  { return KindMigration }
func (e *MigrationEvent) Chat() int64 { return e.NewChatID }

// CallbackEvent is a press on one of the bot's inline keyboards.
type CallbackEvent struct {
	CallbackID string
	ChatID     int64
	MessageID  int
	Sender     *api.User
	Data       string
}

func (e *CallbackEvent) Kind() Kind  { return KindCallback }
func (e *CallbackEvent) Chat() int64 { return e.ChatID }

func (e *CallbackEvent) SenderID() int64 {
	if e.Sender == nil {
		return 0
	}
	return e.Sender.ID
}

// Decode maps an update onto the closed variant set. Updates that carry
// nothing of interest to the moderation core decode to nil.
func Decode(u *api.Update) Event {
	if u == nil {
		return nil
	}

	if u.CallbackQuery != nil {
		ev := &CallbackEvent{
			CallbackID: u.CallbackQuery.ID,
			Sender:     u.CallbackQuery.From,
			Data:       u.CallbackQuery.Data,
		}
		if u.CallbackQuery.Message != nil {
			ev.ChatID = u.CallbackQuery.Message.Chat.ID
			ev.MessageID = u.CallbackQuery.Message.MessageID
		}
		return ev
	}

	if u.MyChatMember != nil {
		status := u.MyChatMember.NewChatMember.Status
		return &MembershipEvent{
			ChatID:     u.MyChatMember.Chat.ID,
			ChatTitle:  u.MyChatMember.Chat.Title,
			BotRemoved: status == "left" || status == "kicked" || status == "banned",
		}
	}

	msg := u.Message
	edited := false
	if msg == nil && u.EditedMessage != nil {
		msg = u.EditedMessage
		edited = true
	}
	if msg == nil {
		return nil
	}

	if msg.MigrateFromChatID != 0 {
		return &MigrationEvent{OldChatID: msg.MigrateFromChatID, NewChatID: msg.Chat.ID}
	}

	if len(msg.NewChatMembers) > 0 {
		joined := make([]*api.User, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			joined = append(joined, &msg.NewChatMembers[i])
		}
		return &MembershipEvent{
			ChatID:        msg.Chat.ID,
			ChatTitle:     msg.Chat.Title,
			Joined:        joined,
			JoinMessageID: msg.MessageID,
		}
	}

	if msg.LeftChatMember != nil {
		return nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	ev := &MessageEvent{
		ChatID:       msg.Chat.ID,
		ChatTitle:    msg.Chat.Title,
		MessageID:    msg.MessageID,
		Sender:       msg.From,
		Text:         text,
		Edited:       edited,
		MediaGroupID: msg.MediaGroupID,
		HasMedia:     hasMedia(msg),
		HasLink:      hasLink(msg),
		Automated:    isAutomated(msg),
		ReplyTo:      msg.ReplyToMessage,
		Date:         time.Unix(int64(msg.Date), 0),
	}
	if msg.IsCommand() {
		ev.IsCommand = true
		ev.Command = msg.Command()
		ev.CommandArgs = msg.CommandArguments()
	}
	return ev
}

func hasMedia(msg *api.Message) bool {
	return msg.Photo != nil ||
		msg.Video != nil ||
		msg.Document != nil ||
		msg.Audio != nil ||
		msg.Sticker != nil ||
		msg.Animation != nil ||
		msg.VideoNote != nil ||
		msg.Voice != nil
}

func hasLink(msg *api.Message) bool {
	entities := append(append([]api.MessageEntity{}, msg.Entities...), msg.CaptionEntities...)
	for _, e := range entities {
		if e.IsURL() || e.IsTextLink() {
			return true
		}
	}
	return false
}

func isAutomated(msg *api.Message) bool {
	if msg.IsAutomaticForward || msg.SenderChat != nil {
		return true
	}
	if msg.From == nil {
		return true
	}
	return msg.From.IsBot || msg.From.ID == groupAnonymousBotID
}
