package event

import (
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"
)

func TestDecodeMessageVariant(t *testing.T) {
	t.Parallel()

	u := &api.Update{
		Message: &api.Message{
			MessageID: 10,
			Chat:      api.Chat{ID: -100, Title: "test chat"},
			From:      &api.User{ID: 5, UserName: "someone"},
			Text:      "hello there",
			Entities:  []api.MessageEntity{{Type: "url", Offset: 0, Length: 5}},
		},
	}

	decoded := Decode(u)
	ev, ok := decoded.(*MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", decoded)
	}
	if ev.ChatID != -100 || ev.SenderID() != 5 || ev.Text != "hello there" {
		t.Fatalf("unexpected decoded event: %#v", ev)
	}
	if !ev.HasLink {
		t.Fatalf("expected link entity to be detected")
	}
	if ev.Automated {
		t.Fatalf("regular sender must not be flagged automated")
	}
}

func TestDecodeAnonymousSendersAreAutomated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  api.Message
	}{
		{name: "sender chat", msg: api.Message{Chat: api.Chat{ID: -1}, SenderChat: &api.Chat{ID: -1}, From: &api.User{ID: 9}}},
		{name: "automatic forward", msg: api.Message{Chat: api.Chat{ID: -1}, IsAutomaticForward: true, From: &api.User{ID: 9}}},
		{name: "group anonymous bot", msg: api.Message{Chat: api.Chat{ID: -1}, From: &api.User{ID: groupAnonymousBotID}}},
		{name: "plain bot", msg: api.Message{Chat: api.Chat{ID: -1}, From: &api.User{ID: 9, IsBot: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := tt.msg
			ev, ok := Decode(&api.Update{Message: &msg}).(*MessageEvent)
			if !ok {
				t.Fatalf("expected MessageEvent")
			}
			if !ev.Automated {
				t.Fatalf("expected automated sender flag")
			}
		})
	}
}

func TestDecodeMigrationVariant(t *testing.T) {
	t.Parallel()

	u := &api.Update{
		Message: &api.Message{
			Chat:              api.Chat{ID: -1009},
			MigrateFromChatID: -9,
		},
	}
	ev, ok := Decode(u).(*MigrationEvent)
	if !ok {
		t.Fatalf("expected MigrationEvent, got %T", Decode(u))
	}
	if ev.OldChatID != -9 || ev.NewChatID != -1009 {
		t.Fatalf("unexpected migration pair: %#v", ev)
	}
}

func TestDecodeBotRemoval(t *testing.T) {
	t.Parallel()

	u := &api.Update{
		MyChatMember: &api.ChatMemberUpdated{
			Chat:          api.Chat{ID: -55, Title: "gone chat"},
			NewChatMember: api.ChatMember{Status: "kicked"},
		},
	}
	ev, ok := Decode(u).(*MembershipEvent)
	if !ok {
		t.Fatalf("expected MembershipEvent, got %T", Decode(u))
	}
	if !ev.BotRemoved {
		t.Fatalf("expected bot removal flag")
	}
}

func TestDecodeJoinVariant(t *testing.T) {
	t.Parallel()

	u := &api.Update{
		Message: &api.Message{
			MessageID:      77,
			Chat:           api.Chat{ID: -3},
			NewChatMembers: []api.User{{ID: 1}, {ID: 2, IsBot: true}},
		},
	}
	ev, ok := Decode(u).(*MembershipEvent)
	if !ok {
		t.Fatalf("expected MembershipEvent, got %T", Decode(u))
	}
	if len(ev.Joined) != 2 || ev.JoinMessageID != 77 {
		t.Fatalf("unexpected join event: %#v", ev)
	}
}

func TestDecodeCallbackVariant(t *testing.T) {
	t.Parallel()

	u := &api.Update{
		CallbackQuery: &api.CallbackQuery{
			ID:      "cb-1",
			From:    &api.User{ID: 9},
			Data:    "feat_both",
			Message: &api.Message{MessageID: 5, Chat: api.Chat{ID: 9}},
		},
	}
	ev, ok := Decode(u).(*CallbackEvent)
	if !ok {
		t.Fatalf("expected CallbackEvent, got %T", Decode(u))
	}
	if ev.Data != "feat_both" || ev.SenderID() != 9 || ev.MessageID != 5 {
		t.Fatalf("unexpected callback event: %#v", ev)
	}
}

func TestDecodeUninterestingUpdates(t *testing.T) {
	t.Parallel()

	if ev := Decode(nil); ev != nil {
		t.Fatalf("expected nil for nil update, got %#v", ev)
	}
	if ev := Decode(&api.Update{}); ev != nil {
		t.Fatalf("expected nil for empty update, got %#v", ev)
	}
	left := &api.Update{Message: &api.Message{Chat: api.Chat{ID: -4}, LeftChatMember: &api.User{ID: 1}}}
	if ev := Decode(left); ev != nil {
		t.Fatalf("expected nil for left-member update, got %#v", ev)
	}
}
