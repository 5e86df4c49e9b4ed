package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/zenith-oss/groupguard/internal/event"
)

// handleAddWord extends the chat's vocabulary. The per-chat list is
// capped so one chat cannot grow an unbounded matcher.
func (c *Commands) handleAddWord(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}
	if !c.requirePro(ctx, ev.ChatID) {
		return nil
	}

	word := normalizeWord(ev.CommandArgs)
	if word == "" {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Usage: /addword <word or phrase>")
		return nil
	}

	count, err := c.words.CountCustomWords(ctx, ev.ChatID)
	if err != nil {
		return errors.Wrap(err, "count custom words")
	}
	if count >= c.wordLimit {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, fmt.Sprintf("The custom list is full (%d entries). Remove something with /delword first.", c.wordLimit))
		return nil
	}

	added, err := c.words.AddCustomWord(ctx, ev.ChatID, word, ev.SenderID())
	if err != nil {
		return errors.Wrap(err, "add custom word")
	}
	if !added {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "That word is already on the list.")
		return nil
	}
	c.vocabulary.Invalidate(ev.ChatID)
	_, _ = c.ops.SendMessage(ctx, ev.ChatID, fmt.Sprintf("Added. The list now has %d of %d entries.", count+1, c.wordLimit))
	return nil
}

func (c *Commands) handleDelWord(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}
	if !c.requirePro(ctx, ev.ChatID) {
		return nil
	}

	word := normalizeWord(ev.CommandArgs)
	if word == "" {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Usage: /delword <word or phrase>")
		return nil
	}

	removed, err := c.words.RemoveCustomWord(ctx, ev.ChatID, word)
	if err != nil {
		return errors.Wrap(err, "remove custom word")
	}
	if !removed {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "That word is not on the list.")
		return nil
	}
	c.vocabulary.Invalidate(ev.ChatID)
	_, _ = c.ops.SendMessage(ctx, ev.ChatID, "Removed.")
	return nil
}

func (c *Commands) handleWordList(ctx context.Context, ev *event.MessageEvent) error {
	privileged, err := c.requirePrivileged(ctx, ev.ChatID, ev.SenderID())
	if err != nil || !privileged {
		return err
	}
	if !c.requirePro(ctx, ev.ChatID) {
		return nil
	}

	words, err := c.words.ListCustomWords(ctx, ev.ChatID)
	if err != nil {
		return errors.Wrap(err, "list custom words")
	}
	if len(words) == 0 {
		_, _ = c.ops.SendMessage(ctx, ev.ChatID, "The custom list is empty. Add entries with /addword.")
		return nil
	}
	_, _ = c.ops.SendMessage(ctx, ev.ChatID, fmt.Sprintf("Custom list (%d of %d):\n• %s", len(words), c.wordLimit, strings.Join(words, "\n• ")))
	return nil
}

func normalizeWord(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
