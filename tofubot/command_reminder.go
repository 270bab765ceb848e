package tofubot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lmittmann/tint"
)

// handleRemind adds a reminder to the channel the command was used in,
// and wakes the scheduler so it's picked up if it's due soon.
func (b *TofuBot) handleRemind(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)

	r, err := NewReminder(
		optionString(opts, "weekdays"),
		optionString(opts, "time"),
		optionString(opts, "message"),
	)
	if err != nil {
		_ = respondText(ctx, h, ">> "+err.Error(), true)
		return err
	}

	index, err := b.reminders.Add(ctx, i.GuildID, i.ChannelID, r)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error adding reminder", tint.Err(err))
		_ = respondText(ctx, h, ">> Failed to save the reminder, please try again", true)
		return err
	}
	b.scheduler.Notify()

	return respondText(
		ctx,
		h,
		fmt.Sprintf(">> Reminder #%d set: %s", index, r.describe()),
		true,
	)
}

// handleRmRemind removes a reminder by its /look index from the current
// channel, or from the channel given as an option
func (b *TofuBot) handleRmRemind(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)

	index, _ := optionInt(opts, "index")
	channelID := i.ChannelID
	if id := optionSnowflake(opts, "channel"); id != "" {
		channelID = id
	}

	removed, err := b.reminders.Remove(ctx, i.GuildID, channelID, int(index))
	var rangeErr *IndexOutOfRangeError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		_ = respondText(ctx, h, ">> There are no reminders in this channel", true)
		return err
	case errors.As(err, &rangeErr):
		_ = respondText(
			ctx,
			h,
			fmt.Sprintf(">> Index out of range, this channel has %d reminder(s)", rangeErr.Len),
			true,
		)
		return err
	default:
		h.Logger().ErrorContext(ctx, "error removing reminder", tint.Err(err))
		_ = respondText(ctx, h, ">> Failed to remove the reminder, please try again", true)
		return err
	}

	return respondText(
		ctx,
		h,
		fmt.Sprintf(">> Removed reminder #%d: %s", index, removed.describe()),
		true,
	)
}

// handleLook lists the guild's reminders, grouped by channel
func (b *TofuBot) handleLook(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	return respondText(ctx, h, formatGuildReminders(b.reminders.Guild(i.GuildID)), true)
}

func formatGuildReminders(channels map[string][]Reminder) string {
	if len(channels) == 0 {
		return ">> There are no reminders in this server"
	}
	channelIDs := make([]string, 0, len(channels))
	for id := range channels {
		channelIDs = append(channelIDs, id)
	}
	slices.Sort(channelIDs)

	var sb strings.Builder
	sb.WriteString("V Reminders V\n")
	for _, channelID := range channelIDs {
		fmt.Fprintf(&sb, "<#%s>\n", channelID)
		for n, r := range channels[channelID] {
			fmt.Fprintf(&sb, "%d. %s\n", n+1, r.describe())
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
