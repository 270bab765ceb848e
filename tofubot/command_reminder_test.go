package tofubot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remindInteraction(weekdays, tod, message string) *mockInteractionHandler {
	return newMockInteractionHandler(
		newCommandInteraction(
			commandRemind,
			true,
			stringOption("weekdays", weekdays),
			stringOption("time", tod),
			stringOption("message", message),
		),
	)
}

func TestHandleRemind(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	h := remindInteraction("1,3,5", "09:00", "standup")
	bot.handleInteraction(ctx, h)

	assert.Equal(t, ">> Reminder #1 set: [Mon,Wed,Fri] 09:00  standup", h.Content())
	reminders := bot.reminders.List(testGuildID, testChannelID)
	require.Len(t, reminders, 1)
	assert.Equal(t, "standup", reminders[0].Message)

	// the scheduler is asked to rescan
	assert.Len(t, bot.scheduler.notify, 1)

	h = remindInteraction("2", "21:30", "trash day")
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Reminder #2 set: [Tue] 21:30  trash day", h.Content())
}

func TestHandleRemindInvalidInput(t *testing.T) {
	bot, _, _ := newTestBot(t)

	tests := []struct {
		name     string
		weekdays string
		tod      string
		message  string
		contains string
	}{
		{name: "weekday out of range", weekdays: "0,8", tod: "09:00", message: "x", contains: "weekdays"},
		{name: "bad time", weekdays: "1", tod: "25:00", message: "x", contains: "time"},
		{name: "blank message", weekdays: "1", tod: "09:00", message: " ", contains: "message"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				h := remindInteraction(tc.weekdays, tc.tod, tc.message)
				bot.handleInteraction(context.Background(), h)
				assert.Contains(t, h.Content(), tc.contains)
			},
		)
	}
	assert.Equal(t, 0, bot.reminders.Len())
}

func TestHandleRmRemind(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := bot.reminders.Add(ctx, testGuildID, testChannelID, mustReminder(t, "1", "09:00", msg))
		require.NoError(t, err)
	}

	h := newMockInteractionHandler(newCommandInteraction(commandRmRemind, true, intOption("index", 2)))
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Removed reminder #2: [Mon] 09:00  two", h.Content())
	assert.Equal(t, []string{"one", "three"}, messages(bot.reminders.List(testGuildID, testChannelID)))

	h = newMockInteractionHandler(newCommandInteraction(commandRmRemind, true, intOption("index", 5)))
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Index out of range, this channel has 2 reminder(s)", h.Content())
	assert.Equal(t, float64(1), commandCount(bot, commandRmRemind, outcomeError))

	h = newMockInteractionHandler(
		newCommandInteraction(
			commandRmRemind,
			true,
			intOption("index", 1),
			channelOption("channel", "2000000000000000099"),
		),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> There are no reminders in this channel", h.Content())
}

func TestHandleRmRemindOtherChannel(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()
	other := "2000000000000000099"

	_, err := bot.reminders.Add(ctx, testGuildID, other, mustReminder(t, "6", "10:00", "weekend"))
	require.NoError(t, err)

	h := newMockInteractionHandler(
		newCommandInteraction(
			commandRmRemind,
			true,
			intOption("index", 1),
			channelOption("channel", other),
		),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Removed reminder #1: [Sat] 10:00  weekend", h.Content())
	assert.Equal(t, 0, bot.reminders.Len())
}

func TestHandleLook(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	h := newMockInteractionHandler(newCommandInteraction(commandLook, true))
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> There are no reminders in this server", h.Content())

	other := "2000000000000000001"
	_, err := bot.reminders.Add(ctx, testGuildID, testChannelID, mustReminder(t, "1,2", "09:00", "standup"))
	require.NoError(t, err)
	_, err = bot.reminders.Add(ctx, testGuildID, testChannelID, mustReminder(t, "5", "17:30", "wrap up"))
	require.NoError(t, err)
	_, err = bot.reminders.Add(ctx, testGuildID, other, mustReminder(t, "7", "20:00", "plan the week"))
	require.NoError(t, err)
	_, err = bot.reminders.Add(ctx, "1000000000000000077", "3", mustReminder(t, "1", "08:00", "another guild"))
	require.NoError(t, err)

	h = newMockInteractionHandler(newCommandInteraction(commandLook, true))
	bot.handleInteraction(ctx, h)
	assert.Equal(
		t,
		"V Reminders V\n"+
			"<#2000000000000000001>\n"+
			"1. [Sun] 20:00  plan the week\n"+
			"<#2000000000000000002>\n"+
			"1. [Mon,Tue] 09:00  standup\n"+
			"2. [Fri] 17:30  wrap up",
		h.Content(),
	)
}
