package tofubot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandCount(bot *TofuBot, command, outcome string) float64 {
	return testutil.ToFloat64(bot.metrics.commands.WithLabelValues(command, outcome))
}

func TestHandleInteractionPing(t *testing.T) {
	bot, _, _ := newTestBot(t)
	h := newMockInteractionHandler(newCommandInteraction(commandPing, false))

	bot.handleInteraction(context.Background(), h)

	assert.Equal(t, "Pong!", h.Content())
	assert.Equal(t, float64(1), commandCount(bot, commandPing, outcomeOK))
}

func TestHandleInteractionAdminOnly(t *testing.T) {
	bot, _, _ := newTestBot(t)

	for _, name := range []string{
		commandRemind,
		commandRmRemind,
		commandLook,
		commandBan,
		commandUnban,
		commandBlock,
		commandRemoveBlock,
		commandDisplayBlockList,
	} {
		t.Run(
			name, func(t *testing.T) {
				h := newMockInteractionHandler(newCommandInteraction(name, false))
				bot.handleInteraction(context.Background(), h)

				assert.Equal(t, ">> You don't have permission to use this command", h.Content())
				assert.Equal(t, float64(1), commandCount(bot, name, outcomeDenied))
			},
		)
	}
	assert.Equal(t, 0, bot.reminders.Len())
}

func TestHandleInteractionUnknownCommand(t *testing.T) {
	bot, _, _ := newTestBot(t)
	h := newMockInteractionHandler(newCommandInteraction("nope", true))

	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, bot.config.Discord.ErrorMessage, h.Content())
}

func TestHandleInteractionIgnored(t *testing.T) {
	bot, _, _ := newTestBot(t)

	fromBot := newCommandInteraction(commandPing, false)
	fromBot.Member.User.Bot = true
	h := newMockInteractionHandler(fromBot)
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.Responses())

	noUser := newCommandInteraction(commandPing, false)
	noUser.Member = nil
	h = newMockInteractionHandler(noUser)
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.Responses())

	component := newCommandInteraction(commandPing, false)
	component.Type = discordgo.InteractionMessageComponent
	component.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}
	h = newMockInteractionHandler(component)
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.Responses())
}

func TestHandleInteractionRecordsOutcome(t *testing.T) {
	bot, _, _ := newTestBot(t)

	h := newMockInteractionHandler(
		newCommandInteraction(
			commandRemind,
			true,
			stringOption("weekdays", "9"),
			stringOption("time", "09:00"),
			stringOption("message", "standup"),
		),
	)
	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, float64(1), commandCount(bot, commandRemind, outcomeInvalid))

	bot.commands["explode"] = botCommand{
		run: func(context.Context, InteractionHandler) error {
			return errors.New("boom")
		},
	}
	h = newMockInteractionHandler(newCommandInteraction("explode", false))
	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, float64(1), commandCount(bot, "explode", outcomeError))
}

func TestHandleInteractionRecoversPanic(t *testing.T) {
	bot, _, _ := newTestBot(t)
	bot.commands["panic"] = botCommand{
		run: func(context.Context, InteractionHandler) error {
			panic("oh no")
		},
	}

	h := newMockInteractionHandler(newCommandInteraction("panic", false))
	assert.NotPanics(
		t, func() {
			bot.handleInteraction(context.Background(), h)
		},
	)
}

func TestInitStoresLoadsFromConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, bot.initStores(context.Background()))

	assert.NotNil(t, bot.reminders)
	assert.NotNil(t, bot.scheduler)
	assert.NotNil(t, bot.ledger)
	assert.NotNil(t, bot.bans)
	assert.NotNil(t, bot.blocks)
	assert.NotNil(t, bot.tiktok)

	for _, path := range []string{
		cfg.ReminderStore.Path,
		cfg.Assets.LedgerPath,
		cfg.Assets.BanListPath,
		cfg.Assets.BlockListPath,
		cfg.Assets.TikTokMessagesPath,
	} {
		assert.FileExists(t, path)
	}
}

func TestRun(t *testing.T) {
	bot, session, _ := newTestBot(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bot.api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot never became ready")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Len(t, session.commands, len(appCommands()))
	session.mu.Unlock()

	require.Eventually(
		t, func() bool {
			resp, getErr := http.Get("http://" + ln.Addr().String() + apiHealthCheck)
			if getErr != nil {
				return false
			}
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot did not shut down")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
}

func TestRunInvalidConfig(t *testing.T) {
	bot, _, _ := newTestBot(t)
	bot.config.Scheduler.FireInterval = time.Hour

	err := bot.Run(context.Background())
	assert.Error(t, err)
}
