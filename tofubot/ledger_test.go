package tofubot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cash.json")
	ledger := LoadLedger(path, discardLogger())
	assert.Empty(t, ledger.List(testGuildID))

	entry := CashEntry{Creator: testUserID, Debtor: "@alice", Creditor: "@bob", Debt: 120, PS: "lunch"}
	index, err := ledger.Add(ctx, testGuildID, entry)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	index, err = ledger.Add(ctx, testGuildID, CashEntry{Creator: "someone else", Debtor: "@bob", Creditor: "@carol", Debt: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	reloaded := LoadLedger(path, discardLogger())
	assert.Equal(t, ledger.List(testGuildID), reloaded.List(testGuildID))

	_, err = ledger.Delete(ctx, testGuildID, 2, testUserID)
	assert.ErrorIs(t, err, ErrNotCreator)

	_, err = ledger.Delete(ctx, testGuildID, 3, testUserID)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = ledger.Delete(ctx, "999", 1, testUserID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := ledger.Delete(ctx, testGuildID, 1, testUserID)
	require.NoError(t, err)
	assert.Equal(t, entry, deleted)
	require.Len(t, ledger.List(testGuildID), 1)
	assert.Equal(t, "@carol", ledger.List(testGuildID)[0].Creditor)
}

func TestLedgerCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cash.json")
	require.NoError(t, os.WriteFile(path, []byte("[not json"), 0o644))

	ledger := LoadLedger(path, discardLogger())
	assert.Empty(t, ledger.List(testGuildID))

	_, err := ledger.Add(context.Background(), testGuildID, CashEntry{Debtor: "a", Creditor: "b"})
	assert.NoError(t, err)
}

func TestFormatLedger(t *testing.T) {
	assert.Equal(t, "V No debts V", formatLedger(nil))
	assert.Equal(
		t,
		"V Debts V\n1. @alice owes @bob $120, note: lunch\n2. @bob owes @carol $5",
		formatLedger(
			[]CashEntry{
				{Debtor: "@alice", Creditor: "@bob", Debt: 120, PS: "lunch"},
				{Debtor: "@bob", Creditor: "@carol", Debt: 5},
			},
		),
	)
}

func TestHandleCash(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	h := newMockInteractionHandler(
		newCommandInteraction(commandCash, false, stringOption("type", cashLook)),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, "V No debts V", h.Content())

	h = newMockInteractionHandler(
		newCommandInteraction(
			commandCash,
			false,
			stringOption("type", cashAdd),
			stringOption("debtor", "@alice"),
			stringOption("creditor", "@bob"),
			intOption("debt", 300),
			stringOption("ps", "hotpot"),
		),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Debt added", h.Content())
	entries := bot.ledger.List(testGuildID)
	require.Len(t, entries, 1)
	assert.Equal(t, testUserID, entries[0].Creator)
	assert.Equal(t, int64(300), entries[0].Debt)

	h = newMockInteractionHandler(
		newCommandInteraction(commandCash, false, stringOption("type", cashAdd), stringOption("debtor", "@alice")),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Please give a debtor and a creditor", h.Content())
	assert.Equal(t, float64(1), commandCount(bot, commandCash, outcomeInvalid))

	h = newMockInteractionHandler(
		newCommandInteraction(commandCash, false, stringOption("type", cashDel)),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Please give an index", h.Content())

	other := newCommandInteraction(commandCash, false, stringOption("type", cashDel), intOption("index", 1))
	other.Member.User.ID = "someone else"
	h = newMockInteractionHandler(other)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> You can't delete this debt", h.Content())

	h = newMockInteractionHandler(
		newCommandInteraction(commandCash, false, stringOption("type", cashDel), intOption("index", 1)),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> Debt deleted", h.Content())
	assert.Empty(t, bot.ledger.List(testGuildID))

	h = newMockInteractionHandler(
		newCommandInteraction(commandCash, false, stringOption("type", cashDel), intOption("index", 1)),
	)
	bot.handleInteraction(ctx, h)
	assert.Equal(t, ">> There are no debts to delete", h.Content())
}
