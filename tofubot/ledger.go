package tofubot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// ErrNotCreator is returned when a user tries to delete a ledger entry
// somebody else created
var ErrNotCreator = errors.New("only the creator can delete this entry")

const (
	cashLook = "look"
	cashAdd  = "add"
	cashDel  = "del"
)

// CashEntry is a single debt recorded with /cash
type CashEntry struct {
	Creator  string `json:"creator"`
	Debtor   string `json:"debtor"`
	Creditor string `json:"creditor"`
	Debt     int64  `json:"debt"`
	PS       string `json:"ps"`
}

func (c CashEntry) String() string {
	s := fmt.Sprintf("%s owes %s $%d", c.Debtor, c.Creditor, c.Debt)
	if c.PS != "" {
		s += ", note: " + c.PS
	}
	return s
}

// Ledger is the per-guild debt list, persisted as a JSON file
type Ledger struct {
	path    string
	mu      sync.RWMutex
	entries map[string][]CashEntry
	logger  *slog.Logger
}

// LoadLedger reads the ledger at path. Like the reminder table, a
// ledger that can't be read starts empty.
func LoadLedger(path string, logger *slog.Logger) *Ledger {
	l := &Ledger{path: path, entries: map[string][]CashEntry{}, logger: logger}
	if err := loadJSONFile(path, &l.entries); err != nil {
		logger.Error("error loading ledger, starting empty", tint.Err(err), "path", path)
		l.entries = map[string][]CashEntry{}
	}
	if l.entries == nil {
		l.entries = map[string][]CashEntry{}
	}
	return l
}

func (l *Ledger) List(guildID string) []CashEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries[guildID])
}

// Add appends an entry to the guild's ledger, returning its 1-based index
func (l *Ledger) Add(ctx context.Context, guildID string, entry CashEntry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.entries[guildID]
	l.entries[guildID] = append(prev[:len(prev):len(prev)], entry)
	if err := saveJSONFile(l.path, l.entries); err != nil {
		if existed {
			l.entries[guildID] = prev
		} else {
			delete(l.entries, guildID)
		}
		return 0, &PersistenceError{Err: err}
	}
	l.logger.InfoContext(ctx, "added ledger entry", "guild_id", guildID, "creator", entry.Creator)
	return len(l.entries[guildID]), nil
}

// Delete removes the entry at the 1-based index, if userID created it
func (l *Ledger) Delete(
	ctx context.Context,
	guildID string,
	index int,
	userID string,
) (CashEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[guildID]
	if len(entries) == 0 {
		return CashEntry{}, ErrNotFound
	}
	if index < 1 || index > len(entries) {
		return CashEntry{}, &IndexOutOfRangeError{Index: index, Len: len(entries)}
	}
	entry := entries[index-1]
	if entry.Creator != userID {
		return CashEntry{}, ErrNotCreator
	}

	updated := slices.Delete(slices.Clone(entries), index-1, index)
	if len(updated) == 0 {
		delete(l.entries, guildID)
	} else {
		l.entries[guildID] = updated
	}
	if err := saveJSONFile(l.path, l.entries); err != nil {
		l.entries[guildID] = entries
		return CashEntry{}, &PersistenceError{Err: err}
	}
	l.logger.InfoContext(ctx, "deleted ledger entry", "guild_id", guildID, "index", index)
	return entry, nil
}

func (b *TofuBot) handleCash(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)

	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}

	switch optionString(opts, "type") {
	case cashLook:
		return respondText(ctx, h, formatLedger(b.ledger.List(i.GuildID)), true)
	case cashAdd:
		debt, _ := optionInt(opts, "debt")
		entry := CashEntry{
			Creator:  userID,
			Debtor:   optionString(opts, "debtor"),
			Creditor: optionString(opts, "creditor"),
			Debt:     debt,
			PS:       optionString(opts, "ps"),
		}
		if entry.Debtor == "" || entry.Creditor == "" {
			err := &ValidationError{Field: "debtor", Msg: "debtor and creditor are required"}
			_ = respondText(ctx, h, ">> Please give a debtor and a creditor", true)
			return err
		}
		if _, err := b.ledger.Add(ctx, i.GuildID, entry); err != nil {
			_ = respondText(ctx, h, ">> Failed to save the ledger: "+err.Error(), true)
			return err
		}
		return respondText(ctx, h, ">> Debt added", true)
	case cashDel:
		index, ok := optionInt(opts, "index")
		if !ok {
			_ = respondText(ctx, h, ">> Please give an index", true)
			return &ValidationError{Field: "index", Msg: "required for del"}
		}
		_, err := b.ledger.Delete(ctx, i.GuildID, int(index), userID)
		switch {
		case err == nil:
			return respondText(ctx, h, ">> Debt deleted", true)
		case errors.Is(err, ErrNotFound):
			_ = respondText(ctx, h, ">> There are no debts to delete", true)
		case errors.Is(err, ErrIndexOutOfRange):
			_ = respondText(ctx, h, ">> Index out of range", true)
		case errors.Is(err, ErrNotCreator):
			_ = respondText(ctx, h, ">> You can't delete this debt", true)
		default:
			_ = respondText(ctx, h, ">> Failed to save the ledger: "+err.Error(), true)
		}
		return err
	default:
		_ = respondText(ctx, h, ">> Unknown command type", true)
		return &ValidationError{Field: "type", Value: optionString(opts, "type"), Msg: "unknown"}
	}
}

func formatLedger(entries []CashEntry) string {
	if len(entries) == 0 {
		return "V No debts V"
	}
	var sb strings.Builder
	sb.WriteString("V Debts V\n")
	for n, e := range entries {
		fmt.Fprintf(&sb, "%d. %s\n", n+1, e)
	}
	return strings.TrimRight(sb.String(), "\n")
}
