package tofubot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

// ReminderTable is the authoritative, in-memory set of reminder
// definitions. Every mutation is written through to the gateway while
// the write lock is held, so the stored table never lags behind a
// mutation that was reported as successful.
type ReminderTable struct {
	mu      sync.RWMutex
	guilds  ReminderMap
	gateway ReminderGateway
	logger  *slog.Logger
}

// LoadReminderTable loads the table from the gateway. If loading fails,
// the error is logged and the table starts empty.
func LoadReminderTable(
	ctx context.Context,
	gateway ReminderGateway,
	logger *slog.Logger,
) *ReminderTable {
	t, err := OpenReminderTable(ctx, gateway, logger)
	if err != nil {
		t.logger.ErrorContext(ctx, "error loading reminders, starting empty", tint.Err(err))
	}
	return t
}

// OpenReminderTable loads the table from the gateway. On error, the
// returned table is empty but usable.
func OpenReminderTable(
	ctx context.Context,
	gateway ReminderGateway,
	logger *slog.Logger,
) (*ReminderTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ReminderTable{
		guilds:  ReminderMap{},
		gateway: gateway,
		logger:  logger,
	}
	m, err := gateway.Load(ctx)
	if err != nil {
		return t, err
	}
	if m != nil {
		t.guilds = m
	}
	logger.InfoContext(ctx, "loaded reminders", "count", t.guilds.Len())
	return t, nil
}

// Add appends r to the channel's reminders and persists the table,
// returning the new reminder's 1-based index. If persisting fails, the
// append is rolled back.
func (t *ReminderTable) Add(
	ctx context.Context,
	guildID string,
	channelID string,
	r Reminder,
) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels, guildExisted := t.guilds[guildID]
	if !guildExisted {
		channels = map[string][]Reminder{}
		t.guilds[guildID] = channels
	}
	prev, channelExisted := channels[channelID]
	channels[channelID] = append(prev[:len(prev):len(prev)], r.clone())
	index := len(channels[channelID])

	if err := t.gateway.Save(ctx, t.guilds); err != nil {
		if channelExisted {
			channels[channelID] = prev
		} else {
			delete(channels, channelID)
		}
		if !guildExisted {
			delete(t.guilds, guildID)
		}
		return 0, &PersistenceError{Err: err}
	}

	t.logger.InfoContext(
		ctx,
		"added reminder",
		"guild_id", guildID,
		"channel_id", channelID,
		"index", index,
		"reminder", r,
	)
	return index, nil
}

// Remove deletes the reminder at the 1-based index from the channel's
// reminders. An emptied channel, then an emptied guild, is pruned. The
// table is persisted and the removal rolled back if that fails.
func (t *ReminderTable) Remove(
	ctx context.Context,
	guildID string,
	channelID string,
	index int,
) (Reminder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels, ok := t.guilds[guildID]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	reminders, ok := channels[channelID]
	if !ok || len(reminders) == 0 {
		return Reminder{}, ErrNotFound
	}
	if index < 1 || index > len(reminders) {
		return Reminder{}, &IndexOutOfRangeError{Index: index, Len: len(reminders)}
	}

	removed := reminders[index-1]
	updated := make([]Reminder, 0, len(reminders)-1)
	updated = append(updated, reminders[:index-1]...)
	updated = append(updated, reminders[index:]...)

	if len(updated) == 0 {
		delete(channels, channelID)
	} else {
		channels[channelID] = updated
	}
	guildPruned := false
	if len(channels) == 0 {
		delete(t.guilds, guildID)
		guildPruned = true
	}

	if err := t.gateway.Save(ctx, t.guilds); err != nil {
		if guildPruned {
			t.guilds[guildID] = channels
		}
		channels[channelID] = reminders
		return Reminder{}, &PersistenceError{Err: err}
	}

	t.logger.InfoContext(
		ctx,
		"removed reminder",
		"guild_id", guildID,
		"channel_id", channelID,
		"index", index,
		"reminder", removed,
	)
	return removed, nil
}

// List returns a copy of the reminders for a channel
func (t *ReminderTable) List(guildID, channelID string) []Reminder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	reminders := t.guilds[guildID][channelID]
	out := make([]Reminder, len(reminders))
	for i, r := range reminders {
		out[i] = r.clone()
	}
	return out
}

// Guild returns a copy of every channel's reminders in a guild
func (t *ReminderTable) Guild(guildID string) map[string][]Reminder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	channels, ok := t.guilds[guildID]
	if !ok {
		return map[string][]Reminder{}
	}
	return ReminderMap{guildID: channels}.clone()[guildID]
}

// Snapshot returns a deep copy of the whole table
func (t *ReminderTable) Snapshot() ReminderMap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.guilds.clone()
}

// Len returns the number of reminders in the table
func (t *ReminderTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.guilds.Len()
}

// Update runs fn with exclusive access to the table. If fn reports a
// change, the table is persisted before the lock is released. fn must
// not block on I/O.
func (t *ReminderTable) Update(
	ctx context.Context,
	fn func(m ReminderMap) bool,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !fn(t.guilds) {
		return nil
	}
	if err := t.gateway.Save(ctx, t.guilds); err != nil {
		return &PersistenceError{Err: err}
	}
	return nil
}
