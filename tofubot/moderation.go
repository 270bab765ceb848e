package tofubot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	ErrAlreadyBanned = errors.New("already banned")
	ErrProtectedUser = errors.New("user is protected")
	ErrSelfUnban     = errors.New("you can't unban yourself")
)

// Ban is a voice ban on a guild member. The member stays server muted
// until Until.
type Ban struct {
	GuildID string    `json:"guild_id"`
	UserID  string    `json:"user_id"`
	Until   time.Time `json:"until"`
}

func (b Ban) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", b.GuildID),
		slog.String("user_id", b.UserID),
		slog.Time("until", b.Until),
	)
}

type memberKey struct {
	GuildID string
	UserID  string
}

// BanList holds active voice bans, persisted as a JSON file
type BanList struct {
	path   string
	mu     sync.RWMutex
	bans   []Ban
	logger *slog.Logger

	// unmutePending holds members whose ban was lifted while they weren't
	// in a voice channel, so the mute couldn't be removed at the time
	unmutePending map[memberKey]struct{}
}

func LoadBanList(path string, logger *slog.Logger) *BanList {
	l := &BanList{path: path, logger: logger, unmutePending: map[memberKey]struct{}{}}
	if err := loadJSONFile(path, &l.bans); err != nil {
		logger.Error("error loading ban list, starting empty", tint.Err(err), "path", path)
		l.bans = nil
	}
	return l
}

func (l *BanList) indexOf(guildID, userID string) int {
	return slices.IndexFunc(
		l.bans, func(b Ban) bool {
			return b.GuildID == guildID && b.UserID == userID
		},
	)
}

// Add records a ban. A member can't be banned twice.
func (l *BanList) Add(ctx context.Context, ban Ban) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexOf(ban.GuildID, ban.UserID) >= 0 {
		return ErrAlreadyBanned
	}
	prev := l.bans
	l.bans = append(slices.Clone(prev), ban)
	if err := saveJSONFile(l.path, l.bans); err != nil {
		l.bans = prev
		return &PersistenceError{Err: err}
	}
	delete(l.unmutePending, memberKey{ban.GuildID, ban.UserID})
	l.logger.InfoContext(ctx, "banned member", "ban", ban)
	return nil
}

// Remove lifts a ban, returning ErrNotFound if the member isn't banned
func (l *BanList) Remove(ctx context.Context, guildID, userID string) (Ban, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(guildID, userID)
	if idx < 0 {
		return Ban{}, ErrNotFound
	}
	prev := l.bans
	ban := prev[idx]
	l.bans = slices.Delete(slices.Clone(prev), idx, idx+1)
	if err := saveJSONFile(l.path, l.bans); err != nil {
		l.bans = prev
		return Ban{}, &PersistenceError{Err: err}
	}
	l.logger.InfoContext(ctx, "lifted ban", "ban", ban)
	return ban, nil
}

// Banned reports whether the member has a ban which hasn't expired
func (l *BanList) Banned(guildID, userID string, now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.indexOf(guildID, userID)
	return idx >= 0 && now.Before(l.bans[idx].Until)
}

// Expired returns the bans which have expired as of now
func (l *BanList) Expired(now time.Time) []Ban {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var expired []Ban
	for _, b := range l.bans {
		if !now.Before(b.Until) {
			expired = append(expired, b)
		}
	}
	return expired
}

func (l *BanList) List() []Ban {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.bans)
}

func (l *BanList) markUnmutePending(guildID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unmutePending[memberKey{guildID, userID}] = struct{}{}
}

// takeUnmutePending reports whether the member is waiting to be
// unmuted, and clears the flag
func (l *BanList) takeUnmutePending(guildID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := memberKey{guildID, userID}
	_, ok := l.unmutePending[key]
	delete(l.unmutePending, key)
	return ok
}

// BlockList holds users whose messages are deleted on sight, persisted
// as a JSON file
type BlockList struct {
	path   string
	mu     sync.RWMutex
	users  []string
	logger *slog.Logger
}

func LoadBlockList(path string, logger *slog.Logger) *BlockList {
	l := &BlockList{path: path, logger: logger}
	if err := loadJSONFile(path, &l.users); err != nil {
		logger.Error("error loading block list, starting empty", tint.Err(err), "path", path)
		l.users = nil
	}
	slices.Sort(l.users)
	l.users = slices.Compact(l.users)
	return l
}

// Add blocks a user. It reports false if the user was already blocked.
func (l *BlockList) Add(ctx context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, found := slices.BinarySearch(l.users, userID)
	if found {
		return false, nil
	}
	prev := l.users
	l.users = slices.Insert(slices.Clone(prev), idx, userID)
	if err := saveJSONFile(l.path, l.users); err != nil {
		l.users = prev
		return false, &PersistenceError{Err: err}
	}
	l.logger.InfoContext(ctx, "blocked user", "user_id", userID)
	return true, nil
}

// Remove unblocks a user. It reports false if the user wasn't blocked.
func (l *BlockList) Remove(ctx context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, found := slices.BinarySearch(l.users, userID)
	if !found {
		return false, nil
	}
	prev := l.users
	l.users = slices.Delete(slices.Clone(prev), idx, idx+1)
	if err := saveJSONFile(l.path, l.users); err != nil {
		l.users = prev
		return false, &PersistenceError{Err: err}
	}
	l.logger.InfoContext(ctx, "unblocked user", "user_id", userID)
	return true, nil
}

func (l *BlockList) Contains(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, found := slices.BinarySearch(l.users, userID)
	return found
}

func (l *BlockList) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.users)
}

func (b *TofuBot) handleBan(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)
	userID := optionSnowflake(opts, "member")
	mins, _ := optionInt(opts, "mins")

	if userID == "" {
		_ = respondText(ctx, h, ">> Unable to resolve the member", true)
		return &ValidationError{Field: "member", Msg: "missing"}
	}
	if slices.Contains(b.config.Moderation.ProtectedUserIDs, userID) {
		_ = respondText(ctx, h, fmt.Sprintf(">> You can't ban <@%s>", userID), true)
		return ErrProtectedUser
	}
	if mins < 1 {
		_ = respondText(ctx, h, ">> The ban must last at least a minute", true)
		return &ValidationError{Field: "mins", Value: fmt.Sprint(mins), Msg: "must be at least 1"}
	}

	ban := Ban{
		GuildID: i.GuildID,
		UserID:  userID,
		Until:   b.clock.Now().Add(time.Duration(mins) * time.Minute),
	}
	if err := b.bans.Add(ctx, ban); err != nil {
		if errors.Is(err, ErrAlreadyBanned) {
			_ = respondText(ctx, h, fmt.Sprintf(">> <@%s> is already banned", userID), true)
		} else {
			_ = respondText(ctx, h, ">> Failed to save the ban list", true)
		}
		return err
	}

	if err := b.discord.session.GuildMemberMute(i.GuildID, userID, true); err != nil {
		// not in a voice channel, the mute is applied when they join one
		h.Logger().WarnContext(ctx, "unable to mute banned member", tint.Err(err), "ban", ban)
	}
	return respondText(
		ctx,
		h,
		fmt.Sprintf(">> Banned <@%s> for %d minute(s)", userID, mins),
		true,
	)
}

func (b *TofuBot) handleUnban(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	userID := optionSnowflake(discordInteractionOptions(i), "member")
	if u := getDiscordUser(i); u != nil && u.ID == userID {
		_ = respondText(ctx, h, ">> You can't unban yourself", true)
		return ErrSelfUnban
	}

	ban, err := b.bans.Remove(ctx, i.GuildID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = respondText(ctx, h, ">> That member isn't banned", true)
		} else {
			_ = respondText(ctx, h, ">> Failed to save the ban list", true)
		}
		return err
	}
	b.unmute(ctx, ban)
	return respondText(ctx, h, fmt.Sprintf(">> Unbanned <@%s>", userID), true)
}

// unmute removes the server mute applied by a ban. If the member isn't in
// a voice channel, they're unmuted the next time they join one.
func (b *TofuBot) unmute(ctx context.Context, ban Ban) {
	b.metrics.bansLifted.Inc()
	if err := b.discord.session.GuildMemberMute(ban.GuildID, ban.UserID, false); err != nil {
		b.logger.WarnContext(ctx, "unable to unmute member, deferring", tint.Err(err), "ban", ban)
		b.bans.markUnmutePending(ban.GuildID, ban.UserID)
	}
}

// runBanSweeper lifts expired bans every SweepInterval until ctx is
// cancelled
func (b *TofuBot) runBanSweeper(ctx context.Context) error {
	interval := b.config.Moderation.SweepInterval
	b.logger.InfoContext(ctx, "starting ban sweeper", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(interval):
			b.sweepBans(ctx)
		}
	}
}

func (b *TofuBot) sweepBans(ctx context.Context) {
	for _, ban := range b.bans.Expired(b.clock.Now()) {
		if _, err := b.bans.Remove(ctx, ban.GuildID, ban.UserID); err != nil {
			b.logger.ErrorContext(ctx, "error lifting expired ban", tint.Err(err), "ban", ban)
			continue
		}
		b.unmute(ctx, ban)
	}
}

// handleVoiceStateUpdate re-applies the mute when a banned member joins
// a voice channel (or an admin unmutes them), and completes deferred
// unmutes
func (b *TofuBot) handleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.ChannelID == "" {
		return
	}
	logger := b.logger.With("guild_id", v.GuildID, "user_id", v.UserID)

	if b.bans.Banned(v.GuildID, v.UserID, b.clock.Now()) {
		if v.Mute {
			return
		}
		logger.InfoContext(ctx, "re-applying voice ban")
		if err := b.discord.session.GuildMemberMute(v.GuildID, v.UserID, true); err != nil {
			logger.ErrorContext(ctx, "error muting banned member", tint.Err(err))
		}
		return
	}

	if v.Mute && b.bans.takeUnmutePending(v.GuildID, v.UserID) {
		logger.InfoContext(ctx, "completing deferred unmute")
		if err := b.discord.session.GuildMemberMute(v.GuildID, v.UserID, false); err != nil {
			logger.ErrorContext(ctx, "error unmuting member", tint.Err(err))
			b.bans.markUnmutePending(v.GuildID, v.UserID)
		}
	}
}

func (b *TofuBot) handleBlock(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	userID := optionSnowflake(discordInteractionOptions(i), "user")
	if userID == "" {
		_ = respondText(ctx, h, ">> Unable to resolve the user", true)
		return &ValidationError{Field: "user", Msg: "missing"}
	}
	added, err := b.blocks.Add(ctx, userID)
	if err != nil {
		_ = respondText(ctx, h, ">> Failed to save the block list", true)
		return err
	}
	if !added {
		return respondText(ctx, h, fmt.Sprintf(">> <@%s> is already blocked", userID), true)
	}
	return respondText(ctx, h, fmt.Sprintf(">> Blocked <@%s>", userID), true)
}

func (b *TofuBot) handleRemoveBlock(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	userID := optionSnowflake(discordInteractionOptions(i), "user")
	if userID == "" {
		_ = respondText(ctx, h, ">> Unable to resolve the user", true)
		return &ValidationError{Field: "user", Msg: "missing"}
	}
	removed, err := b.blocks.Remove(ctx, userID)
	if err != nil {
		_ = respondText(ctx, h, ">> Failed to save the block list", true)
		return err
	}
	if !removed {
		return respondText(ctx, h, fmt.Sprintf(">> <@%s> isn't blocked", userID), true)
	}
	return respondText(ctx, h, fmt.Sprintf(">> Removed <@%s> from the block list", userID), true)
}

func (b *TofuBot) handleDisplayBlockList(ctx context.Context, h InteractionHandler) error {
	users := b.blocks.List()
	if len(users) == 0 {
		return respondText(ctx, h, ">> The block list is empty", true)
	}
	var sb strings.Builder
	sb.WriteString("V Block list V\n")
	for n, id := range users {
		fmt.Fprintf(&sb, "%d. <@%s>\n", n+1, id)
	}
	return respondText(ctx, h, strings.TrimRight(sb.String(), "\n"), true)
}
