package tofubot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	xhsLinkReply        = "# Xiaohongshu kid, be quiet"
	tiktokDefaultReply  = "Douyin kid, be quiet"
	tiktokReplyMaxChars = 200
)

var tiktokDomains = []string{"tiktok.com", "douyin.com"}

// TikTokResponder replies to short video links with a random message
// from a line-per-message file
type TikTokResponder struct {
	path     string
	mu       sync.RWMutex
	messages []string
	logger   *slog.Logger
	randIntN func(n int) int
}

// LoadTikTokResponder reads the reply file at path, creating it if it
// doesn't exist
func LoadTikTokResponder(path string, logger *slog.Logger) *TikTokResponder {
	r := &TikTokResponder{path: path, logger: logger, randIntN: rand.IntN}
	messages, err := readLines(path)
	if err != nil {
		logger.Error("error loading tiktok replies", tint.Err(err), "path", path)
	}
	r.messages = messages
	return r
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, writeFileAtomic(path, nil)
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// Reply returns the reply for a message, and false if the message
// doesn't contain a short video link
func (r *TikTokResponder) Reply(content string) (string, bool) {
	if strings.Contains(content, "xhslink.com") {
		return xhsLinkReply, true
	}
	if !slices.ContainsFunc(
		tiktokDomains, func(domain string) bool {
			return strings.Contains(content, domain)
		},
	) {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.messages) == 0 {
		return "# " + tiktokDefaultReply, true
	}
	return "# " + r.messages[r.randIntN(len(r.messages))], true
}

// Add appends a reply and rewrites the file
func (r *TikTokResponder) Add(ctx context.Context, message string) error {
	message = strings.TrimSpace(strings.ReplaceAll(message, "\n", " "))
	if message == "" {
		return &ValidationError{Field: "message", Value: message, Msg: "must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.messages
	r.messages = append(slices.Clone(prev), message)
	var buf bytes.Buffer
	for _, m := range r.messages {
		buf.WriteString(m)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(r.path, buf.Bytes()); err != nil {
		r.messages = prev
		return &PersistenceError{Err: err}
	}
	r.logger.InfoContext(ctx, "added tiktok reply", "count", len(r.messages))
	return nil
}

func (b *TofuBot) handleTikTokMsgAdd(ctx context.Context, h InteractionHandler) error {
	message := optionString(discordInteractionOptions(h.GetInteraction()), "message")
	if err := b.tiktok.Add(ctx, truncate(message, tiktokReplyMaxChars)); err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			_ = respondText(ctx, h, ">> The message can't be empty", true)
		} else {
			_ = respondText(ctx, h, ">> Failed to save the message", true)
		}
		return err
	}
	return respondText(ctx, h, ">> Added: "+message, true)
}

// handleMessage deletes messages from blocked users, and replies to
// short video links
func (b *TofuBot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	logger := b.logger.With("message_id", m.ID, "channel_id", m.ChannelID, "user_id", m.Author.ID)

	if b.blocks.Contains(m.Author.ID) {
		logger.InfoContext(ctx, "deleting message from blocked user")
		if err := b.discord.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
			logger.ErrorContext(ctx, "error deleting message", tint.Err(err))
		}
		return
	}

	reply, ok := b.tiktok.Reply(m.Content)
	if !ok {
		return
	}
	if _, err := b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to short video link", tint.Err(err))
	}
}
