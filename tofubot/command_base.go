package tofubot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lmittmann/tint"
)

const infoDefaultTopic = "info"

// infoTopics are the /info types, each rendered from <topic>.md in the
// info directory
var infoTopics = []string{
	"common",
	"reminder",
	"ai",
	"cash",
	"anti_tiktok",
	"ban",
}

func (b *TofuBot) handlePing(ctx context.Context, h InteractionHandler) error {
	return respondText(ctx, h, "Pong!", true)
}

func (b *TofuBot) handleInfo(ctx context.Context, h InteractionHandler) error {
	topic := optionString(discordInteractionOptions(h.GetInteraction()), "type")
	content, err := renderInfo(b.config.Assets.InfoDir, topic)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error reading info", tint.Err(err), "topic", topic)
		_ = respondText(ctx, h, ">> Failed to read info", true)
		return err
	}
	return respondText(ctx, h, content, false)
}

// renderInfo reads the markdown for topic (or the general info page if
// topic is empty) and formats it as a discord block quote
func renderInfo(dir string, topic string) (string, error) {
	if topic == "" {
		topic = infoDefaultTopic
	} else if !slices.Contains(infoTopics, topic) {
		return "", &ValidationError{Field: "type", Value: topic, Msg: "unknown info type"}
	}

	data, err := os.ReadFile(filepath.Join(dir, topic+".md"))
	if err != nil {
		return "", fmt.Errorf("error reading %s info: %w", topic, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for n, line := range lines {
		lines[n] = strings.ReplaceAll("> "+strings.TrimRight(line, "\r"), "+", "-")
	}
	return strings.Join(lines, "\n"), nil
}
