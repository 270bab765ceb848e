package tofubot

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// modelListRowLength is the number of model IDs per line of /model_list
const modelListRowLength = 3

func (b *TofuBot) handleChat(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)
	public := optionBool(opts, "public")

	if err := deferResponse(ctx, h, !public); err != nil {
		return err
	}

	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}
	reply, err := b.openai.Chat(
		WithLogger(ctx, h.Logger()),
		optionString(opts, "model"),
		userID,
		optionString(opts, "message"),
	)
	if err != nil {
		_ = editResponse(ctx, h, b.openAIErrorMessage(err))
		return err
	}
	return editResponse(ctx, h, reply)
}

func (b *TofuBot) handleImage(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	opts := discordInteractionOptions(i)
	public := optionBool(opts, "public")

	if err := deferResponse(ctx, h, !public); err != nil {
		return err
	}

	var userID string
	if u := getDiscordUser(i); u != nil {
		userID = u.ID
	}
	prompt := optionString(opts, "prompt")
	url, err := b.openai.Image(WithLogger(ctx, h.Logger()), optionString(opts, "model"), userID, prompt)
	if err != nil {
		_ = editResponse(ctx, h, b.openAIErrorMessage(err))
		return err
	}

	content := truncate(prompt, 200)
	_, err = h.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &content,
			Embeds: &[]*discordgo.MessageEmbed{
				{Image: &discordgo.MessageEmbedImage{URL: url}},
			},
		},
	)
	return err
}

func (b *TofuBot) handleModelList(ctx context.Context, h InteractionHandler) error {
	filter := optionString(discordInteractionOptions(h.GetInteraction()), "model_type")
	if err := deferResponse(ctx, h, true); err != nil {
		return err
	}

	groups, err := b.openai.Models(WithLogger(ctx, h.Logger()))
	if err != nil {
		_ = editResponse(ctx, h, b.openAIErrorMessage(err))
		return err
	}
	return editResponse(ctx, h, formatModelGroups(groups, filter))
}

func formatModelGroups(groups map[string][]string, filter string) string {
	var sb strings.Builder
	for _, group := range modelGroupOrder {
		if filter != "" && group != filter {
			continue
		}
		ids := groups[group]
		if len(ids) == 0 {
			continue
		}
		sb.WriteString("**" + group + "**\n")
		for _, row := range chunkItems(modelListRowLength, ids...) {
			sb.WriteString("> " + strings.Join(row, ", ") + "\n")
		}
	}
	if sb.Len() == 0 {
		return ">> No models found"
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *TofuBot) openAIErrorMessage(err error) string {
	if errors.Is(err, ErrOpenAIDisabled) {
		return ">> AI commands are not enabled"
	}
	b.logger.Error("openai request failed", tint.Err(err))
	return b.config.Discord.ErrorMessage
}
