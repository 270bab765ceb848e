package tofubot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockOpenAIClient struct {
	mu sync.Mutex

	chatRequests  []openai.ChatCompletionRequest
	imageRequests []openai.ImageRequest

	reply  string
	models []string
	err    error
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatRequests = append(m.chatRequests, req)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: m.reply,
				},
			},
		},
	}, nil
}

func (m *mockOpenAIClient) CreateImage(
	_ context.Context,
	req openai.ImageRequest,
) (openai.ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageRequests = append(m.imageRequests, req)
	if m.err != nil {
		return openai.ImageResponse{}, m.err
	}
	return openai.ImageResponse{
		Data: []openai.ImageResponseDataInner{{URL: "https://example.com/tofu.png"}},
	}, nil
}

func (m *mockOpenAIClient) ListModels(_ context.Context) (openai.ModelsList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return openai.ModelsList{}, m.err
	}
	list := openai.ModelsList{}
	for _, id := range m.models {
		list.Models = append(list.Models, openai.Model{ID: id})
	}
	return list, nil
}

func newTestOpenAI(t *testing.T, client OpenAIClient) *OpenAI {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.OpenAI.MaxRequestsPerSecond = 1000
	o := newOpenAI(cfg.OpenAI, nil)
	o.client = client
	return o
}

func TestOpenAIDisabledWithoutToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	o := newOpenAI(cfg.OpenAI, nil)
	ctx := context.Background()

	_, err := o.Chat(ctx, "", testUserID, "hi")
	assert.ErrorIs(t, err, ErrOpenAIDisabled)
	_, err = o.Image(ctx, "", testUserID, "tofu")
	assert.ErrorIs(t, err, ErrOpenAIDisabled)
	_, err = o.Models(ctx)
	assert.ErrorIs(t, err, ErrOpenAIDisabled)
}

func TestOpenAIChat(t *testing.T) {
	client := &mockOpenAIClient{reply: "hello there"}
	o := newTestOpenAI(t, client)

	reply, err := o.Chat(context.Background(), "", testUserID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	require.Len(t, client.chatRequests, 1)
	req := client.chatRequests[0]
	assert.Equal(t, DefaultOpenAIChatModel, req.Model)
	assert.Equal(t, testUserID, req.User)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, DefaultOpenAISystemPrompt, req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)

	_, err = o.Chat(context.Background(), openai.GPT4o, testUserID, "again")
	require.NoError(t, err)
	assert.Equal(t, openai.GPT4o, client.chatRequests[1].Model)
}

func TestOpenAIChatNoChoices(t *testing.T) {
	o := newTestOpenAI(t, &emptyChatClient{})
	_, err := o.Chat(context.Background(), "", testUserID, "hi")
	assert.Error(t, err)
}

type emptyChatClient struct {
	mockOpenAIClient
}

func (*emptyChatClient) CreateChatCompletion(
	_ context.Context,
	_ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{ID: "empty"}, nil
}

func TestOpenAIImage(t *testing.T) {
	client := &mockOpenAIClient{}
	o := newTestOpenAI(t, client)

	url, err := o.Image(context.Background(), "", testUserID, "a block of tofu")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/tofu.png", url)

	require.Len(t, client.imageRequests, 1)
	req := client.imageRequests[0]
	assert.Equal(t, DefaultOpenAIImageModel, req.Model)
	assert.Equal(t, openai.CreateImageSize1024x1024, req.Size)
	assert.Equal(t, 1, req.N)
}

func TestOpenAIModelsGrouped(t *testing.T) {
	client := &mockOpenAIClient{
		models: []string{
			"gpt-4o",
			"dall-e-3",
			"whisper-1",
			"tts-1",
			"text-embedding-3-small",
			"gpt-3.5-turbo",
			"omni-moderation-latest",
			"dall-e-2",
		},
	}
	o := newTestOpenAI(t, client)

	groups, err := o.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string][]string{
			modelGroupLanguage:  {"gpt-3.5-turbo", "gpt-4o"},
			modelGroupImage:     {"dall-e-2", "dall-e-3"},
			modelGroupSpeech:    {"whisper-1"},
			modelGroupTTS:       {"tts-1"},
			modelGroupEmbedding: {"text-embedding-3-small"},
			modelGroupOther:     {"omni-moderation-latest"},
		},
		groups,
	)
}

func TestFormatModelGroups(t *testing.T) {
	groups := map[string][]string{
		modelGroupLanguage: {"a", "b", "c", "d"},
		modelGroupImage:    {"dall-e-3"},
	}
	assert.Equal(
		t,
		"**language**\n> a, b, c\n> d\n**image**\n> dall-e-3",
		formatModelGroups(groups, ""),
	)
	assert.Equal(t, "**image**\n> dall-e-3", formatModelGroups(groups, modelGroupImage))
	assert.Equal(t, ">> No models found", formatModelGroups(groups, modelGroupTTS))
}

func TestHandleChat(t *testing.T) {
	bot, _, _ := newTestBot(t)
	client := &mockOpenAIClient{reply: "tofu is great"}
	bot.openai.client = client
	bot.openai.SetRequestLimit(1000)

	h := newMockInteractionHandler(
		newCommandInteraction(
			commandChat,
			false,
			stringOption("message", "what is tofu?"),
			boolOption("public", true),
		),
	)
	bot.handleInteraction(context.Background(), h)

	responses := h.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, responses[0].Type)
	assert.Zero(t, responses[0].Data.Flags, "public replies aren't ephemeral")
	assert.Equal(t, "tofu is great", h.Content())
	assert.Equal(t, "what is tofu?", client.chatRequests[0].Messages[1].Content)
}

func TestHandleChatErrors(t *testing.T) {
	bot, _, _ := newTestBot(t)

	bot.openai.client = nil
	h := newMockInteractionHandler(
		newCommandInteraction(commandChat, false, stringOption("message", "hi")),
	)
	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, ">> AI commands are not enabled", h.Content())
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.Responses()[0].Data.Flags)

	bot.openai.client = &mockOpenAIClient{err: errors.New("quota exceeded")}
	bot.openai.SetRequestLimit(1000)
	h = newMockInteractionHandler(
		newCommandInteraction(commandChat, false, stringOption("message", "hi")),
	)
	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, bot.config.Discord.ErrorMessage, h.Content())
}

func TestHandleImage(t *testing.T) {
	bot, _, _ := newTestBot(t)
	bot.openai.client = &mockOpenAIClient{}
	bot.openai.SetRequestLimit(1000)

	h := newMockInteractionHandler(
		newCommandInteraction(commandImage, false, stringOption("prompt", "tofu cat")),
	)
	bot.handleInteraction(context.Background(), h)

	edits := h.Edits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Embeds)
	embeds := *edits[0].Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "https://example.com/tofu.png", embeds[0].Image.URL)
	assert.Equal(t, "tofu cat", *edits[0].Content)
}

func TestHandleModelList(t *testing.T) {
	bot, _, _ := newTestBot(t)
	bot.openai.client = &mockOpenAIClient{models: []string{"gpt-4o", "whisper-1"}}
	bot.openai.SetRequestLimit(1000)

	h := newMockInteractionHandler(
		newCommandInteraction(
			commandModelList,
			false,
			stringOption("model_type", modelGroupSpeech),
		),
	)
	bot.handleInteraction(context.Background(), h)
	assert.Equal(t, "**speech_recognition**\n> whisper-1", h.Content())
}
