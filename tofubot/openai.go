package tofubot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrOpenAIDisabled is returned when no OpenAI token is configured
var ErrOpenAIDisabled = errors.New("openai is not configured")

const (
	modelGroupLanguage  = "language"
	modelGroupImage     = "image"
	modelGroupSpeech    = "speech_recognition"
	modelGroupTTS       = "text_to_speech"
	modelGroupEmbedding = "embedding"
	modelGroupOther     = "other"
)

var modelGroupOrder = []string{
	modelGroupLanguage,
	modelGroupImage,
	modelGroupSpeech,
	modelGroupTTS,
	modelGroupEmbedding,
	modelGroupOther,
}

// OpenAIClient is the subset of the go-openai client the bot uses
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)

	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)

	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAI wraps the OpenAI client with a request rate limit
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // protects requestLimiter
}

// newOpenAI returns an OpenAI client for the config. If no token is
// configured, the client is nil and every request fails with
// ErrOpenAIDisabled.
func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		mu:     &sync.RWMutex{},
		logger: newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	if config.Token == "" {
		o.logger.Warn("no openai token configured, AI commands are disabled")
		return o
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// SetRequestLimit replaces the request rate limit
func (o *OpenAI) SetRequestLimit(perSecond float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Chat sends a single user message, prefixed by the configured system
// prompt, and returns the reply. An empty model uses the configured
// default.
func (o *OpenAI) Chat(
	ctx context.Context,
	model string,
	userID string,
	message string,
) (string, error) {
	if o.client == nil {
		return "", ErrOpenAIDisabled
	}
	if model == "" {
		model = o.config.ChatModel
	}
	logger := contextLoggerOr(ctx, o.logger)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	var messages []openai.ChatCompletionMessage
	if o.config.SystemPrompt != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: o.config.SystemPrompt,
			},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: message,
		},
	)

	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			User:     userID,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating chat completion", tint.Err(err), "model", model)
		return "", err
	}
	logger.InfoContext(
		ctx,
		"created chat completion",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in chat completion %s", resp.ID)
	}
	return resp.Choices[0].Message.Content, nil
}

// Image generates a single 1024x1024 image and returns its URL
func (o *OpenAI) Image(
	ctx context.Context,
	model string,
	userID string,
	prompt string,
) (string, error) {
	if o.client == nil {
		return "", ErrOpenAIDisabled
	}
	if model == "" {
		model = o.config.ImageModel
	}
	logger := contextLoggerOr(ctx, o.logger)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	resp, err := o.client.CreateImage(
		ctx,
		openai.ImageRequest{
			Prompt:         prompt,
			Model:          model,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatURL,
			User:           userID,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating image", tint.Err(err), "model", model)
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("no image returned")
	}
	logger.InfoContext(ctx, "created image", "model", model)
	return resp.Data[0].URL, nil
}

// Models lists available model IDs, grouped by what they're for
func (o *OpenAI) Models(ctx context.Context) (map[string][]string, error) {
	if o.client == nil {
		return nil, ErrOpenAIDisabled
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, err
	}
	list, err := o.client.ListModels(ctx)
	if err != nil {
		contextLoggerOr(ctx, o.logger).ErrorContext(ctx, "error listing models", tint.Err(err))
		return nil, err
	}

	groups := map[string][]string{}
	for _, m := range list.Models {
		group := modelGroup(m.ID)
		groups[group] = append(groups[group], m.ID)
	}
	for _, ids := range groups {
		slices.Sort(ids)
	}
	return groups, nil
}

func modelGroup(id string) string {
	switch {
	case strings.HasPrefix(id, "text-embedding"):
		return modelGroupEmbedding
	case strings.HasPrefix(id, "dall-e"):
		return modelGroupImage
	case strings.HasPrefix(id, "whisper"):
		return modelGroupSpeech
	case strings.HasPrefix(id, "tts"):
		return modelGroupTTS
	case strings.HasPrefix(id, "gpt"),
		strings.HasPrefix(id, "chatgpt"),
		strings.HasPrefix(id, "o1"),
		strings.HasPrefix(id, "text-"),
		strings.HasPrefix(id, "davinci"),
		strings.HasPrefix(id, "babbage"):
		return modelGroupLanguage
	default:
		return modelGroupOther
	}
}
