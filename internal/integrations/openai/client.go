// Package openai answers conversation turns with OpenAI Chat Completions
// streaming, keeping the chat history in the conversation document.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conversation-orchestrator/internal/domain"
	"conversation-orchestrator/internal/integrations/paramstore"
)

const (
	Provider     = "openai"
	DefaultModel = openaisdk.ChatModelGPT4oMini

	defaultMaxHistory = 20
)

// Strategy satisfies usecase.Strategy.
type Strategy struct {
	tokens       *paramstore.TokenSource
	model        string
	systemPrompt string
	maxHistory   int
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
}

type Option func(*Strategy)

func WithModel(model string) Option {
	return func(s *Strategy) {
		if model = strings.TrimSpace(model); model != "" {
			s.model = model
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Strategy) { s.systemPrompt = strings.TrimSpace(prompt) }
}

// WithMaxHistory caps how many stored messages are replayed upstream.
func WithMaxHistory(n int) Option {
	return func(s *Strategy) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(s *Strategy) { s.baseURL = strings.TrimSpace(baseURL) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Strategy) { s.httpClient = httpClient }
}

func WithMaxRetries(n int) Option {
	return func(s *Strategy) { s.maxRetries = n }
}

// NewStrategy creates a Strategy whose API key is read from
// {paramPrefix}/open-ai-token on first use.
func NewStrategy(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Strategy, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	s := &Strategy{
		tokens:     paramstore.NewTokenSource(ps, paramPrefix+paramstore.OpenAITokenParam),
		model:      DefaultModel,
		maxHistory: defaultMaxHistory,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Strategy) Run(ctx context.Context, conv *domain.Conversation, question string, user domain.UserContext, emit func(string) error) error {
	history, err := domain.DecodeChatHistory(conv.Messages)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	apiKey, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("openai: resolve api key: %w", err)
	}

	client := openaisdk.NewClient(s.requestOptions(apiKey)...)
	stream := client.Chat.Completions.NewStreaming(ctx, openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(s.model),
		Messages: buildMessages(domain.PromptFor(s.systemPrompt, user), domain.TailHistory(history, s.maxHistory), question),
	})
	defer func() { _ = stream.Close() }()

	var (
		answer     strings.Builder
		responseID string
		emitErr    error
	)
	for emitErr == nil && stream.Next() {
		chunk := stream.Current()
		if responseID == "" {
			responseID = chunk.ID
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			answer.WriteString(choice.Delta.Content)
			if emitErr = emit(choice.Delta.Content); emitErr != nil {
				break
			}
		}
	}

	if err := domain.RecordExchange(conv, history, question, answer.String(), Provider, responseID); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if emitErr != nil {
		return emitErr
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: stream chat completion: %w", err)
	}
	return nil
}

func (s *Strategy) requestOptions(apiKey string) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.maxRetries),
	}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	if s.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(s.httpClient))
	}
	return opts
}

func buildMessages(systemPrompt string, history []domain.ChatMessage, question string) []openaisdk.ChatCompletionMessageParamUnion {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openaisdk.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(content))
		default:
			messages = append(messages, openaisdk.UserMessage(content))
		}
	}
	return append(messages, openaisdk.UserMessage(question))
}
