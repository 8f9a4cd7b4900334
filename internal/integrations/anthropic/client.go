// Package anthropic answers conversation turns with the Anthropic Messages
// streaming API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conversation-orchestrator/internal/domain"
	"conversation-orchestrator/internal/integrations/paramstore"
)

const (
	Provider     = "anthropic"
	DefaultModel = string(anthropicsdk.ModelClaude3_7SonnetLatest)

	defaultMaxTokens  = 1024
	defaultMaxHistory = 20
)

type Strategy struct {
	tokens       *paramstore.TokenSource
	model        string
	systemPrompt string
	maxTokens    int64
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

func WithMaxTokens(n int64) Option {
	return func(s *Strategy) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

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
// {paramPrefix}/anthropic-token on first use.
func NewStrategy(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Strategy, error) {
	if ps == nil {
		return nil, errors.New("anthropic: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("anthropic: parameter prefix must not be empty")
	}
	s := &Strategy{
		tokens:     paramstore.NewTokenSource(ps, paramPrefix+paramstore.AnthropicTokenParam),
		model:      DefaultModel,
		maxTokens:  defaultMaxTokens,
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
		return fmt.Errorf("anthropic: %w", err)
	}
	apiKey, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("anthropic: resolve api key: %w", err)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages:  buildMessages(domain.TailHistory(history, s.maxHistory), question),
	}
	if prompt := domain.PromptFor(s.systemPrompt, user); prompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: prompt}}
	}

	client := anthropicsdk.NewClient(s.requestOptions(apiKey)...)
	stream := client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var (
		answer    strings.Builder
		messageID string
		emitErr   error
	)
	for emitErr == nil && stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropicsdk.MessageStartEvent:
			messageID = ev.Message.ID
		case anthropicsdk.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(anthropicsdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			answer.WriteString(delta.Text)
			emitErr = emit(delta.Text)
		}
	}

	if err := domain.RecordExchange(conv, history, question, answer.String(), Provider, messageID); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	if emitErr != nil {
		return emitErr
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic: stream message: %w", err)
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

// buildMessages replays history as alternating turns. Messages API rejects
// empty text blocks, so blank entries are dropped.
func buildMessages(history []domain.ChatMessage, question string) []anthropicsdk.MessageParam {
	messages := make([]anthropicsdk.MessageParam, 0, len(history)+1)
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		block := anthropicsdk.NewTextBlock(content)
		if m.Role == domain.RoleAssistant {
			messages = append(messages, anthropicsdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropicsdk.NewUserMessage(block))
		}
	}
	return append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(question)))
}
