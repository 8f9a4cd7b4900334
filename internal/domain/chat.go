package domain

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is the provider-agnostic chat message shape the strategies keep
// in Conversation.Messages.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DecodeChatHistory parses a messages blob written by EncodeChatHistory.
// An empty blob is an empty history.
func DecodeChatHistory(raw json.RawMessage) ([]ChatMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("domain: decode chat history: %w", err)
	}
	return msgs, nil
}

// EncodeChatHistory serializes chat messages for Conversation.Messages.
func EncodeChatHistory(msgs []ChatMessage) (json.RawMessage, error) {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("domain: encode chat history: %w", err)
	}
	return b, nil
}

// TailHistory returns at most limit trailing messages. A non-positive limit
// returns the history unchanged.
func TailHistory(msgs []ChatMessage, limit int) []ChatMessage {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// Strategy state keys shared by the chat-history strategies.
const (
	StateProvider       = "provider"
	StateLastResponseID = "last_response_id"
)

// RecordExchange appends a question/answer pair to conv's history and notes
// which provider answered. An empty answer leaves the history untouched so
// a failed call does not leave an unanswered user message behind.
func RecordExchange(conv *Conversation, history []ChatMessage, question, answer, provider, responseID string) error {
	if conv.StrategyState == nil {
		conv.StrategyState = map[string]string{}
	}
	conv.StrategyState[StateProvider] = provider
	if responseID != "" {
		conv.StrategyState[StateLastResponseID] = responseID
	}
	if answer == "" {
		return nil
	}
	history = append(history,
		ChatMessage{Role: RoleUser, Content: question},
		ChatMessage{Role: RoleAssistant, Content: answer})
	raw, err := EncodeChatHistory(history)
	if err != nil {
		return err
	}
	conv.Messages = raw
	return nil
}

// UserContext identifies the caller of a turn to the strategy. Name is empty
// for anonymous callers or when the authorizer supplied none.
type UserContext struct {
	PrincipalID string
	Name        string
}

// PromptFor extends the system prompt with who the strategy is talking to.
func PromptFor(systemPrompt string, user UserContext) string {
	if user.Name == "" {
		return systemPrompt
	}
	line := "You are speaking with " + user.Name + "."
	if systemPrompt == "" {
		return line
	}
	return systemPrompt + "\n\n" + line
}
