package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// AnonymousPrincipal is the principal id assigned to unauthenticated callers.
const AnonymousPrincipal = "anonymous"

// Question is one recorded user question within a conversation.
type Question struct {
	QuestionID string
	Text       string
}

// Feedback is a user rating attached to a conversation. Nil fields were not
// supplied by the caller.
type Feedback struct {
	QuestionID   *string
	IsPositive   *bool
	StarsRating  *int
	FeedbackText *string
}

// Conversation is the persisted conversation document.
//
// PrincipalID holds the partition key exactly as stored, which for anonymous
// conversations is the synthetic "anonymous-{id}" value. Messages is owned by
// the answer strategy and is never interpreted outside of it.
type Conversation struct {
	ID            string
	PrincipalID   string
	Name          string
	Messages      json.RawMessage
	StrategyState map[string]string
	Questions     []Question
	Feedback      []Feedback
	IsDeleted     bool
	DeletedAt     time.Time
	LastUpdated   time.Time
	// Ts is the store-assigned creation marker in epoch seconds.
	Ts int64
}

// CreatedAt returns the creation time derived from Ts.
func (c Conversation) CreatedAt() time.Time {
	if c.Ts == 0 {
		return time.Time{}
	}
	return time.Unix(c.Ts, 0).UTC()
}

// Summary returns the listing view of the conversation.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:          c.ID,
		Name:        c.Name,
		CreatedAt:   c.CreatedAt(),
		LastUpdated: c.LastUpdated,
	}
}

// Clone returns a deep copy so stores can hand out documents without sharing
// backing arrays with the caller.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = slices.Clone(c.Messages)
	out.StrategyState = maps.Clone(c.StrategyState)
	out.Questions = slices.Clone(c.Questions)
	if c.Feedback != nil {
		out.Feedback = make([]Feedback, len(c.Feedback))
		for i, fb := range c.Feedback {
			out.Feedback[i] = fb.clone()
		}
	}
	return out
}

func (f Feedback) clone() Feedback {
	return Feedback{
		QuestionID:   clonePtr(f.QuestionID),
		IsPositive:   clonePtr(f.IsPositive),
		StarsRating:  clonePtr(f.StarsRating),
		FeedbackText: clonePtr(f.FeedbackText),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ConversationSummary is the metadata-only view returned by listings.
type ConversationSummary struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	LastUpdated time.Time
}

// ConversationDetail is the full view returned to the owner.
type ConversationDetail struct {
	ID          string
	Name        string
	PrincipalID string
	CreatedAt   time.Time
	LastUpdated time.Time
	Messages    json.RawMessage
}

// ConversationQuery selects a page of a principal's active conversations.
type ConversationQuery struct {
	PrincipalID string
	// Name, when set, restricts results to names containing it.
	Name  string
	Skip  int
	Limit int
}
