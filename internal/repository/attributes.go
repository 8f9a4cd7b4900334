package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-orchestrator/internal/domain"
)

const (
	attrID            = "id"
	attrPrincipal     = "principal_id"
	attrName          = "name"
	attrMessages      = "messages"
	attrStrategyState = "strategy_state"
	attrQuestions     = "questions"
	attrFeedback      = "feedback"
	attrIsDeleted     = "isDeleted"
	attrDeletedAt     = "deletedAt"
	attrLastUpdated   = "lastUpdated"
	attrTs            = "_ts"

	attrQuestionID   = "question_id"
	attrText         = "text"
	attrIsPositive   = "is_positive"
	attrStarsRating  = "stars_rating"
	attrFeedbackText = "feedback_text"
)

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrID:          &types.AttributeValueMemberS{Value: conv.ID},
		attrPrincipal:   &types.AttributeValueMemberS{Value: conv.PrincipalID},
		attrName:        &types.AttributeValueMemberS{Value: conv.Name},
		attrQuestions:   questionsAttr(conv.Questions),
		attrFeedback:    feedbackAttr(conv.Feedback),
		attrLastUpdated: &types.AttributeValueMemberS{Value: formatTime(conv.LastUpdated)},
		attrTs:          &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.Ts, 10)},
	}
	// messages is stored verbatim; only the strategy reads it.
	if len(conv.Messages) > 0 {
		item[attrMessages] = &types.AttributeValueMemberS{Value: string(conv.Messages)}
	}
	if len(conv.StrategyState) > 0 {
		state := make(map[string]types.AttributeValue, len(conv.StrategyState))
		for k, v := range conv.StrategyState {
			state[k] = &types.AttributeValueMemberS{Value: v}
		}
		item[attrStrategyState] = &types.AttributeValueMemberM{Value: state}
	}
	if conv.IsDeleted {
		item[attrIsDeleted] = &types.AttributeValueMemberBOOL{Value: true}
		if !conv.DeletedAt.IsZero() {
			item[attrDeletedAt] = &types.AttributeValueMemberS{Value: formatTime(conv.DeletedAt)}
		}
	}
	return item
}

func questionsAttr(questions []domain.Question) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(questions))
	for _, q := range questions {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			attrQuestionID: &types.AttributeValueMemberS{Value: q.QuestionID},
			attrText:       &types.AttributeValueMemberS{Value: q.Text},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func feedbackAttr(feedback []domain.Feedback) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(feedback))
	for _, fb := range feedback {
		entry := map[string]types.AttributeValue{
			attrQuestionID:   nullableString(fb.QuestionID),
			attrIsPositive:   &types.AttributeValueMemberNULL{Value: true},
			attrStarsRating:  &types.AttributeValueMemberNULL{Value: true},
			attrFeedbackText: nullableString(fb.FeedbackText),
		}
		if fb.IsPositive != nil {
			entry[attrIsPositive] = &types.AttributeValueMemberBOOL{Value: *fb.IsPositive}
		}
		if fb.StarsRating != nil {
			entry[attrStarsRating] = &types.AttributeValueMemberN{Value: strconv.Itoa(*fb.StarsRating)}
		}
		list = append(list, &types.AttributeValueMemberM{Value: entry})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func nullableString(p *string) types.AttributeValue {
	if p == nil {
		return &types.AttributeValueMemberNULL{Value: true}
	}
	return &types.AttributeValueMemberS{Value: *p}
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, attrID)
	if err != nil {
		return domain.Conversation{}, err
	}
	principal, err := strAttr(item, attrPrincipal)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv := domain.Conversation{ID: id, PrincipalID: principal}

	if conv.Name, err = optStrAttr(item, attrName); err != nil {
		return domain.Conversation{}, err
	}
	raw, err := optStrAttr(item, attrMessages)
	if err != nil {
		return domain.Conversation{}, err
	}
	if raw != "" {
		conv.Messages = json.RawMessage(raw)
	}
	if conv.StrategyState, err = stringMapAttr(item, attrStrategyState); err != nil {
		return domain.Conversation{}, err
	}
	if conv.Questions, err = questionsFromAttr(item); err != nil {
		return domain.Conversation{}, err
	}
	if conv.Feedback, err = feedbackFromAttr(item); err != nil {
		return domain.Conversation{}, err
	}
	if conv.IsDeleted, err = optBoolAttr(item, attrIsDeleted); err != nil {
		return domain.Conversation{}, err
	}
	if conv.DeletedAt, err = optTimeAttr(item, attrDeletedAt); err != nil {
		return domain.Conversation{}, err
	}
	if conv.LastUpdated, err = optTimeAttr(item, attrLastUpdated); err != nil {
		return domain.Conversation{}, err
	}
	if conv.Ts, err = optInt64Attr(item, attrTs); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func itemToSummary(item map[string]types.AttributeValue) (domain.ConversationSummary, error) {
	id, err := strAttr(item, attrID)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	name, err := optStrAttr(item, attrName)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	ts, err := optInt64Attr(item, attrTs)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	updated, err := optTimeAttr(item, attrLastUpdated)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	return domain.Conversation{ID: id, Name: name, Ts: ts, LastUpdated: updated}.Summary(), nil
}

func questionsFromAttr(item map[string]types.AttributeValue) ([]domain.Question, error) {
	entries, err := listOfMaps(item, attrQuestions)
	if err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(entries))
	for _, entry := range entries {
		qid, err := optStrAttr(entry, attrQuestionID)
		if err != nil {
			return nil, err
		}
		text, err := optStrAttr(entry, attrText)
		if err != nil {
			return nil, err
		}
		questions = append(questions, domain.Question{QuestionID: qid, Text: text})
	}
	return questions, nil
}

func feedbackFromAttr(item map[string]types.AttributeValue) ([]domain.Feedback, error) {
	entries, err := listOfMaps(item, attrFeedback)
	if err != nil {
		return nil, err
	}
	feedback := make([]domain.Feedback, 0, len(entries))
	for _, entry := range entries {
		var fb domain.Feedback
		if fb.QuestionID, err = nullableStrAttr(entry, attrQuestionID); err != nil {
			return nil, err
		}
		if fb.FeedbackText, err = nullableStrAttr(entry, attrFeedbackText); err != nil {
			return nil, err
		}
		switch v := entry[attrIsPositive].(type) {
		case nil, *types.AttributeValueMemberNULL:
		case *types.AttributeValueMemberBOOL:
			positive := v.Value
			fb.IsPositive = &positive
		default:
			return nil, fmt.Errorf("repository: attribute %q is not a bool", attrIsPositive)
		}
		switch v := entry[attrStarsRating].(type) {
		case nil, *types.AttributeValueMemberNULL:
		case *types.AttributeValueMemberN:
			stars, err := strconv.Atoi(v.Value)
			if err != nil {
				return nil, fmt.Errorf("repository: parse attribute %q: %w", attrStarsRating, err)
			}
			fb.StarsRating = &stars
		default:
			return nil, fmt.Errorf("repository: attribute %q is not a number", attrStarsRating)
		}
		feedback = append(feedback, fb)
	}
	return feedback, nil
}

func listOfMaps(item map[string]types.AttributeValue, key string) ([]map[string]types.AttributeValue, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]map[string]types.AttributeValue, 0, len(l.Value))
	for _, elem := range l.Value {
		m, ok := elem.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q holds a non-map element", key)
		}
		out = append(out, m.Value)
	}
	return out, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) (string, error) {
	if _, ok := item[key]; !ok {
		return "", nil
	}
	return strAttr(item, key)
}

func nullableStrAttr(item map[string]types.AttributeValue, key string) (*string, error) {
	switch v := item[key].(type) {
	case nil, *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		s := v.Value
		return &s, nil
	default:
		return nil, fmt.Errorf("repository: attribute %q is not a string", key)
	}
}

func optBoolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func optInt64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := optStrAttr(item, key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t.UTC(), nil
}

func stringMapAttr(item map[string]types.AttributeValue, key string) (map[string]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a map", key)
	}
	out := make(map[string]string, len(m.Value))
	for k, elem := range m.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q.%s is not a string", key, k)
		}
		out[k] = s.Value
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nextStamp returns the lastUpdated value for a write at now. Stamps are kept
// at microsecond precision and always move past prev, so a rewrite within the
// same clock tick still advances lastUpdated.
func nextStamp(now, prev time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if prev.IsZero() || now.After(prev) {
		return now
	}
	return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
}
