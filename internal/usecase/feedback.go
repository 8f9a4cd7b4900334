package usecase

import (
	"context"
	"strings"

	"conversation-orchestrator/internal/domain"
)

type FeedbackInput struct {
	ConversationID string
	PrincipalID    string
	// QuestionID, when set, is stored as given without checking it exists.
	QuestionID string
	// Text is the question text the feedback refers to, used to find the
	// question when QuestionID is empty.
	Text         string
	IsPositive   *bool
	StarsRating  *int
	FeedbackText *string
}

// SubmitFeedback appends a feedback entry to the conversation it refers to.
func (s *SessionService) SubmitFeedback(ctx context.Context, in FeedbackInput) error {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if in.StarsRating != nil && (*in.StarsRating < 1 || *in.StarsRating > 5) {
		return newError(ErrorInvalidInput, "invalid_stars_rating", nil)
	}

	conv, found, err := s.store.Get(ctx, convID, partitionKey(in.PrincipalID, convID))
	if err != nil {
		return newError(ErrorStore, "conversation_read_error", err)
	}
	if !found || conv.IsDeleted {
		return notFound()
	}

	fb := domain.Feedback{
		IsPositive:   in.IsPositive,
		StarsRating:  in.StarsRating,
		FeedbackText: normalizeFeedbackText(in.FeedbackText),
	}
	if qid, ok := resolveQuestionID(conv.Questions, in.QuestionID, in.Text); ok {
		fb.QuestionID = &qid
	} else {
		s.logger.WarnContext(ctx, "could not resolve question for feedback; storing question_id=null",
			"conversation_id", convID)
	}
	conv.Feedback = append(conv.Feedback, fb)

	if _, err := s.store.Update(ctx, conv); err != nil {
		return newError(ErrorStore, "feedback_write_error", err)
	}
	s.logger.InfoContext(ctx, "feedback saved", "conversation_id", convID)
	return nil
}

// resolveQuestionID picks the question a feedback entry belongs to: the
// explicit id, else the latest question with the same text, else the latest
// question. It reports false only when there is nothing to pick from.
func resolveQuestionID(questions []domain.Question, explicitID, text string) (string, bool) {
	if id := strings.TrimSpace(explicitID); id != "" {
		return id, true
	}
	if text = strings.TrimSpace(text); text != "" {
		for i := len(questions) - 1; i >= 0; i-- {
			if strings.TrimSpace(questions[i].Text) == text && questions[i].QuestionID != "" {
				return questions[i].QuestionID, true
			}
		}
	}
	for i := len(questions) - 1; i >= 0; i-- {
		if questions[i].QuestionID != "" {
			return questions[i].QuestionID, true
		}
	}
	return "", false
}

func normalizeFeedbackText(p *string) *string {
	if p == nil {
		return nil
	}
	text := strings.TrimSpace(*p)
	if text == "" {
		return nil
	}
	return &text
}
