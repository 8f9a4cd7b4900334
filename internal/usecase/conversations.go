package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"conversation-orchestrator/internal/domain"
)

const (
	defaultPageSize = 10
	defaultMaxPage  = 100
)

// ConversationService serves the owner-facing conversation operations. All of
// them require an authenticated principal.
type ConversationService struct {
	store           ConversationStore
	logger          *slog.Logger
	now             func() time.Time
	defaultPageSize int
	maxPageSize     int
}

type ListInput struct {
	PrincipalID string
	Skip        int
	Limit       int
	Name        string
}

// ConversationPage is one listing page. HasMore is true whenever the page is
// full, so a last page of exactly Limit items still reports more.
type ConversationPage struct {
	Conversations []domain.ConversationSummary
	HasMore       bool
	Skip          int
	Limit         int
}

func NewConversationService(store ConversationStore, logger *slog.Logger, defaultPage, maxPage int) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxPage <= 0 {
		maxPage = defaultMaxPage
	}
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = min(defaultPageSize, maxPage)
	}
	return &ConversationService{
		store:           store,
		logger:          logger,
		now:             time.Now,
		defaultPageSize: defaultPage,
		maxPageSize:     maxPage,
	}, nil
}

func (s *ConversationService) List(ctx context.Context, in ListInput) (ConversationPage, error) {
	if isAnonymous(in.PrincipalID) {
		return ConversationPage{}, newError(ErrorUnauthorized, "authentication_required", nil)
	}
	limit := in.Limit
	if limit == 0 {
		limit = s.defaultPageSize
	}
	switch {
	case in.Skip < 0:
		return ConversationPage{}, newError(ErrorInvalidInput, "invalid_skip", nil)
	case limit < 0:
		return ConversationPage{}, newError(ErrorInvalidInput, "invalid_limit", nil)
	case limit > s.maxPageSize:
		return ConversationPage{}, newError(ErrorInvalidInput, "limit_too_large", nil)
	}

	page, err := s.store.Query(ctx, domain.ConversationQuery{
		PrincipalID: strings.TrimSpace(in.PrincipalID),
		Name:        in.Name,
		Skip:        in.Skip,
		Limit:       limit,
	})
	if err != nil {
		return ConversationPage{}, newError(ErrorStore, "conversation_query_error", err)
	}
	s.logger.DebugContext(ctx, "conversations listed", "principal_id", in.PrincipalID, "count", len(page))
	return ConversationPage{
		Conversations: page,
		HasMore:       len(page) == limit,
		Skip:          in.Skip,
		Limit:         limit,
	}, nil
}

func (s *ConversationService) Get(ctx context.Context, conversationID, principalID string) (domain.ConversationDetail, error) {
	conv, err := s.loadOwned(ctx, conversationID, principalID)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	return domain.ConversationDetail{
		ID:          conv.ID,
		Name:        conv.Name,
		PrincipalID: conv.PrincipalID,
		CreatedAt:   conv.CreatedAt(),
		LastUpdated: conv.LastUpdated,
		Messages:    conv.Messages,
	}, nil
}

func (s *ConversationService) Rename(ctx context.Context, conversationID, principalID, name string) (domain.ConversationSummary, error) {
	conv, err := s.loadOwned(ctx, conversationID, principalID)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ConversationSummary{}, newError(ErrorInvalidInput, "empty_name", nil)
	}
	conv.Name = name
	updated, err := s.store.Update(ctx, conv)
	if err != nil {
		return domain.ConversationSummary{}, newError(ErrorStore, "conversation_update_error", err)
	}
	return updated.Summary(), nil
}

// Delete tombstones the conversation. There is no way back.
func (s *ConversationService) Delete(ctx context.Context, conversationID, principalID string) error {
	conv, err := s.loadOwned(ctx, conversationID, principalID)
	if err != nil {
		return err
	}
	conv.IsDeleted = true
	conv.DeletedAt = s.now().UTC()
	if _, err := s.store.Update(ctx, conv); err != nil {
		return newError(ErrorStore, "conversation_delete_error", err)
	}
	s.logger.InfoContext(ctx, "conversation soft deleted", "conversation_id", conv.ID, "principal_id", principalID)
	return nil
}

// loadOwned fetches an active conversation from the caller's partition. The
// ownership check can only fail after a successful read, so it never reveals
// whether an id exists in someone else's partition.
func (s *ConversationService) loadOwned(ctx context.Context, conversationID, principalID string) (domain.Conversation, error) {
	if isAnonymous(principalID) {
		return domain.Conversation{}, newError(ErrorUnauthorized, "authentication_required", nil)
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	principalID = strings.TrimSpace(principalID)

	conv, found, err := s.store.Get(ctx, conversationID, principalID)
	if err != nil {
		return domain.Conversation{}, newError(ErrorStore, "conversation_read_error", err)
	}
	if !found || conv.IsDeleted {
		return domain.Conversation{}, notFound()
	}
	if conv.PrincipalID != principalID {
		s.logger.WarnContext(ctx, "access denied to conversation",
			"conversation_id", conversationID, "principal_id", principalID)
		return domain.Conversation{}, newError(ErrorForbidden, "not_owner", nil)
	}
	return conv, nil
}
