package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"conversation-orchestrator/internal/domain"
)

// ConversationStore is the partitioned document store holding conversations.
// Get reports absence with found=false and reserves err for backend failures.
type ConversationStore interface {
	Get(ctx context.Context, id, partitionKey string) (domain.Conversation, bool, error)
	Create(ctx context.Context, id string, body domain.Conversation, partitionKey string) (domain.Conversation, error)
	Update(ctx context.Context, doc domain.Conversation) (domain.Conversation, error)
	Query(ctx context.Context, q domain.ConversationQuery) ([]domain.ConversationSummary, error)
}

// Strategy produces the answer for one turn. It may mutate conv.Messages and
// conv.StrategyState; the session persists whatever it leaves behind. Run must
// stop and return the error when emit fails.
type Strategy interface {
	Run(ctx context.Context, conv *domain.Conversation, question string, user domain.UserContext, emit func(chunk string) error) error
}

type SessionService struct {
	store    ConversationStore
	strategy Strategy
	logger   *slog.Logger
}

type TurnInput struct {
	ConversationID string
	PrincipalID    string
	// PrincipalName is the caller's display name, when known.
	PrincipalName  string
	Question       string
	QuestionID     string
}

func NewSessionService(store ConversationStore, strategy Strategy, logger *slog.Logger) (*SessionService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if strategy == nil {
		return nil, errors.New("usecase: strategy must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{store: store, strategy: strategy, logger: logger}, nil
}

// Turn runs one question through the strategy. The conversation id is always
// the first chunk passed to emit; strategy output follows in order. Once the
// conversation is loaded or created it is written back on every exit path,
// including strategy failure and cancellation.
func (s *SessionService) Turn(ctx context.Context, in TurnInput, emit func(chunk string) error) (convID string, err error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return "", newError(ErrorInvalidInput, "empty_question", nil)
	}

	conv, err := s.loadOrCreate(ctx, strings.TrimSpace(in.ConversationID), in.PrincipalID, question)
	if err != nil {
		return "", err
	}
	convID = conv.ID
	pk := conv.PrincipalID

	questionID := strings.TrimSpace(in.QuestionID)
	if questionID == "" {
		questionID = newUUID()
	}
	conv.Questions = append(conv.Questions, domain.Question{QuestionID: questionID, Text: question})

	defer func() {
		// The strategy owns the document during the turn but not its identity.
		conv.ID = convID
		conv.PrincipalID = pk
		if _, perr := s.store.Update(context.WithoutCancel(ctx), conv); perr != nil {
			s.logger.ErrorContext(ctx, "failed to persist conversation after turn",
				"conversation_id", convID, "err", perr)
			if err == nil {
				err = newError(ErrorStore, "conversation_update_error", perr)
			}
		}
	}()

	if err := emit(convID); err != nil {
		return convID, err
	}

	var emitErr error
	relay := func(chunk string) error {
		if emitErr != nil {
			return emitErr
		}
		if err := ctx.Err(); err != nil {
			emitErr = err
			return err
		}
		emitErr = emit(chunk)
		return emitErr
	}

	user := domain.UserContext{PrincipalID: domain.AnonymousPrincipal}
	if !isAnonymous(in.PrincipalID) {
		user = domain.UserContext{PrincipalID: strings.TrimSpace(in.PrincipalID), Name: strings.TrimSpace(in.PrincipalName)}
	}
	runErr := s.strategy.Run(ctx, &conv, question, user, relay)
	switch {
	case emitErr != nil:
		return convID, emitErr
	case runErr == nil:
		return convID, nil
	case ctx.Err() != nil:
		return convID, ctx.Err()
	default:
		s.logger.ErrorContext(ctx, "strategy failed", "conversation_id", convID, "err", runErr)
		return convID, newError(ErrorStrategy, "strategy_error", runErr)
	}
}

func (s *SessionService) loadOrCreate(ctx context.Context, convID, principalID, question string) (domain.Conversation, error) {
	if convID == "" {
		convID = newUUID()
		skeleton := domain.Conversation{
			Name:      defaultName(question),
			Questions: []domain.Question{},
			Feedback:  []domain.Feedback{},
		}
		conv, err := s.store.Create(ctx, convID, skeleton, partitionKey(principalID, convID))
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to create conversation", "conversation_id", convID, "err", err)
			return domain.Conversation{}, newError(ErrorStore, "conversation_create_error", err)
		}
		s.logger.DebugContext(ctx, "conversation created", "conversation_id", convID)
		return conv, nil
	}

	conv, found, err := s.store.Get(ctx, convID, partitionKey(principalID, convID))
	if err != nil {
		return domain.Conversation{}, newError(ErrorStore, "conversation_read_error", err)
	}
	if !found || conv.IsDeleted {
		return domain.Conversation{}, notFound()
	}
	return conv, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
