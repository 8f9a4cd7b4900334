package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conversation-orchestrator/internal/domain"
	"conversation-orchestrator/internal/repository"
)

// faultyStore wraps the in-memory store with injectable failures and records
// the writes it sees.
type faultyStore struct {
	*repository.MemoryStore
	getErr      error
	createErr   error
	updateErr   error
	queryErr    error
	getOverride *domain.Conversation

	updates       []domain.Conversation
	updateCtxErrs []error
	creates       int
}

func newFaultyStore() *faultyStore {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &faultyStore{MemoryStore: repository.NewMemoryStore(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})}
}

func (f *faultyStore) Get(ctx context.Context, id, pk string) (domain.Conversation, bool, error) {
	if f.getErr != nil {
		return domain.Conversation{}, false, f.getErr
	}
	if f.getOverride != nil {
		return f.getOverride.Clone(), true, nil
	}
	return f.MemoryStore.Get(ctx, id, pk)
}

func (f *faultyStore) Create(ctx context.Context, id string, body domain.Conversation, pk string) (domain.Conversation, error) {
	f.creates++
	if f.createErr != nil {
		return domain.Conversation{}, f.createErr
	}
	return f.MemoryStore.Create(ctx, id, body, pk)
}

func (f *faultyStore) Update(ctx context.Context, doc domain.Conversation) (domain.Conversation, error) {
	f.updates = append(f.updates, doc.Clone())
	f.updateCtxErrs = append(f.updateCtxErrs, ctx.Err())
	if f.updateErr != nil {
		return domain.Conversation{}, f.updateErr
	}
	return f.MemoryStore.Update(ctx, doc)
}

func (f *faultyStore) Query(ctx context.Context, q domain.ConversationQuery) ([]domain.ConversationSummary, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.MemoryStore.Query(ctx, q)
}

type scriptedStrategy struct {
	chunks []string
	err    error
	mutate func(conv *domain.Conversation)

	calls       int
	gotQuestion string
	gotUser     domain.UserContext
	emitErr     error
}

func (s *scriptedStrategy) Run(_ context.Context, conv *domain.Conversation, question string, user domain.UserContext, emit func(string) error) error {
	s.calls++
	s.gotQuestion = question
	s.gotUser = user
	if s.mutate != nil {
		s.mutate(conv)
	}
	for _, c := range s.chunks {
		if err := emit(c); err != nil {
			s.emitErr = err
			return err
		}
	}
	return s.err
}

type collector struct {
	chunks []string
	failAt int
	err    error
}

func (c *collector) emit(chunk string) error {
	if c.err != nil && c.failAt == len(c.chunks) {
		return c.err
	}
	c.chunks = append(c.chunks, chunk)
	return nil
}

// sequentialIDs makes newUUID deterministic for the duration of a test.
func sequentialIDs(t *testing.T) {
	t.Helper()
	n := 0
	prev := newUUID
	newUUID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	t.Cleanup(func() { newUUID = prev })
}

func newTestSession(t *testing.T, store ConversationStore, strategy Strategy) *SessionService {
	t.Helper()
	svc, err := NewSessionService(store, strategy, nil)
	require.NoError(t, err)
	return svc
}

func newTestConversations(t *testing.T, store ConversationStore) *ConversationService {
	t.Helper()
	svc, err := NewConversationService(store, nil, 10, 100)
	require.NoError(t, err)
	return svc
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func ptr[T any](v T) *T { return &v }
