package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"conversation-orchestrator/internal/domain"
)

func TestNewSessionService_ValidatesDependencies(t *testing.T) {
	_, err := NewSessionService(nil, &scriptedStrategy{}, nil)
	require.Error(t, err)

	_, err = NewSessionService(newFaultyStore(), nil, nil)
	require.Error(t, err)
}

func TestTurn_NewConversation_EmitsIDFirstAndPersists(t *testing.T) {
	sequentialIDs(t)
	store := newFaultyStore()
	strategy := &scriptedStrategy{
		chunks: []string{"Hi", " there"},
		mutate: func(conv *domain.Conversation) {
			conv.Messages = json.RawMessage(`[{"role":"user","content":"hello"}]`)
		},
	}
	svc := newTestSession(t, store, strategy)
	out := &collector{}

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	require.NoError(t, err)
	require.Equal(t, "id-1", convID)
	require.Equal(t, []string{"id-1", "Hi", " there"}, out.chunks)
	require.Equal(t, "hello", strategy.gotQuestion)

	stored, found, err := store.MemoryStore.Get(context.Background(), convID, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", stored.Name)
	require.Equal(t, "alice", stored.PrincipalID)
	require.Equal(t, []domain.Question{{QuestionID: "id-2", Text: "hello"}}, stored.Questions)
	require.JSONEq(t, `[{"role":"user","content":"hello"}]`, string(stored.Messages))
}

func TestTurn_StrategySeesCaller(t *testing.T) {
	store := newFaultyStore()
	strategy := &scriptedStrategy{}
	svc := newTestSession(t, store, strategy)

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: " alice ", PrincipalName: " Alice ", Question: "hi"}, (&collector{}).emit)
	require.NoError(t, err)
	require.Equal(t, domain.UserContext{PrincipalID: "alice", Name: "Alice"}, strategy.gotUser)

	_, err = svc.Turn(context.Background(), TurnInput{PrincipalID: "anonymous", PrincipalName: "Mallory", Question: "hi"}, (&collector{}).emit)
	require.NoError(t, err)
	require.Equal(t, domain.UserContext{PrincipalID: "anonymous"}, strategy.gotUser)
}

func TestTurn_SkeletonIsPersistedBeforeAnyOutput(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})

	var createdBeforeFirstChunk bool
	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, func(chunk string) error {
		if !createdBeforeFirstChunk {
			_, found, _ := store.MemoryStore.Get(context.Background(), chunk, "alice")
			createdBeforeFirstChunk = found
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, createdBeforeFirstChunk)
}

func TestTurn_Anonymous_UsesSyntheticPartitionPerConversation(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})

	first, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "anonymous", Question: "one"}, (&collector{}).emit)
	require.NoError(t, err)
	second, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "anonymous", Question: "two"}, (&collector{}).emit)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	for _, id := range []string{first, second} {
		conv, found, err := store.MemoryStore.Get(context.Background(), id, "anonymous-"+id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "anonymous-"+id, conv.PrincipalID)

		_, found, err = store.MemoryStore.Get(context.Background(), id, "anonymous")
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestTurn_AnonymousFollowUpFindsItsPartition(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "anonymous", Question: "one"}, (&collector{}).emit)
	require.NoError(t, err)
	_, err = svc.Turn(context.Background(), TurnInput{ConversationID: convID, PrincipalID: "anonymous", Question: "two"}, (&collector{}).emit)
	require.NoError(t, err)

	conv, _, err := store.MemoryStore.Get(context.Background(), convID, "anonymous-"+convID)
	require.NoError(t, err)
	require.Len(t, conv.Questions, 2)
}

func TestTurn_ExistingConversation_AppendsQuestionAndKeepsIdentity(t *testing.T) {
	store := newFaultyStore()
	strategy := &scriptedStrategy{}
	svc := newTestSession(t, store, strategy)

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "first", QuestionID: "q1"}, (&collector{}).emit)
	require.NoError(t, err)

	strategy.mutate = func(conv *domain.Conversation) {
		conv.ID = "hijacked"
		conv.PrincipalID = "mallory"
		conv.StrategyState = map[string]string{"thread_id": "t-1"}
	}
	out := &collector{}
	got, err := svc.Turn(context.Background(), TurnInput{ConversationID: convID, PrincipalID: "alice", Question: "second", QuestionID: "q2"}, out.emit)
	require.NoError(t, err)
	require.Equal(t, convID, got)
	require.Equal(t, convID, out.chunks[0])

	conv, found, err := store.MemoryStore.Get(context.Background(), convID, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", conv.Name)
	require.Equal(t, []domain.Question{{QuestionID: "q1", Text: "first"}, {QuestionID: "q2", Text: "second"}}, conv.Questions)
	require.Equal(t, "t-1", conv.StrategyState["thread_id"])
}

func TestTurn_OtherPrincipalGetsNotFound(t *testing.T) {
	store := newFaultyStore()
	strategy := &scriptedStrategy{}
	svc := newTestSession(t, store, strategy)

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "first"}, (&collector{}).emit)
	require.NoError(t, err)

	out := &collector{}
	_, err = svc.Turn(context.Background(), TurnInput{ConversationID: convID, PrincipalID: "bob", Question: "hi"}, out.emit)
	expectError(t, err, ErrorNotFound, "conversation_not_found")
	require.Empty(t, out.chunks)
	require.Equal(t, 1, strategy.calls)
}

func TestTurn_UnknownConversationIsNotRecreated(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})

	_, err := svc.Turn(context.Background(), TurnInput{ConversationID: "missing", PrincipalID: "alice", Question: "hi"}, (&collector{}).emit)
	expectError(t, err, ErrorNotFound, "conversation_not_found")
	require.Zero(t, store.creates)
	require.Empty(t, store.updates)
}

func TestTurn_DeletedConversationIsNotFound(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})
	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "first"}, (&collector{}).emit)
	require.NoError(t, err)
	require.NoError(t, newTestConversations(t, store).Delete(context.Background(), convID, "alice"))

	_, err = svc.Turn(context.Background(), TurnInput{ConversationID: convID, PrincipalID: "alice", Question: "again"}, (&collector{}).emit)
	expectError(t, err, ErrorNotFound, "conversation_not_found")
}

func TestTurn_ValidationErrors(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "   "}, (&collector{}).emit)
	expectError(t, err, ErrorInvalidInput, "empty_question")
	require.Zero(t, store.creates)
}

func TestTurn_CreateFailure_EmitsNothing(t *testing.T) {
	store := newFaultyStore()
	store.createErr = errors.New("throttled")
	strategy := &scriptedStrategy{}
	svc := newTestSession(t, store, strategy)
	out := &collector{}

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	expectError(t, err, ErrorStore, "conversation_create_error")
	require.Empty(t, out.chunks)
	require.Zero(t, strategy.calls)
	require.Empty(t, store.updates)
}

func TestTurn_ReadFailureIsStoreError(t *testing.T) {
	store := newFaultyStore()
	store.getErr = errors.New("timeout")
	svc := newTestSession(t, store, &scriptedStrategy{})

	_, err := svc.Turn(context.Background(), TurnInput{ConversationID: "conv-1", PrincipalID: "alice", Question: "hi"}, (&collector{}).emit)
	expectError(t, err, ErrorStore, "conversation_read_error")
}

func TestTurn_StrategyFailure_PersistsMutationsAndReportsStrategyError(t *testing.T) {
	store := newFaultyStore()
	strategy := &scriptedStrategy{
		chunks: []string{"partial"},
		err:    errors.New("upstream 500"),
		mutate: func(conv *domain.Conversation) {
			conv.StrategyState = map[string]string{"thread_id": "thread-42"}
		},
	}
	svc := newTestSession(t, store, strategy)
	out := &collector{}

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	expectError(t, err, ErrorStrategy, "strategy_error")
	require.Equal(t, []string{convID, "partial"}, out.chunks)

	conv, _, getErr := store.MemoryStore.Get(context.Background(), convID, "alice")
	require.NoError(t, getErr)
	require.Equal(t, "thread-42", conv.StrategyState["thread_id"])
	require.Len(t, conv.Questions, 1)
}

func TestTurn_EmitFailure_StopsStrategyAndStillPersists(t *testing.T) {
	store := newFaultyStore()
	strategy := &scriptedStrategy{chunks: []string{"a", "b", "c"}}
	svc := newTestSession(t, store, strategy)
	gone := errors.New("client went away")
	out := &collector{failAt: 2, err: gone}

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	require.ErrorIs(t, err, gone)
	require.Len(t, out.chunks, 2)
	require.ErrorIs(t, strategy.emitErr, gone)
	require.Len(t, store.updates, 1)
}

func TestTurn_Cancellation_PersistsWithLiveContext(t *testing.T) {
	store := newFaultyStore()
	ctx, cancel := context.WithCancel(context.Background())
	strategy := &scriptedStrategy{
		chunks: []string{"never sent"},
		mutate: func(conv *domain.Conversation) {
			conv.StrategyState = map[string]string{"thread_id": "t-9"}
			cancel()
		},
	}
	svc := newTestSession(t, store, strategy)
	out := &collector{}

	convID, err := svc.Turn(ctx, TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{convID}, out.chunks)
	require.Len(t, store.updateCtxErrs, 1)
	require.NoError(t, store.updateCtxErrs[0])

	conv, _, getErr := store.MemoryStore.Get(context.Background(), convID, "alice")
	require.NoError(t, getErr)
	require.Equal(t, "t-9", conv.StrategyState["thread_id"])
}

func TestTurn_PersistFailureIsStoreError(t *testing.T) {
	store := newFaultyStore()
	store.updateErr = errors.New("conditional check failed")
	svc := newTestSession(t, store, &scriptedStrategy{chunks: []string{"ok"}})
	out := &collector{}

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, out.emit)
	expectError(t, err, ErrorStore, "conversation_update_error")
	require.Len(t, out.chunks, 2)
}

func TestTurn_StrategyErrorWinsOverPersistFailure(t *testing.T) {
	store := newFaultyStore()
	store.updateErr = errors.New("conditional check failed")
	svc := newTestSession(t, store, &scriptedStrategy{err: errors.New("boom")})

	_, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: "hello"}, (&collector{}).emit)
	expectError(t, err, ErrorStrategy, "strategy_error")
}

func TestTurn_DefaultNameIsFirstFiftyCharacters(t *testing.T) {
	store := newFaultyStore()
	svc := newTestSession(t, store, &scriptedStrategy{})
	question := strings.Repeat("é", 60)

	convID, err := svc.Turn(context.Background(), TurnInput{PrincipalID: "alice", Question: question}, (&collector{}).emit)
	require.NoError(t, err)

	conv, _, err := store.MemoryStore.Get(context.Background(), convID, "alice")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", 50), conv.Name)
}

func TestPartitionKey(t *testing.T) {
	require.Equal(t, "anonymous-c1", partitionKey("anonymous", "c1"))
	require.Equal(t, "anonymous-c1", partitionKey("", "c1"))
	require.Equal(t, "alice", partitionKey(" alice ", "c1"))
}
