package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conversation-orchestrator/internal/domain"
)

func seedMany(t *testing.T, store *faultyStore, principal string, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for i, name := range names {
		conv, err := store.MemoryStore.Create(context.Background(), fmt.Sprintf("conv-%d", i+1), domain.Conversation{Name: name}, principal)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
	}
	return ids
}

func TestList_RequiresAuthentication(t *testing.T) {
	svc := newTestConversations(t, newFaultyStore())
	for _, principal := range []string{"", "anonymous"} {
		_, err := svc.List(context.Background(), ListInput{PrincipalID: principal})
		expectError(t, err, ErrorUnauthorized, "authentication_required")
	}
}

func TestList_NewestFirstWithPagination(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "one", "two", "three")
	seedMany(t, store, "bob", "other")
	svc := newTestConversations(t, store)

	page, err := svc.List(context.Background(), ListInput{PrincipalID: "alice", Limit: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, 2, page.Limit)
	require.Len(t, page.Conversations, 2)
	require.Equal(t, ids[2], page.Conversations[0].ID)
	require.Equal(t, ids[1], page.Conversations[1].ID)

	page, err = svc.List(context.Background(), ListInput{PrincipalID: "alice", Skip: 2, Limit: 2})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Conversations, 1)
	require.Equal(t, ids[0], page.Conversations[0].ID)
}

func TestList_DefaultsAndIdempotence(t *testing.T) {
	store := newFaultyStore()
	seedMany(t, store, "alice", "a", "b")
	svc := newTestConversations(t, store)

	first, err := svc.List(context.Background(), ListInput{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Equal(t, 10, first.Limit)
	require.False(t, first.HasMore)

	second, err := svc.List(context.Background(), ListInput{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestList_NameFilter(t *testing.T) {
	store := newFaultyStore()
	seedMany(t, store, "alice", "weekly report", "shopping", "report draft")
	svc := newTestConversations(t, store)

	page, err := svc.List(context.Background(), ListInput{PrincipalID: "alice", Name: "report"})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	for _, c := range page.Conversations {
		require.Contains(t, c.Name, "report")
	}
}

func TestList_Validation(t *testing.T) {
	svc := newTestConversations(t, newFaultyStore())

	_, err := svc.List(context.Background(), ListInput{PrincipalID: "alice", Skip: -1})
	expectError(t, err, ErrorInvalidInput, "invalid_skip")

	_, err = svc.List(context.Background(), ListInput{PrincipalID: "alice", Limit: -5})
	expectError(t, err, ErrorInvalidInput, "invalid_limit")

	_, err = svc.List(context.Background(), ListInput{PrincipalID: "alice", Limit: 101})
	expectError(t, err, ErrorInvalidInput, "limit_too_large")
}

func TestList_StoreFailure(t *testing.T) {
	store := newFaultyStore()
	store.queryErr = errors.New("throttled")
	svc := newTestConversations(t, store)

	_, err := svc.List(context.Background(), ListInput{PrincipalID: "alice"})
	expectError(t, err, ErrorStore, "conversation_query_error")
}

func TestGet_ReturnsDetail(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "first")
	svc := newTestConversations(t, store)

	detail, err := svc.Get(context.Background(), ids[0], "alice")
	require.NoError(t, err)
	require.Equal(t, ids[0], detail.ID)
	require.Equal(t, "first", detail.Name)
	require.Equal(t, "alice", detail.PrincipalID)
	require.False(t, detail.CreatedAt.IsZero())
	require.False(t, detail.LastUpdated.IsZero())
}

func TestGet_NotFoundAndForbidden(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "first")
	svc := newTestConversations(t, store)

	_, err := svc.Get(context.Background(), "missing", "alice")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.Get(context.Background(), ids[0], "bob")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.Get(context.Background(), ids[0], "anonymous")
	expectError(t, err, ErrorUnauthorized, "authentication_required")

	_, err = svc.Get(context.Background(), " ", "alice")
	expectError(t, err, ErrorInvalidInput, "missing_conversation_id")

	store.getOverride = &domain.Conversation{ID: ids[0], PrincipalID: "mallory"}
	_, err = svc.Get(context.Background(), ids[0], "alice")
	expectError(t, err, ErrorForbidden, "not_owner")
}

func TestGet_ReadFailure(t *testing.T) {
	store := newFaultyStore()
	store.getErr = errors.New("timeout")
	svc := newTestConversations(t, store)

	_, err := svc.Get(context.Background(), "conv-1", "alice")
	expectError(t, err, ErrorStore, "conversation_read_error")
}

func TestRename_UpdatesNameAndAdvancesLastUpdated(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "first")
	svc := newTestConversations(t, store)

	before, err := svc.Get(context.Background(), ids[0], "alice")
	require.NoError(t, err)

	summary, err := svc.Rename(context.Background(), ids[0], "alice", "  Renamed  ")
	require.NoError(t, err)
	require.Equal(t, "Renamed", summary.Name)
	require.True(t, summary.LastUpdated.After(before.LastUpdated))
	require.Equal(t, before.CreatedAt, summary.CreatedAt)

	after, err := svc.Get(context.Background(), ids[0], "alice")
	require.NoError(t, err)
	require.Equal(t, "Renamed", after.Name)
}

func TestRename_ChecksExistenceBeforeName(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "first")
	svc := newTestConversations(t, store)

	_, err := svc.Rename(context.Background(), "missing", "alice", "")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.Rename(context.Background(), ids[0], "alice", "   ")
	expectError(t, err, ErrorInvalidInput, "empty_name")

	store.updateErr = errors.New("throttled")
	_, err = svc.Rename(context.Background(), ids[0], "alice", "new")
	expectError(t, err, ErrorStore, "conversation_update_error")
}

func TestDelete_HidesConversation(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "keep", "drop")
	svc := newTestConversations(t, store)
	deletedAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return deletedAt }

	require.NoError(t, svc.Delete(context.Background(), ids[1], "alice"))

	page, err := svc.List(context.Background(), ListInput{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	require.Equal(t, ids[0], page.Conversations[0].ID)

	_, err = svc.Get(context.Background(), ids[1], "alice")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	err = svc.Delete(context.Background(), ids[1], "alice")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	raw, found, err := store.MemoryStore.Get(context.Background(), ids[1], "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, raw.IsDeleted)
	require.Equal(t, deletedAt, raw.DeletedAt)
}

func TestDelete_Errors(t *testing.T) {
	store := newFaultyStore()
	ids := seedMany(t, store, "alice", "first")
	svc := newTestConversations(t, store)

	err := svc.Delete(context.Background(), ids[0], "bob")
	expectError(t, err, ErrorNotFound, "conversation_not_found")

	store.updateErr = errors.New("throttled")
	err = svc.Delete(context.Background(), ids[0], "alice")
	expectError(t, err, ErrorStore, "conversation_delete_error")
}

func TestNewConversationService_PageSizeDefaults(t *testing.T) {
	svc, err := NewConversationService(newFaultyStore(), nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 10, svc.defaultPageSize)
	require.Equal(t, 100, svc.maxPageSize)

	svc, err = NewConversationService(newFaultyStore(), nil, 50, 20)
	require.NoError(t, err)
	require.Equal(t, 10, svc.defaultPageSize)

	_, err = NewConversationService(nil, nil, 10, 100)
	require.Error(t, err)
}
