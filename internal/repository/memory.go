package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conversation-orchestrator/internal/domain"
)

// MemoryStore is a process-local conversation store with the same partition,
// tombstone and ordering semantics as Client. It backs local runs and tests.
// Every document is cloned on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memoryKey]memoryItem
	seq   int64
	now   func() time.Time
}

type memoryKey struct {
	partition string
	id        string
}

type memoryItem struct {
	conv domain.Conversation
	// seq orders items created within the same _ts second.
	seq int64
}

// NewMemoryStore constructs an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[memoryKey]memoryItem), now: now}
}

func (s *MemoryStore) Get(_ context.Context, id, partitionKey string) (domain.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[memoryKey{partition: partitionKey, id: id}]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return it.conv.Clone(), true, nil
}

func (s *MemoryStore) Create(_ context.Context, id string, body domain.Conversation, partitionKey string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(partitionKey) == "" {
		return domain.Conversation{}, errors.New("repository: Create: id and partition key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partition: partitionKey, id: id}
	if _, exists := s.items[key]; exists {
		return domain.Conversation{}, fmt.Errorf("repository: Create: conversation %q already exists", id)
	}
	conv := body.Clone()
	conv.ID = id
	conv.PrincipalID = partitionKey
	now := s.now()
	conv.LastUpdated = nextStamp(now, time.Time{})
	conv.Ts = now.Unix()
	s.seq++
	s.items[key] = memoryItem{conv: conv.Clone(), seq: s.seq}
	return conv, nil
}

func (s *MemoryStore) Update(_ context.Context, doc domain.Conversation) (domain.Conversation, error) {
	if doc.ID == "" || doc.PrincipalID == "" {
		return domain.Conversation{}, errors.New("repository: Update: id and principal_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{partition: doc.PrincipalID, id: doc.ID}
	it, exists := s.items[key]
	if !exists {
		return domain.Conversation{}, fmt.Errorf("repository: Update: conversation %q does not exist", doc.ID)
	}
	conv := doc.Clone()
	conv.LastUpdated = nextStamp(s.now(), doc.LastUpdated)
	it.conv = conv.Clone()
	s.items[key] = it
	return conv, nil
}

func (s *MemoryStore) Query(_ context.Context, q domain.ConversationQuery) ([]domain.ConversationSummary, error) {
	if q.PrincipalID == "" {
		return nil, errors.New("repository: Query: principal_id is required")
	}
	if q.Skip < 0 || q.Limit < 0 {
		return nil, errors.New("repository: Query: skip and limit must not be negative")
	}

	s.mu.RLock()
	matches := make([]memoryItem, 0)
	for key, it := range s.items {
		if key.partition != q.PrincipalID || it.conv.IsDeleted {
			continue
		}
		if q.Name != "" && !strings.Contains(it.conv.Name, q.Name) {
			continue
		}
		matches = append(matches, it)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].conv.Ts != matches[j].conv.Ts {
			return matches[i].conv.Ts > matches[j].conv.Ts
		}
		return matches[i].seq > matches[j].seq
	})

	page := make([]domain.ConversationSummary, 0, q.Limit)
	for i := q.Skip; i < len(matches) && len(page) < q.Limit; i++ {
		page = append(page, matches[i].conv.Summary())
	}
	return page, nil
}
