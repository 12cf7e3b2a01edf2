package session

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/streamflow/types"
)

// Store 会话存储接口
type Store interface {
	// Save 保存（新建或覆盖）会话
	Save(ctx context.Context, s *Session) error
	// Get 按 ID 取会话，不存在时返回 SESSION_NOT_FOUND
	Get(ctx context.Context, id string) (*Session, error)
	// Delete 删除会话，不存在时也返回 nil
	Delete(ctx context.Context, id string) error
	// Close 释放底层资源
	Close() error
}

// ErrNotFound 会话不存在
func ErrNotFound(id string) *types.Error {
	return types.NewError(types.ErrSessionNotFound, "session not found: "+id).
		WithHTTPStatus(404)
}

// memoryEntry 内存存储条目
type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// MemoryStore 进程内会话存储，带 TTL
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

// NewMemoryStore 创建内存存储。ttl <= 0 表示不过期。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{session: s.Clone()}
	if m.ttl > 0 {
		entry.expiresAt = time.Now().Add(m.ttl)
	}
	m.sessions[s.ID] = entry
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound(id)
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrNotFound(id)
	}
	return entry.session.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Cleanup 扫描并删除过期会话，返回删除数量
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range m.sessions {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Len 返回当前会话数量
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
