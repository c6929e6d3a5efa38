package session

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps sessions in process memory. Entries are evicted after
// retention without a Save; state does not survive a restart.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore returns a MemoryStore. retention should be at least the
// session idle timeout so expired sessions are still observable as expired.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &MemoryStore{c: cache.New(retention, retention/2)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	v, ok := m.c.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	s := v.(Session)
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.c.Set(s.ID, *s, cache.DefaultExpiration)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.c.Delete(id)
	return nil
}

func (m *MemoryStore) Regenerate(_ context.Context, oldID string, s *Session) error {
	if oldID != "" {
		m.c.Delete(oldID)
	}
	m.c.Set(s.ID, *s, cache.DefaultExpiration)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int { return m.c.ItemCount() }
