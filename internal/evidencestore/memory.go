package evidencestore

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-memory, process-local Store implementation. It is
// the reference backend used by tests and small single-process
// deployments; it does not survive a restart and does not coordinate
// across processes.
type Memory struct {
	cache *gocache.Cache

	// setsMu guards set-membership reads and updates; go-cache stores the set membership
	// as a []string value but appending to it needs a lock that
	// spans the read-modify-write, which gocache.Cache alone does not
	// provide.
	setsMu sync.Mutex

	// casMu guards PutIfAbsent; gocache has no atomic "set if absent
	// with the read of the loser's value" primitive.
	casMu sync.Mutex
}

// NewMemory creates an empty Memory store. cleanupInterval controls
// how often expired entries are purged from the underlying cache;
// pass 0 to use a sensible default.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Memory{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *Memory) PutWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v.([]byte), nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) AppendSetMember(_ context.Context, key string, member string, ttl time.Duration) error {
	m.setsMu.Lock()
	defer m.setsMu.Unlock()

	var members []string
	if v, ok := m.cache.Get(key); ok {
		members = v.([]string)
	}
	for _, existing := range members {
		if existing == member {
			m.cache.Set(key, members, ttl)
			return nil
		}
	}
	members = append(members, member)
	m.cache.Set(key, members, ttl)
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.setsMu.Lock()
	defer m.setsMu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	members := v.([]string)
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (m *Memory) ScanBySession(ctx context.Context, sessionID string) ([][]byte, error) {
	keys, err := m.SetMembers(ctx, AnalysesBySessionIndexKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, err := m.Get(ctx, k)
		if err != nil {
			if err == ErrNotFound {
				continue // expired since the index entry was written
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	m.casMu.Lock()
	defer m.casMu.Unlock()

	if v, ok := m.cache.Get(key); ok {
		return false, v.([]byte), nil
	}
	m.cache.Set(key, value, ttl)
	return true, nil, nil
}
