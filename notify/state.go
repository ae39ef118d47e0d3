package notify

import (
	"context"
	"errors"
	"fmt"
	"slotwatch/pkg/slotwatch"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
)

// Record is the notification state for one (subscriber, fingerprint) pair.
type Record struct {
	ObservedAt    time.Time       `json:"observed_at"`
	NotifiedAt    time.Time       `json:"notified_at"`
	CooldownUntil time.Time       `json:"cooldown_until"`
	State         slotwatch.State `json:"state"`
	ObservedHash  string          `json:"observed_hash"`
	NotifiedHash  string          `json:"notified_hash"`
}

// StateStore persists notification records. A missing record is reported with ok=false.
type StateStore interface {
	Get(ctx context.Context, key string) (rec Record, ok bool, err error)
	Put(ctx context.Context, key string, rec Record) error
}

// MemoryStore keeps records in a map.
type MemoryStore struct {
	records map[string]Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements StateStore.
func (m *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

// Put implements StateStore.
func (m *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// CacheStore keeps records in a bounded freecache so state for abandoned subscriptions
// ages out on its own.
type CacheStore struct {
	cache *freecache.Cache
	ttl   int // Seconds
}

// NewCacheStore creates a CacheStore of sizeBytes whose records expire after ttl
// without an update.
func NewCacheStore(sizeBytes int, ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CacheStore{
		cache: freecache.NewCache(sizeBytes),
		ttl:   int(ttl / time.Second),
	}
}

// Get implements StateStore.
func (c *CacheStore) Get(_ context.Context, key string) (Record, bool, error) {
	data, err := c.cache.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("cache get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

// Put implements StateStore.
func (c *CacheStore) Put(_ context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.cache.Set([]byte(key), data, c.ttl); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Len returns the number of live entries.
func (c *CacheStore) Len() int64 {
	return c.cache.EntryCount()
}
