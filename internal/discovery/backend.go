package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Backend stores cache entries. Get returns (nil, nil) for a missing key.
// Backends keep expired entries so they can be served stale.
type Backend interface {
	Get(ctx context.Context, publishedID string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, publishedID string) error
}

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, publishedID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[publishedID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.PublishedRecordID] = e.Clone()
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, publishedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, publishedID)
	return nil
}

// DefaultRetention is how long Redis keeps an entry after it expires.
const DefaultRetention = 24 * time.Hour

// RedisBackend shares entries between processes through Redis. Entries are
// stored as JSON under prefix + "discovery:" + published id.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisBackend creates a RedisBackend on client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, retention: DefaultRetention, now: time.Now}
}

// NewRedisClient opens a client for addr and checks it with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "discovery: redis ping %s", addr)
	}
	return rdb, nil
}

func (r *RedisBackend) key(publishedID string) string {
	return r.prefix + "discovery:" + publishedID
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, publishedID string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.key(publishedID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: redis get %s", publishedID)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrapf(err, "discovery: decode entry %s", publishedID)
	}
	return &e, nil
}

// Put implements Backend.
func (r *RedisBackend) Put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "discovery: encode entry %s", e.PublishedRecordID)
	}
	ttl := e.ExpiresAt.Sub(r.now()) + r.retention
	if ttl <= 0 {
		ttl = r.retention
	}
	if err := r.client.Set(ctx, r.key(e.PublishedRecordID), raw, ttl).Err(); err != nil {
		return eris.Wrapf(err, "discovery: redis set %s", e.PublishedRecordID)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, publishedID string) error {
	if err := r.client.Del(ctx, r.key(publishedID)).Err(); err != nil {
		return eris.Wrapf(err, "discovery: redis del %s", publishedID)
	}
	return nil
}
