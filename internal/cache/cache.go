// Package cache holds recently resolved statuses so bursts of polls for the same job do
// not each reach the provider. It is never a source of truth: a miss always falls
// through to the store.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tunegate/tunegate/internal/job"
)

const (
	DefaultTTL        = 3 * time.Second
	DefaultMaxEntries = 10000
)

// Cache stores status views keyed by job record id.
type Cache interface {
	Get(ctx context.Context, id string) (job.View, bool)
	Set(ctx context.Context, id string, v job.View)
	Delete(ctx context.Context, id string)
	Close() error
}

// Entry is one cached view and the time it was stored.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   job.View  `json:"payload"`
}

// Options controls expiry. TerminalTTL of zero keeps terminal views until evicted.
type Options struct {
	TTL         time.Duration
	TerminalTTL time.Duration
	MaxEntries  int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	return o
}

// ttlFor returns how long v stays fresh; zero means no expiry.
func (o Options) ttlFor(v job.View) time.Duration {
	if v.Terminal() {
		return o.TerminalTTL
	}
	return o.TTL
}

// Memory is the process-local cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	opts    Options
	now     func() time.Time
}

// NewMemory creates an in-process cache.
func NewMemory(opts Options) *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, id string) (job.View, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return job.View{}, false
	}
	if ttl := m.opts.ttlFor(e.Payload); ttl > 0 && m.now().Sub(e.Timestamp) >= ttl {
		m.mu.Lock()
		if cur, ok := m.entries[id]; ok && cur.Timestamp.Equal(e.Timestamp) {
			delete(m.entries, id)
		}
		m.mu.Unlock()
		return job.View{}, false
	}
	return e.Payload, true
}

func (m *Memory) Set(_ context.Context, id string, v job.View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; !exists && len(m.entries) >= m.opts.MaxEntries {
		m.evictLocked()
	}
	m.entries[id] = Entry{Timestamp: m.now(), Payload: v}
}

func (m *Memory) Delete(_ context.Context, id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictLocked drops expired entries, then the oldest one if the cache is still full.
func (m *Memory) evictLocked() {
	now := m.now()
	var oldestID string
	var oldest time.Time
	for id, e := range m.entries {
		if ttl := m.opts.ttlFor(e.Payload); ttl > 0 && now.Sub(e.Timestamp) >= ttl {
			delete(m.entries, id)
			continue
		}
		if oldestID == "" || e.Timestamp.Before(oldest) {
			oldestID, oldest = id, e.Timestamp
		}
	}
	if len(m.entries) >= m.opts.MaxEntries && oldestID != "" {
		delete(m.entries, oldestID)
	}
}
