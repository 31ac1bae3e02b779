package fasttier

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
)

// Memory is an in-process fast tier for single-node deployments and tests.
type Memory struct {
	items *gocache.Cache
}

func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = domain.DefaultTTL
	}
	return &Memory{items: gocache.New(defaultTTL, 10*time.Minute)}
}

func (m *Memory) Get(_ context.Context, key domain.Key) (*domain.Entry, bool, error) {
	value, ok := m.items.Get(key.String())
	if !ok {
		return nil, false, nil
	}
	entry := value.(domain.Entry)
	return &entry, true, nil
}

func (m *Memory) Set(_ context.Context, key domain.Key, entry domain.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.items.Set(key.String(), cloneEntry(entry), ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key domain.Key) error {
	m.items.Delete(key.String())
	return nil
}

func (m *Memory) Len() int {
	return m.items.ItemCount()
}

func cloneEntry(entry domain.Entry) domain.Entry {
	features := make(map[string]any, len(entry.Features))
	for k, v := range entry.Features {
		features[k] = v
	}
	entry.Features = features
	return entry
}
