package stream

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/featurespec"
)

// OnlineSet is a feature set with active online materialization.
type OnlineSet struct {
	MaterializationID snowflake.ID
	FeatureSetID      snowflake.ID
	TenantID          string
	Name              string
	Version           int
	Spec              featurespec.Spec
	TTL               time.Duration
}

// Snapshot groups online sets by tenant.
type Snapshot map[string][]OnlineSet

func (s Snapshot) Size() int {
	n := 0
	for _, sets := range s {
		n += len(sets)
	}
	return n
}

// Index holds the current snapshot. Reloads replace it wholesale.
type Index struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

func NewIndex() *Index {
	return &Index{snapshot: Snapshot{}}
}

func (i *Index) Replace(snapshot Snapshot) {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	i.mu.Lock()
	i.snapshot = snapshot
	i.mu.Unlock()
}

// ForTenant returns the tenant's sets. Callers must not modify the slice.
func (i *Index) ForTenant(tenantID string) []OnlineSet {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshot[tenantID]
}

func (i *Index) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshot.Size()
}
