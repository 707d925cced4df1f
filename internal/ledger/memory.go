package ledger

import (
	"context"
	"sync"

	"github.com/permamap/permamap/internal/common"
)

// MemoryGateway is an in-process ledger used in development mode and tests.
// Entries are held in append order; nothing is ever deleted or rewritten.
type MemoryGateway struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int
	height  int64
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{byID: make(map[string]int)}
}

func (g *MemoryGateway) Write(ctx context.Context, payload []byte, tags map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.height++

	data := make([]byte, len(payload))
	copy(data, payload)

	tagCopy := make(map[string]string, len(tags))
	for k, v := range tags {
		tagCopy[k] = v
	}

	entry := Entry{
		ID:      entryID(data, g.height),
		Payload: data,
		Tags:    tagCopy,
		Height:  g.height,
	}
	g.entries = append(g.entries, entry)
	g.byID[entry.ID] = len(g.entries) - 1

	return entry.ID, nil
}

func (g *MemoryGateway) QueryLatest(ctx context.Context, tags map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// newest first
	for i := len(g.entries) - 1; i >= 0; i-- {
		if matchesTags(g.entries[i].Tags, tags) {
			return g.entries[i].ID, nil
		}
	}
	return "", common.ErrorNotFound
}

func (g *MemoryGateway) Fetch(ctx context.Context, id string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.byID[id]
	if !ok {
		return nil, common.ErrorEntryNotFound
	}

	payload := make([]byte, len(g.entries[idx].Payload))
	copy(payload, g.entries[idx].Payload)
	return payload, nil
}

// matchesTags reports whether the entry carries every tag in the filter.
func matchesTags(entryTags, filter map[string]string) bool {
	for k, v := range filter {
		if entryTags[k] != v {
			return false
		}
	}
	return true
}
