// ABOUTME: Loads flow graphs from the store and caches parsed graphs per account and flow
// ABOUTME: Entries expire after a TTL and are invalidated when a flow is saved

package flow

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/2389/inbox-gateway/internal/store"
)

// DefaultGraphCacheTTL is how long a parsed graph is reused.
const DefaultGraphCacheTTL = 5 * time.Minute

// GraphSource yields the parsed graph of an account's flow.
type GraphSource interface {
	Graph(ctx context.Context, accountID, flowID string) (*Graph, error)
}

// FlowStore is the subset of the store used to load flow definitions.
type FlowStore interface {
	GetFlow(ctx context.Context, accountID, flowID string) (*store.Flow, error)
}

// GraphCache is a GraphSource backed by a FlowStore with a TTL cache in front.
type GraphCache struct {
	flows FlowStore
	cache *gocache.Cache
}

// NewGraphCache creates a cache over flows. A non-positive ttl uses the default.
func NewGraphCache(flows FlowStore, ttl time.Duration) *GraphCache {
	if ttl <= 0 {
		ttl = DefaultGraphCacheTTL
	}
	return &GraphCache{
		flows: flows,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func graphKey(accountID, flowID string) string {
	return accountID + "/" + flowID
}

// Graph returns the cached graph or loads and parses it.
func (c *GraphCache) Graph(ctx context.Context, accountID, flowID string) (*Graph, error) {
	key := graphKey(accountID, flowID)
	if g, ok := c.cache.Get(key); ok {
		return g.(*Graph), nil
	}

	f, err := c.flows.GetFlow(ctx, accountID, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading flow %s: %w", flowID, err)
	}
	g, err := ParseGraph(f.Nodes, f.Edges)
	if err != nil {
		return nil, fmt.Errorf("parsing flow %s: %w", flowID, err)
	}
	c.cache.SetDefault(key, g)
	return g, nil
}

// Invalidate drops a cached graph so the next step reloads it.
func (c *GraphCache) Invalidate(accountID, flowID string) {
	c.cache.Delete(graphKey(accountID, flowID))
}

// Len reports the number of cached graphs.
func (c *GraphCache) Len() int {
	return c.cache.ItemCount()
}
