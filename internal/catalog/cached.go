package catalog

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/botbazaar/tokenledger/internal/cache"
)

const (
	defaultCacheTTL = 5 * time.Minute
	cacheKeyPrefix  = "catalog:automation:"
)

// CachedStore fronts a Store with a short-TTL read-through cache. Cache
// failures degrade to source reads; lookups that fail are never cached.
type CachedStore struct {
	source Store
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wires the decorator. A non-positive TTL falls back to the default.
func NewCachedStore(source Store, cacheClient cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{source: source, cache: cacheClient, ttl: ttl, logger: logger}
}

func (store *CachedStore) GetAutomation(ctx context.Context, automationID string) (Automation, error) {
	key := cacheKeyPrefix + automationID
	encoded, hit, err := store.cache.Get(ctx, key)
	if err != nil {
		store.logger.Warn("catalog cache read", zap.String("automation_id", automationID), zap.Error(err))
	} else if hit {
		var automation Automation
		if unmarshalErr := json.Unmarshal([]byte(encoded), &automation); unmarshalErr == nil {
			return automation, nil
		}
		// Unreadable entry: drop it and fall through to the source.
		_ = store.cache.Delete(ctx, key)
	}
	automation, err := store.source.GetAutomation(ctx, automationID)
	if err != nil {
		return Automation{}, err
	}
	if serialized, marshalErr := json.Marshal(automation); marshalErr == nil {
		if setErr := store.cache.Set(ctx, key, string(serialized), store.ttl); setErr != nil {
			store.logger.Warn("catalog cache write", zap.String("automation_id", automationID), zap.Error(setErr))
		}
	}
	return automation, nil
}
