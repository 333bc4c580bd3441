package catalog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCachedStoreReadsThroughOnce(test *testing.T) {
	test.Parallel()
	source := &countingStore{automation: Automation{ID: "bot-1", Name: "Mail Sorter", Status: AutomationStatusActive, Healthy: true, PricePerTokenIRR: 5000}}
	memory := newMemoryCache()
	store := NewCachedStore(source, memory, time.Minute, nil)

	first, err := store.GetAutomation(context.Background(), "bot-1")
	if err != nil {
		test.Fatalf("first read: %v", err)
	}
	second, err := store.GetAutomation(context.Background(), "bot-1")
	if err != nil {
		test.Fatalf("second read: %v", err)
	}
	if source.calls != 1 {
		test.Fatalf("expected one source read, got %d", source.calls)
	}
	if first != second {
		test.Fatalf("cache returned a different row: %+v vs %+v", first, second)
	}
	if got := memory.ttls[cacheKeyPrefix+"bot-1"]; got != time.Minute {
		test.Fatalf("expected ttl passthrough, got %s", got)
	}
}

func TestCachedStoreDoesNotCacheMisses(test *testing.T) {
	test.Parallel()
	source := &countingStore{err: ErrAutomationNotFound}
	memory := newMemoryCache()
	store := NewCachedStore(source, memory, time.Minute, nil)

	if _, err := store.GetAutomation(context.Background(), "ghost"); !errors.Is(err, ErrAutomationNotFound) {
		test.Fatalf("expected ErrAutomationNotFound, got %v", err)
	}
	if _, err := store.GetAutomation(context.Background(), "ghost"); !errors.Is(err, ErrAutomationNotFound) {
		test.Fatalf("expected ErrAutomationNotFound, got %v", err)
	}
	if source.calls != 2 {
		test.Fatalf("misses must not be cached, got %d source calls", source.calls)
	}
	if len(memory.values) != 0 {
		test.Fatalf("expected empty cache, got %v", memory.values)
	}
}

func TestCachedStoreSurvivesCacheFailure(test *testing.T) {
	test.Parallel()
	source := &countingStore{automation: Automation{ID: "bot-2", Status: AutomationStatusActive, Healthy: true}}
	store := NewCachedStore(source, brokenCache{}, 0, nil)

	automation, err := store.GetAutomation(context.Background(), "bot-2")
	if err != nil {
		test.Fatalf("read with broken cache: %v", err)
	}
	if automation.ID != "bot-2" {
		test.Fatalf("unexpected automation: %+v", automation)
	}
}

func TestCachedStoreDropsPoisonedEntries(test *testing.T) {
	test.Parallel()
	source := &countingStore{automation: Automation{ID: "bot-3", Status: AutomationStatusActive, Healthy: true}}
	memory := newMemoryCache()
	memory.values[cacheKeyPrefix+"bot-3"] = "{corrupted"
	store := NewCachedStore(source, memory, time.Minute, nil)

	automation, err := store.GetAutomation(context.Background(), "bot-3")
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	if automation.ID != "bot-3" || source.calls != 1 {
		test.Fatalf("expected source fallback, got %+v after %d calls", automation, source.calls)
	}
	if memory.values[cacheKeyPrefix+"bot-3"] == "{corrupted" {
		test.Fatalf("poisoned entry survived")
	}
}

func TestPurchasable(test *testing.T) {
	test.Parallel()
	ready := Automation{Status: AutomationStatusActive, Healthy: true}
	if !ready.Purchasable() {
		test.Fatalf("active healthy automation must be purchasable")
	}
	if (Automation{Status: AutomationStatusSuspended, Healthy: true}).Purchasable() {
		test.Fatalf("suspended automation must not be purchasable")
	}
	if (Automation{Status: AutomationStatusActive, Healthy: false}).Purchasable() {
		test.Fatalf("unhealthy automation must not be purchasable")
	}
}

type countingStore struct {
	automation Automation
	err        error
	calls      int
}

func (store *countingStore) GetAutomation(ctx context.Context, automationID string) (Automation, error) {
	store.calls++
	if store.err != nil {
		return Automation{}, store.err
	}
	return store.automation, nil
}

type memoryCache struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (cache *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok := cache.values[key]
	return value, ok, nil
}

func (cache *memoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	cache.values[key] = value
	cache.ttls[key] = ttl
	return nil
}

func (cache *memoryCache) Delete(ctx context.Context, key string) error {
	delete(cache.values, key)
	delete(cache.ttls, key)
	return nil
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("cache offline")
}

func (brokenCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return errors.New("cache offline")
}

func (brokenCache) Delete(ctx context.Context, key string) error {
	return errors.New("cache offline")
}
