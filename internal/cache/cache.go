// Package cache is the read-through cache port used in front of catalog and
// dashboard reads. Balance values are never cached; they are always read from
// the ledger inside the serving transaction.
package cache

import (
	"context"
	"time"
)

// Cache stores short-lived serialized reads.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Noop satisfies Cache when no backend is configured. Every read misses.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (Noop) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return nil
}

func (Noop) Delete(ctx context.Context, key string) error {
	return nil
}
