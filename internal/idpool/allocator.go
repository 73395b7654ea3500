// Package idpool hands out human-readable adjective-noun ids for synced
// messages and resolves them back to remote ids.
package idpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/metrics"
	"github.com/fenilsonani/mailpull/internal/storage"
)

// ErrPoolExhausted is returned by Allocate when every id is in use
var ErrPoolExhausted = storage.ErrIDPoolExhausted

// Store is the id pool persistence the allocator needs
type Store interface {
	SeedIDPool(ctx context.Context, adjectives, nouns []string) (int, error)
	AllocateID(ctx context.Context, remoteID string) (string, error)
	FreeID(ctx context.Context, shortID string) (bool, error)
	GetRemoteByID(ctx context.Context, shortID string) (string, bool, error)
	GetIDByRemote(ctx context.Context, remoteID string) (string, bool, error)
	CountFreeIDs(ctx context.Context) (int, error)
	CountUsedIDs(ctx context.Context) (int, error)
	ListUsedIDs(ctx context.Context) ([]storage.PoolEntry, error)
	ReapStuckIDs(ctx context.Context, before time.Time) ([]string, error)
}

// Allocator manages the short id pool
type Allocator struct {
	store  Store
	logger *logging.Logger
}

// New creates an allocator over store
func New(store Store, logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Allocator{
		store:  store,
		logger: logger.IDPool(),
	}
}

// Init seeds the pool from words. Seeding is idempotent, so existing
// bindings survive and only missing pairs are added.
func (a *Allocator) Init(ctx context.Context, words *WordLists) (int, error) {
	n, err := a.store.SeedIDPool(ctx, words.Adjectives, words.Nouns)
	if err != nil {
		return 0, err
	}
	a.logger.InfoContext(ctx, "id pool seeded", "ids", n, "candidates", words.Size())
	a.refreshFreeGauge(ctx)
	return n, nil
}

// EnsureSeeded seeds the pool from the embedded word lists when it holds no
// ids at all. It reports whether seeding happened.
func (a *Allocator) EnsureSeeded(ctx context.Context) (bool, error) {
	stats, err := a.Stats(ctx)
	if err != nil {
		return false, err
	}
	if stats.Total > 0 {
		return false, nil
	}

	words, err := Embedded()
	if err != nil {
		return false, err
	}
	if _, err := a.Init(ctx, words); err != nil {
		return false, err
	}
	return true, nil
}

// Allocate binds a free id to remoteID
func (a *Allocator) Allocate(ctx context.Context, remoteID string) (string, error) {
	id, err := a.store.AllocateID(ctx, remoteID)
	if errors.Is(err, storage.ErrIDPoolExhausted) {
		metrics.IDPoolExhausted.Inc()
		a.logger.WarnContext(ctx, "id pool exhausted", "remote_id", remoteID)
		return "", ErrPoolExhausted
	}
	if err != nil {
		return "", fmt.Errorf("failed to allocate id: %w", err)
	}
	metrics.IDPoolFree.Dec()
	a.logger.DebugContext(ctx, "id allocated", "local_id", id, "remote_id", remoteID)
	return id, nil
}

// Free returns id to the pool. It reports whether the id exists.
func (a *Allocator) Free(ctx context.Context, id string) (bool, error) {
	ok, err := a.store.FreeID(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		a.refreshFreeGauge(ctx)
	}
	return ok, nil
}

// Resolve returns the remote id bound to id
func (a *Allocator) Resolve(ctx context.Context, id string) (string, bool, error) {
	return a.store.GetRemoteByID(ctx, id)
}

// Lookup returns the id bound to remoteID
func (a *Allocator) Lookup(ctx context.Context, remoteID string) (string, bool, error) {
	return a.store.GetIDByRemote(ctx, remoteID)
}

// Stats returns free, used and total counts
func (a *Allocator) Stats(ctx context.Context) (storage.PoolStats, error) {
	free, err := a.store.CountFreeIDs(ctx)
	if err != nil {
		return storage.PoolStats{}, err
	}
	used, err := a.store.CountUsedIDs(ctx)
	if err != nil {
		return storage.PoolStats{}, err
	}
	metrics.IDPoolFree.Set(float64(free))
	return storage.PoolStats{Free: free, Used: used, Total: free + used}, nil
}

// Used lists every bound id
func (a *Allocator) Used(ctx context.Context) ([]storage.PoolEntry, error) {
	return a.store.ListUsedIDs(ctx)
}

// Reap frees ids that were allocated more than olderThan ago but never got a
// sync record, typically because the message fetch failed.
func (a *Allocator) Reap(ctx context.Context, olderThan time.Duration) ([]string, error) {
	freed, err := a.store.ReapStuckIDs(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	if len(freed) > 0 {
		a.logger.InfoContext(ctx, "reaped stuck ids", "count", len(freed))
		a.refreshFreeGauge(ctx)
	}
	return freed, nil
}

func (a *Allocator) refreshFreeGauge(ctx context.Context) {
	free, err := a.store.CountFreeIDs(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to count free ids", "error", err.Error())
		return
	}
	metrics.IDPoolFree.Set(float64(free))
}
