// Package idempotency remembers which ledger transactions were already handled.
// Keys follow the `rr:idempotency:tx:<network>:<tx_id>` pattern and expire
// after the configured retention.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/resourcerent/pkg/logger"
)

const defaultRetention = 24 * time.Hour

// Store is the subset of the redis client used for processed markers.
type Store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// Cache is the dedup surface consumed by the ingestion pipeline.
type Cache interface {
	IsProcessed(ctx context.Context, network, txID string) bool
	MarkProcessed(ctx context.Context, network, txID string)
	Unmark(ctx context.Context, network, txID string)
}

// Manager implements Cache on top of Store. Reads fail open and writes
// never surface errors.
type Manager struct {
	store     Store
	logg      *logger.Logger
	retention time.Duration
}

func NewManager(store Store, logg *logger.Logger, retention time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if retention < 0 {
		return nil, errors.New("retention must be non-negative")
	}
	if retention == 0 {
		retention = defaultRetention
	}
	return &Manager{store: store, logg: logg, retention: retention}, nil
}

// IsProcessed returns false when the store is unreachable so a cache outage
// degrades to a duplicate attempt that the order matcher absorbs.
func (m *Manager) IsProcessed(ctx context.Context, network, txID string) bool {
	if txID == "" {
		return false
	}
	seen, err := m.store.Exists(ctx, m.key(network, txID))
	if err != nil {
		m.logg.Warn(m.fields(ctx, network, txID, err), "dedup lookup failed; treating as unprocessed")
		return false
	}
	return seen
}

func (m *Manager) MarkProcessed(ctx context.Context, network, txID string) {
	if txID == "" {
		return
	}
	if err := m.store.Set(ctx, m.key(network, txID), "1", m.retention); err != nil {
		m.logg.Warn(m.fields(ctx, network, txID, err), "dedup mark failed")
	}
}

func (m *Manager) Unmark(ctx context.Context, network, txID string) {
	if txID == "" {
		return
	}
	if err := m.store.Del(ctx, m.key(network, txID)); err != nil {
		m.logg.Warn(m.fields(ctx, network, txID, err), "dedup unmark failed")
	}
}

func (m *Manager) key(network, txID string) string {
	return m.store.IdempotencyKey("tx:"+network, txID)
}

func (m *Manager) fields(ctx context.Context, network, txID string, err error) context.Context {
	return m.logg.WithFields(ctx, map[string]any{
		"network": network,
		"tx_id":   txID,
		"error":   err.Error(),
	})
}
