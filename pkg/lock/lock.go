// Package lock provides advisory, TTL-bounded mutual exclusion per key.
//
// Acquire fails closed: if the store cannot be reached the caller is told it
// does not hold the lock. Release is best-effort and owner-checked, so a
// release that arrives after the TTL has handed the key to someone else is a
// no-op.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/pkg/instance"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

const defaultTTL = 30 * time.Second

// Store is the subset of the redis client used for locking.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	LockKey(name string) string
}

// Locker is what the pipeline and fulfillment code depend on. Acquire hands
// back the owner token of that one acquisition; Release needs it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool)
	Release(ctx context.Context, key, token string)
	Exists(ctx context.Context, key string) bool
}

type Params struct {
	Store      Store
	Logger     *logger.Logger
	DefaultTTL time.Duration
	InstanceID string
}

// Manager hands out locks with a fresh owner token per acquisition.
type Manager struct {
	store      Store
	logg       *logger.Logger
	defaultTTL time.Duration
	instanceID string
}

func NewManager(p Params) (*Manager, error) {
	if p.Store == nil {
		return nil, errors.New("lock store required")
	}
	if p.Logger == nil {
		return nil, errors.New("logger required")
	}
	ttl := p.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	id := p.InstanceID
	if id == "" {
		id = instance.GetID()
	}
	return &Manager{
		store:      p.Store,
		logg:       p.Logger,
		defaultTTL: ttl,
		instanceID: id,
	}, nil
}

// Acquire performs one SET NX PX. Exactly one caller wins per key per TTL.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	if key == "" {
		return "", false
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	token := m.instanceID + ":" + uuid.NewString()
	ok, err := m.store.SetNX(ctx, m.store.LockKey(key), token, ttl)
	if err != nil {
		m.logg.Error(m.logg.WithField(ctx, "lock_key", key), "lock acquire failed", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release drops the lock if token still owns it.
func (m *Manager) Release(ctx context.Context, key, token string) {
	if token == "" {
		return
	}
	// release must still run when the caller's context is already done
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	deleted, err := m.store.CompareAndDelete(releaseCtx, m.store.LockKey(key), token)
	if err != nil {
		m.logg.Warn(m.logg.WithFields(ctx, map[string]any{"lock_key": key, "error": err.Error()}), "lock release failed; ttl will expire it")
		return
	}
	if !deleted {
		m.logg.Warn(m.logg.WithField(ctx, "lock_key", key), "lock expired before release")
	}
}

// Exists reports whether anyone currently holds key. Store errors report true
// so callers treat the key as busy.
func (m *Manager) Exists(ctx context.Context, key string) bool {
	held, err := m.store.Exists(ctx, m.store.LockKey(key))
	if err != nil {
		m.logg.Error(m.logg.WithField(ctx, "lock_key", key), "lock exists check failed", err)
		return true
	}
	return held
}

// TxKey is the lock key for one ledger transaction.
func TxKey(network, txID string) string {
	return "tx:" + network + ":" + txID
}

// OrderKey is the lock key for one order.
func OrderKey(orderID string) string {
	return "order:" + orderID
}
