package kv

import "go.uber.org/zap"

// Guard wraps a fallible Store so that quota, permission and closed-store
// failures never reach the caller. Failures are logged and the zero value is
// returned; the in-memory state of the caller stays authoritative.
type Guard struct {
	store  Store
	logger *zap.Logger
}

// NewGuard wraps store. A nil store behaves as permanently unavailable.
func NewGuard(store Store, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, logger: logger}
}

// Get returns the value for key, or "", false if absent or unreadable.
func (g *Guard) Get(key string) (string, bool) {
	if g.store == nil {
		return "", false
	}
	v, ok, err := g.store.Get(key)
	if err != nil {
		g.logger.Warn("persistent store read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

// Set stores value under key and reports whether it was persisted.
func (g *Guard) Set(key, value string) bool {
	if g.store == nil {
		return false
	}
	if err := g.store.Set(key, value); err != nil {
		g.logger.Warn("persistent store write failed", zap.String("key", key), zap.Int("bytes", len(value)), zap.Error(err))
		return false
	}
	return true
}

// Remove deletes key and reports whether the removal was persisted.
func (g *Guard) Remove(key string) bool {
	if g.store == nil {
		return false
	}
	if err := g.store.Remove(key); err != nil {
		g.logger.Warn("persistent store remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
