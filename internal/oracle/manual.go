package oracle

import (
	"context"
	"sync"
)

// ManualOracle serves operator-supplied values from memory. It backs tests and
// manual overrides while the upstream authority is degraded.
type ManualOracle struct {
	mu     sync.RWMutex
	values map[string]uint64
	down   bool
}

func NewManualOracle() *ManualOracle {
	return &ManualOracle{values: make(map[string]uint64)}
}

// Set records the observed value for an asset.
func (m *ManualOracle) Set(assetID string, value uint64) {
	m.mu.Lock()
	m.values[normaliseAsset(assetID)] = value
	m.mu.Unlock()
}

// Remove forgets an asset.
func (m *ManualOracle) Remove(assetID string) {
	m.mu.Lock()
	delete(m.values, normaliseAsset(assetID))
	m.mu.Unlock()
}

// SetDown simulates an unreachable authority.
func (m *ManualOracle) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *ManualOracle) ObservedValue(ctx context.Context, assetID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapUnavailable("manual", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return 0, unavailable("manual oracle down")
	}
	v, ok := m.values[normaliseAsset(assetID)]
	if !ok {
		return 0, unavailable("manual oracle: unknown asset %q", assetID)
	}
	return v, nil
}

func (m *ManualOracle) AuthorityValid(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.down, nil
}

func (m *ManualOracle) VerifyAssetExists(_ context.Context, assetID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[normaliseAsset(assetID)]
	return ok, nil
}
