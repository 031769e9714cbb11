package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used for single-node runs and tests.
type Memory struct {
	mu         sync.RWMutex
	cfg        commonConfig
	assets     map[string]Asset
	renditions map[string][]Rendition
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory catalog.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		cfg:        newCommonConfig(opts),
		assets:     make(map[string]Asset),
		renditions: make(map[string][]Rendition),
	}
}

func (m *Memory) InsertAsset(_ context.Context, asset Asset) error {
	if err := validateNewAsset(asset); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assets[asset.ID]; exists {
		return ErrExists
	}
	now := normalizeNow(m.cfg.clock)
	asset.Status = StatusPending
	asset.Error = ""
	asset.Renditions = nil
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	m.assets[asset.ID] = asset
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id string) (Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[strings.TrimSpace(id)]
	if !ok {
		return Asset{}, ErrNotFound
	}
	asset.Renditions = append([]Rendition{}, m.renditions[asset.ID]...)
	return asset, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.mutableLocked(id)
	if err != nil {
		return err
	}
	asset.Status = StatusProcessing
	asset.UpdatedAt = normalizeNow(m.cfg.clock)
	m.assets[asset.ID] = asset
	return nil
}

func (m *Memory) PublishProcessed(_ context.Context, id, masterPlaylistPath string, renditions []Rendition) error {
	if err := validatePublication(id, renditions); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.mutableLocked(id)
	if err != nil {
		return err
	}
	now := normalizeNow(m.cfg.clock)
	rows := make([]Rendition, 0, len(renditions))
	for _, r := range renditions {
		r.AssetID = asset.ID
		r.CreatedAt = now
		rows = append(rows, r)
	}
	asset.Status = StatusProcessed
	asset.MasterPlaylistPath = masterPlaylistPath
	asset.Error = ""
	asset.UpdatedAt = now
	m.assets[asset.ID] = asset
	m.renditions[asset.ID] = rows
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.mutableLocked(id)
	if err != nil {
		return err
	}
	asset.Status = StatusFailed
	asset.Error = reason
	asset.UpdatedAt = normalizeNow(m.cfg.clock)
	m.assets[asset.ID] = asset
	return nil
}

func (m *Memory) ListRecoverable(_ context.Context) ([]Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, 0)
	for _, asset := range m.assets {
		if asset.Status == StatusPending || asset.Status == StatusProcessing {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }

func (m *Memory) mutableLocked(id string) (Asset, error) {
	asset, ok := m.assets[strings.TrimSpace(id)]
	if !ok {
		return Asset{}, ErrNotFound
	}
	if asset.Status.Terminal() {
		return Asset{}, ErrTerminal
	}
	return asset, nil
}
