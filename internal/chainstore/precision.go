package chainstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ppy-wallet/go-core/pkg/models"
)

var ErrAssetNotFound = errors.New("asset not found")

// ObjectGetter resolves a chain object, returning nil for a missing one.
type ObjectGetter interface {
	GetObject(ctx context.Context, id string, force bool) (models.ChainObject, error)
}

// PrecisionCache remembers asset precisions for the lifetime of the process.
// Precision never changes once an asset exists, so entries survive cache
// resets.
type PrecisionCache struct {
	objects ObjectGetter

	mu     sync.RWMutex
	values map[string]int
}

func NewPrecisionCache(objects ObjectGetter) *PrecisionCache {
	return &PrecisionCache{objects: objects, values: make(map[string]int)}
}

func (p *PrecisionCache) Precision(ctx context.Context, assetID string) (int, error) {
	p.mu.RLock()
	v, ok := p.values[assetID]
	p.mu.RUnlock()
	if ok {
		return v, nil
	}

	obj, err := p.objects.GetObject(ctx, assetID, false)
	if err != nil {
		return 0, err
	}
	if obj == nil {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	var asset models.Asset
	if err := obj.Decode(&asset); err != nil {
		return 0, fmt.Errorf("decode asset %s: %w", assetID, err)
	}

	p.mu.Lock()
	p.values[assetID] = asset.Precision
	p.mu.Unlock()
	return asset.Precision, nil
}
