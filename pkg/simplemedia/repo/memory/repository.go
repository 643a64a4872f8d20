package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Repository implements simplemedia.Repository using in-memory storage.
// The hash index plays the role of the partial unique index in postgres.
type Repository struct {
	mu     sync.RWMutex
	assets map[uuid.UUID]*simplemedia.Asset
	byHash map[string]uuid.UUID // content_hash -> live asset id
	now    func() time.Time
}

var _ simplemedia.Repository = (*Repository)(nil)

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets: make(map[uuid.UUID]*simplemedia.Asset),
		byHash: make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

// Claim fills in a.ID (when nil), a.Status and the timestamps, then
// inserts the row unless the hash is already live.
func (r *Repository) Claim(ctx context.Context, a *simplemedia.Asset) (simplemedia.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[a.ContentHash]; exists {
		return simplemedia.ClaimDuplicate, nil
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Status = simplemedia.AssetStatusUploading
	if a.Visibility == "" {
		a.Visibility = simplemedia.VisibilityPrivate
	}

	// Create a copy to avoid external modifications
	assetCopy := *a
	r.assets[a.ID] = &assetCopy
	r.byHash[a.ContentHash] = a.ID
	return simplemedia.ClaimClaimed, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*simplemedia.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.assets[id]
	if !exists {
		return nil, simplemedia.ErrNotFound
	}
	assetCopy := *a
	return &assetCopy, nil
}

func (r *Repository) GetByHash(ctx context.Context, contentHash string) (*simplemedia.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byHash[contentHash]
	if !exists {
		return nil, simplemedia.ErrNotFound
	}
	assetCopy := *r.assets[id]
	return &assetCopy, nil
}

func (r *Repository) MarkReady(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.assets[id]
	if !exists || a.Status != simplemedia.AssetStatusUploading {
		return simplemedia.ErrNotFound
	}
	a.Status = simplemedia.AssetStatusReady
	a.QuarantineKey = ""
	a.UpdatedAt = r.now().UTC()
	return nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.assets[id]
	if !exists {
		return nil
	}
	r.remove(a)
	return nil
}

func (r *Repository) DeleteUploading(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.assets[id]
	if !exists || a.Status != simplemedia.AssetStatusUploading {
		return false, nil
	}
	r.remove(a)
	return true, nil
}

func (r *Repository) remove(a *simplemedia.Asset) {
	delete(r.assets, a.ID)
	if r.byHash[a.ContentHash] == a.ID {
		delete(r.byHash, a.ContentHash)
	}
}

func (r *Repository) ListStaleUploading(ctx context.Context, before time.Time) ([]*simplemedia.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*simplemedia.Asset
	for _, a := range r.assets {
		if a.Status == simplemedia.AssetStatusUploading && a.CreatedAt.Before(before) {
			assetCopy := *a
			out = append(out, &assetCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) SetVisibility(ctx context.Context, id uuid.UUID, visibility simplemedia.Visibility, publicToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.assets[id]
	if !exists {
		return simplemedia.ErrNotFound
	}
	a.Visibility = visibility
	a.PublicToken = publicToken
	a.UpdatedAt = r.now().UTC()
	return nil
}
