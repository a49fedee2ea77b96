package product

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-backend/internal/cache"
	"catalog-backend/internal/consistency"
	"catalog-backend/internal/memoize"
)

// Cache namespaces. Entity, list and count keys stay disjoint so pattern
// invalidation can target each class separately.
const (
	nsEntity = "product"
	nsList   = "products"
	nsCount  = "products_count"
)

// Service serves catalog reads through the caching core and invalidates
// after writes. The repository remains the source of truth.
type Service struct {
	repo   Repository
	logger *zap.Logger

	getByID memoize.Op[Product]
	list    memoize.Op[[]Product]
	count   memoize.Op[int]
	create  memoize.Op[Product]
	update  memoize.Op[Product]
	remove  memoize.Op[string]
}

// NewService wires the repository's reads into Cacheable wrappers and its
// writes into Evicting wrappers.
func NewService(repo Repository, aside *cache.Aside, monitor *consistency.Monitor, entryTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{repo: repo, logger: logger}

	s.getByID = memoize.Cacheable(aside, monitor,
		memoize.CacheableConfig{Namespace: nsEntity, TTL: entryTTL}, logger,
		func(ctx context.Context, args memoize.Args) (Product, error) {
			return repo.GetByID(ctx, args["id"].(string))
		})

	s.list = memoize.Cacheable(aside, monitor,
		memoize.CacheableConfig{Namespace: nsList, TTL: entryTTL}, logger,
		func(ctx context.Context, args memoize.Args) ([]Product, error) {
			return repo.List(ctx, args["category"].(string), args["page"].(int), args["page_size"].(int))
		})

	s.count = memoize.Cacheable(aside, monitor,
		memoize.CacheableConfig{Namespace: nsCount, TTL: entryTTL}, logger,
		func(ctx context.Context, args memoize.Args) (int, error) {
			return repo.Count(ctx, args["category"].(string))
		})

	// Every write drops the entity key plus all list and count caches: any
	// page or total could have changed.
	writeEvictions := func(id string) []string {
		return []string{
			cache.BuildKey(nsEntity, map[string]any{"id": id}),
			nsList + ":*",
			nsCount + ":*",
		}
	}

	s.create = memoize.Evicting(aside, monitor,
		memoize.EvictConfig[Product]{
			PatternsFunc: func(_ memoize.Args, result Product) []string {
				return writeEvictions(result.ID)
			},
		}, logger,
		func(ctx context.Context, args memoize.Args) (Product, error) {
			return repo.Create(ctx, args["product"].(Product))
		})

	s.update = memoize.Evicting(aside, monitor,
		memoize.EvictConfig[Product]{
			PatternsFunc: func(_ memoize.Args, result Product) []string {
				return writeEvictions(result.ID)
			},
		}, logger,
		func(ctx context.Context, args memoize.Args) (Product, error) {
			return repo.Update(ctx, args["product"].(Product))
		})

	s.remove = memoize.Evicting(aside, monitor,
		memoize.EvictConfig[string]{
			PatternsFunc: func(_ memoize.Args, id string) []string {
				return writeEvictions(id)
			},
		}, logger,
		func(ctx context.Context, args memoize.Args) (string, error) {
			id := args["id"].(string)
			if err := repo.Delete(ctx, id); err != nil {
				return "", err
			}
			return id, nil
		})

	return s
}

// GetByID returns one product, served from cache when fresh.
func (s *Service) GetByID(ctx context.Context, id string) (Product, error) {
	return s.getByID(ctx, memoize.Args{"id": id})
}

// List returns one page of a category listing.
func (s *Service) List(ctx context.Context, category string, page, pageSize int) ([]Product, error) {
	return s.list(ctx, memoize.Args{"category": category, "page": page, "page_size": pageSize})
}

// Count returns the number of products in a category.
func (s *Service) Count(ctx context.Context, category string) (int, error) {
	return s.count(ctx, memoize.Args{"category": category})
}

// Create stores a new product and invalidates the affected caches.
func (s *Service) Create(ctx context.Context, p Product) (Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.create(ctx, memoize.Args{"product": p})
}

// Update overwrites a product and invalidates the affected caches.
func (s *Service) Update(ctx context.Context, p Product) (Product, error) {
	return s.update(ctx, memoize.Args{"product": p})
}

// Delete removes a product and invalidates the affected caches.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.remove(ctx, memoize.Args{"id": id})
	return err
}
