// Package catalog exposes the browsing and cart surface: categories,
// subcategories, item availability, and the per-user cart the order
// service consumes at checkout.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/cacheutil"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/storage"
)

// listingTTL bounds how stale the cached category tree may get. Stock
// counts are never cached; only the tree structure, which changes when
// an operator restocks, not per request.
const listingTTL = 30 * time.Second

// Service provides catalog and cart operations.
type Service struct {
	store  storage.Store
	logger zerolog.Logger

	mu            sync.RWMutex
	categories    cacheutil.CachedValue[[]storage.Category]
	subcategories map[string]cacheutil.CachedValue[[]storage.Subcategory]
}

// NewService constructs a catalog Service.
func NewService(store storage.Store, logger zerolog.Logger) *Service {
	return &Service{
		store:         store,
		logger:        logger.With().Str("component", "catalog").Logger(),
		subcategories: make(map[string]cacheutil.CachedValue[[]storage.Subcategory]),
	}
}

// ListCategories returns all categories, cached for listingTTL.
func (s *Service) ListCategories(ctx context.Context) ([]storage.Category, error) {
	return cacheutil.ReadThrough(
		&s.mu,
		func(now time.Time) ([]storage.Category, bool) {
			if s.categories.Value != nil && now.Sub(s.categories.FetchedAt) < listingTTL {
				return s.categories.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]storage.Category, error) {
			list, err := s.store.ListCategories(ctx)
			if err != nil {
				return nil, err
			}
			s.categories = cacheutil.CachedValue[[]storage.Category]{Value: list, FetchedAt: now}
			return list, nil
		},
	)
}

// ListSubcategories returns the subcategories of one category, cached
// per category for listingTTL.
func (s *Service) ListSubcategories(ctx context.Context, categoryID string) ([]storage.Subcategory, error) {
	return cacheutil.ReadThrough(
		&s.mu,
		func(now time.Time) ([]storage.Subcategory, bool) {
			if entry, ok := s.subcategories[categoryID]; ok && now.Sub(entry.FetchedAt) < listingTTL {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]storage.Subcategory, error) {
			list, err := s.store.ListSubcategories(ctx, categoryID)
			if err != nil {
				return nil, err
			}
			s.subcategories[categoryID] = cacheutil.CachedValue[[]storage.Subcategory]{Value: list, FetchedAt: now}
			return list, nil
		},
	)
}

// Availability reports how many unsold, unreserved items a subcategory
// currently holds. The number is advisory: reservation at checkout is the
// only authoritative claim on stock.
func (s *Service) Availability(ctx context.Context, subcategoryID string) (int, error) {
	if _, err := s.store.GetSubcategory(ctx, subcategoryID); err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return 0, apperrors.New(apperrors.ErrCodeItemNotFound, "subcategory not found")
		}
		return 0, err
	}
	return s.store.CountAvailableItems(ctx, subcategoryID)
}

// CartLine is a cart entry joined with its subcategory.
type CartLine struct {
	CartItemID    string
	SubcategoryID string
	CategoryID    string
	Name          string
	Quantity      int
}

// AddToCart puts a requested quantity of a subcategory into the user's
// cart, merging with an existing line for the same subcategory.
func (s *Service) AddToCart(ctx context.Context, userID, subcategoryID string, quantity int) error {
	if quantity <= 0 {
		return apperrors.New(apperrors.ErrCodeCartInvalidState, "quantity must be positive")
	}

	sub, err := s.store.GetSubcategory(ctx, subcategoryID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.ErrCodeItemNotFound, "subcategory not found")
		}
		return err
	}

	available, err := s.store.CountAvailableItems(ctx, subcategoryID)
	if err != nil {
		return err
	}
	if available == 0 {
		return apperrors.New(apperrors.ErrCodeInsufficientStock, "subcategory is out of stock").
			WithDetail("subcategory_id", subcategoryID)
	}

	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.AddCartItem(ctx, storage.CartItem{
		ID:            uuid.NewString(),
		CartID:        cart.ID,
		CategoryID:    sub.CategoryID,
		SubcategoryID: sub.ID,
		Quantity:      quantity,
	})
}

// ViewCart returns the user's cart lines with subcategory names resolved.
func (s *Service) ViewCart(ctx context.Context, userID string) ([]CartLine, error) {
	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}

	lines := make([]CartLine, 0, len(items))
	for _, item := range items {
		line := CartLine{
			CartItemID:    item.ID,
			SubcategoryID: item.SubcategoryID,
			CategoryID:    item.CategoryID,
			Quantity:      item.Quantity,
		}
		if sub, err := s.store.GetSubcategory(ctx, item.SubcategoryID); err == nil {
			line.Name = sub.Name
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// RemoveFromCart deletes one cart line.
func (s *Service) RemoveFromCart(ctx context.Context, userID, cartItemID string) error {
	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveCartItem(ctx, cart.ID, cartItemID); err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.ErrCodeCartItemNotFound, "cart item not found")
		}
		return err
	}
	return nil
}

// ClearCart empties the user's cart. Called after successful checkout.
func (s *Service) ClearCart(ctx context.Context, userID string) error {
	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.ClearCart(ctx, cart.ID)
}
