package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewService(store, zerolog.Nop()), store
}

func seedCatalog(t *testing.T, store storage.Store, subcategoryID string, n int) {
	t.Helper()
	ctx := context.Background()
	categoryID := "cat-" + subcategoryID
	_ = store.CreateCategory(ctx, storage.Category{ID: categoryID, Name: "Category " + subcategoryID})
	_ = store.CreateSubcategory(ctx, storage.Subcategory{ID: subcategoryID, CategoryID: categoryID, Name: "Sub " + subcategoryID})
	for i := 0; i < n; i++ {
		err := store.CreateItem(ctx, storage.Item{
			ID:            fmt.Sprintf("%s-%02d", subcategoryID, i),
			CategoryID:    categoryID,
			SubcategoryID: subcategoryID,
			PriceCents:    1000,
			PrivateData:   "payload",
		})
		if err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
}

func TestAvailabilityCountsOnlyFreeStock(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, store, "keys", 3)

	if _, err := store.ReserveItems(ctx, "keys", 1, "order-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	available, err := svc.Availability(ctx, "keys")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if available != 2 {
		t.Errorf("available = %d, want 2", available)
	}
}

func TestAvailabilityUnknownSubcategory(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Availability(context.Background(), "ghost")
	if !apperrors.HasCode(err, apperrors.ErrCodeItemNotFound) {
		t.Errorf("err = %v, want %s", err, apperrors.ErrCodeItemNotFound)
	}
}

func TestAddToCartMergesLines(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, svc.store, "keys", 5)

	if err := svc.AddToCart(ctx, "u1", "keys", 2); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := svc.AddToCart(ctx, "u1", "keys", 1); err != nil {
		t.Fatalf("second add: %v", err)
	}

	lines, err := svc.ViewCart(ctx, "u1")
	if err != nil {
		t.Fatalf("view cart: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 merged line", len(lines))
	}
	if lines[0].Quantity != 3 {
		t.Errorf("quantity = %d, want 3", lines[0].Quantity)
	}
	if lines[0].Name != "Sub keys" {
		t.Errorf("name = %q, want subcategory name resolved", lines[0].Name)
	}
}

func TestAddToCartRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, svc.store, "empty", 0)

	if err := svc.AddToCart(ctx, "u1", "empty", 0); !apperrors.HasCode(err, apperrors.ErrCodeCartInvalidState) {
		t.Errorf("zero quantity err = %v, want %s", err, apperrors.ErrCodeCartInvalidState)
	}
	if err := svc.AddToCart(ctx, "u1", "ghost", 1); !apperrors.HasCode(err, apperrors.ErrCodeItemNotFound) {
		t.Errorf("unknown subcategory err = %v, want %s", err, apperrors.ErrCodeItemNotFound)
	}
	if err := svc.AddToCart(ctx, "u1", "empty", 1); !apperrors.HasCode(err, apperrors.ErrCodeInsufficientStock) {
		t.Errorf("out of stock err = %v, want %s", err, apperrors.ErrCodeInsufficientStock)
	}
}

func TestRemoveAndClearCart(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, svc.store, "keys", 5)
	seedCatalog(t, svc.store, "cards", 5)

	if err := svc.AddToCart(ctx, "u1", "keys", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.AddToCart(ctx, "u1", "cards", 1); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := svc.RemoveFromCart(ctx, "u1", "no-such-line"); !apperrors.HasCode(err, apperrors.ErrCodeCartItemNotFound) {
		t.Errorf("remove unknown err = %v, want %s", err, apperrors.ErrCodeCartItemNotFound)
	}

	lines, _ := svc.ViewCart(ctx, "u1")
	if err := svc.RemoveFromCart(ctx, "u1", lines[0].CartItemID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	lines, _ = svc.ViewCart(ctx, "u1")
	if len(lines) != 1 {
		t.Fatalf("lines after remove = %d, want 1", len(lines))
	}

	if err := svc.ClearCart(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	lines, _ = svc.ViewCart(ctx, "u1")
	if len(lines) != 0 {
		t.Errorf("lines after clear = %d, want 0", len(lines))
	}
}

func TestListCategoriesIsCached(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, store, "keys", 1)

	first, err := svc.ListCategories(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("categories = %d, want 1", len(first))
	}

	// A category created after the first read stays invisible until the
	// cache entry expires.
	_ = store.CreateCategory(ctx, storage.Category{ID: "late", Name: "Late"})
	second, err := svc.ListCategories(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second) != 1 {
		t.Errorf("cached categories = %d, want 1", len(second))
	}
}

func TestListSubcategoriesCachedPerCategory(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedCatalog(t, store, "keys", 1)
	seedCatalog(t, store, "cards", 1)

	keys, err := svc.ListSubcategories(ctx, "cat-keys")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "keys" {
		t.Fatalf("subcategories = %+v, want [keys]", keys)
	}

	// A different category misses the cache and fetches its own list.
	cards, err := svc.ListSubcategories(ctx, "cat-cards")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cards) != 1 || cards[0].ID != "cards" {
		t.Fatalf("subcategories = %+v, want [cards]", cards)
	}
}
