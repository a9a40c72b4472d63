// Package cacheutil holds the read-through cache helper used by
// services that front slow or hot storage reads, such as the catalog
// listings every browsing session fetches.
package cacheutil

import (
	"sync"
	"time"
)

// CachedValue is a cached value with the time it was fetched. Staleness
// is the caller's policy; this type only carries the timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough serves a value from cache or fetches and caches it, with
// double-checked locking so concurrent misses trigger a single fetch.
//
// checkCache runs under the read lock first and again under the write
// lock; fetchAndCache runs under the write lock and must populate the
// caller's cache before returning. Both receive the same clock reading
// so a value cached moments ago is never judged expired by an older
// timestamp.
//
// Usage:
//
//	func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
//	    return cacheutil.ReadThrough(
//	        &s.mu,
//	        func(now time.Time) ([]Category, bool) {
//	            if now.Sub(s.categories.FetchedAt) < s.ttl {
//	                return s.categories.Value, true
//	            }
//	            return nil, false
//	        },
//	        func(now time.Time) ([]Category, error) {
//	            list, err := s.store.ListCategories(ctx)
//	            if err != nil {
//	                return nil, err
//	            }
//	            s.categories = cacheutil.CachedValue[[]Category]{Value: list, FetchedAt: now}
//	            return list, nil
//	        },
//	    )
//	}
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have filled the cache between the two locks.
	now = time.Now()
	if value, ok := checkCache(now); ok {
		return value, nil
	}
	return fetchAndCache(now)
}
