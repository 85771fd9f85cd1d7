package query

import (
	"fmt"

	"repolens/internal/cache"

	"go.uber.org/zap"
)

// Invalidate drops cached results under scope from the table and the
// snapshot store. It reports how many entries went away in total.
func (r *Registry) Invalidate(scope cache.Scope) (int, error) {
	removed := 0
	if r.deps.Cache != nil {
		removed += r.deps.Cache.Invalidate(scope)
	}
	if r.deps.Store != nil {
		n, err := r.deps.Store.Delete(scope.Repo, scope.Kind)
		if err != nil {
			return removed, fmt.Errorf("invalidating snapshots: %w", err)
		}
		removed += n
	}
	r.deps.Logger.Debug("cache invalidated",
		zap.String("repo", scope.Repo),
		zap.String("kind", scope.Kind),
		zap.Int("removed", removed),
	)
	return removed, nil
}

// CacheStats reports the table's counters; ok is false with caching off.
func (r *Registry) CacheStats() (cache.Stats, bool) {
	if r.deps.Cache == nil {
		return cache.Stats{}, false
	}
	return r.deps.Cache.Stats(), true
}
