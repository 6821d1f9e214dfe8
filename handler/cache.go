/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       REST handler for request cache management.
             Exposes stats, invalidation, and flush endpoints.
Root Cause:  Sprint tasks T111-T114 — Cache REST API.
Context:     Admin endpoints for cache management.
Suitability: L2 — standard REST wrapping cache engine.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/cache"
)

// CacheHandler handles cache management REST endpoints.
type CacheHandler struct {
	c      *cache.Cache
	logger zerolog.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(c *cache.Cache, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		c:      c,
		logger: logger.With().Str("handler", "cache").Logger(),
	}
}

// Stats handles GET /v1/cache/stats (T113).
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Stats())
}

// FlushAll handles DELETE /v1/cache (T114).
func (h *CacheHandler) FlushAll(w http.ResponseWriter, r *http.Request) {
	count := h.c.FlushAll()
	h.logger.Info().Int("evicted", count).Msg("full cache flush")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed": true,
		"evicted": count,
	})
}

// InvalidateEntry handles DELETE /v1/cache/{fingerprint} (T114).
func (h *CacheHandler) InvalidateEntry(w http.ResponseWriter, r *http.Request) {
	fp := cache.Fingerprint(chi.URLParam(r, "fingerprint"))
	h.c.Invalidate(fp)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invalidated": true,
		"fingerprint": string(fp),
	})
}
