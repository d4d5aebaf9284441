package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

const (
	defaultPageLimit  = 100
	maxPageLimit      = 1000
	defaultErrorLimit = 100
	maxErrorLimit     = 1000
	readTimeout       = 3 * time.Second
)

// PagesHandler exposes crawled-page records and the session error log.
type PagesHandler struct {
	sessions Sessions
	pages    crawler.PageStore
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPagesHandler wires the page store and logger.
func NewPagesHandler(sessions Sessions, pages crawler.PageStore, logger *zap.Logger) *PagesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PagesHandler{
		sessions: sessions,
		pages:    pages,
		timeout:  readTimeout,
		logger:   logger,
	}
}

// ListPages handles GET /v1/sessions/{session_id}/pages?limit=&offset=. It
// returns {"pages": [...]} on success, 400 for invalid paging, 404 for unknown
// sessions, and 503 when no page store is configured.
func (h *PagesHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	if h.pages == nil {
		writeError(w, http.StatusServiceUnavailable, "page store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := chi.URLParam(r, "session_id")
	if _, err := h.sessions.Get(ctx, id); err != nil {
		h.writeLookupError(w, err)
		return
	}
	pages, err := h.pages.List(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list pages failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	if pages == nil {
		pages = []crawler.PageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

// ListErrors handles GET /v1/sessions/{session_id}/errors?limit=&offset=,
// returning the session's error log oldest first.
func (h *PagesHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultErrorLimit, maxErrorLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	found, err := h.sessions.Get(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	log := found.ErrorLog
	if offset > len(log) {
		offset = len(log)
	}
	end := offset + limit
	if end > len(log) {
		end = len(log)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": append([]crawler.ErrorRecord{}, log[offset:end]...),
		"total":  len(log),
	})
}

func (h *PagesHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Error("load session failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load session")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
