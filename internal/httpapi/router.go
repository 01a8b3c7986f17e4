// Package httpapi implements the §6 HTTP surface over chi, translating
// apperr.Kind into the status codes §7 prescribes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/engine"
	"github.com/walletd/snapshot-engine/internal/registry"
)

// NewRouter builds the full chi router for the engine.
func NewRouter(e *engine.Engine, requestDeadline time.Duration, corsOrigins []string, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(middleware.Timeout(requestDeadline))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &handlers{engine: e, logger: logger}

	r.Get("/health", h.health)
	r.Get("/api/tokens", h.searchTokens)
	r.Get("/api/tokens/{chainId}", h.listTokens)
	r.Get("/api/wallet/{chain}/{address}", h.walletSnapshot)
	r.Get("/api/wallet/{address}", h.walletAggregate)
	r.Get("/api/wallet/{chain}/{address}/transactions", h.walletTransactions)
	r.Post("/api/wallets/add-wallet", h.addWallet)
	r.Get("/api/wallets/get-wallet", h.listWallets)
	r.Delete("/api/wallets/remove-wallet/{address}", h.removeWallet)

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			logger.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

type handlers struct {
	engine *engine.Engine
	logger zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Health()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *handlers) walletSnapshot(w http.ResponseWriter, r *http.Request) {
	chainName := chi.URLParam(r, "chain")
	address := chi.URLParam(r, "address")
	refresh := r.URL.Query().Get("refresh") == "true"

	snap, err := h.engine.GetSnapshot(r.Context(), chainName, address, refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) walletAggregate(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	result, err := h.engine.GetAggregate(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) walletTransactions(w http.ResponseWriter, r *http.Request) {
	chainName := chi.URLParam(r, "chain")
	address := chi.URLParam(r, "address")
	page, limit := pageParams(r)

	txs, err := h.engine.ListTransactions(r.Context(), chainName, address, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": txs, "page": page, "limit": limit})
}

func (h *handlers) searchTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chainID, err := strconv.ParseInt(q.Get("chainId"), 10, 64)
	if err != nil {
		writeError(w, apperr.New(apperr.InvalidInput, "chainId is required"))
		return
	}
	page, limit := pageParams(r)

	opts := registry.SearchOpts{Query: q.Get("searchQuery"), Page: page, Limit: limit}
	if v := q.Get("isVerified"); v != "" {
		b := v == "true"
		opts.Verified = &b
	}
	if v := q.Get("isSpam"); v != "" {
		b := v == "true"
		opts.Spam = &b
	}

	result, err := h.engine.Registry().Search(r.Context(), chainID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) listTokens(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(chi.URLParam(r, "chainId"), 10, 64)
	if err != nil {
		writeError(w, apperr.New(apperr.InvalidInput, "invalid chainId"))
		return
	}
	page, limit := pageParams(r)

	result, err := h.engine.Registry().Search(r.Context(), chainID, registry.SearchOpts{Page: page, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type addWalletRequest struct {
	Address string   `json:"address"`
	Chains  []string `json:"chains"`
}

func (h *handlers) addWallet(w http.ResponseWriter, r *http.Request) {
	var req addWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidInput, "invalid request body"))
		return
	}
	if err := h.engine.AddTracked(r.Context(), req.Address, req.Chains); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "tracked"})
}

func (h *handlers) listWallets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"wallets": h.engine.ListTracked()})
}

func (h *handlers) removeWallet(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := h.engine.RemoveTracked(r.Context(), address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return page, limit
}
