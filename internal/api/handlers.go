package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carminepf/internal/acquire"
	"carminepf/internal/apperror"
	"carminepf/internal/model"
	"carminepf/internal/storage"
)

// APIKeyPlaceholder is replaced in submitted feed URLs with the deployment key.
const APIKeyPlaceholder = "YOUR_API_KEY"

const defaultDeleteAfterDays = 7

type itemResponse struct {
	ID                 int64     `json:"id"`
	ASIN               string    `json:"asin"`
	SellerID           *string   `json:"sellerId"`
	Price              *float64  `json:"price"`
	AveragePrice90Days *float64  `json:"averagePrice90Days"`
	ProfitAmount       *float64  `json:"profitAmount"`
	ProfitRate         *float64  `json:"profitRate"`
	IsFBA              bool      `json:"isFBA"`
	IsPrime            bool      `json:"isPrime"`
	CreatedAt          time.Time `json:"createdAt"`
}

func toItemResponse(it model.Item) itemResponse {
	return itemResponse{
		ID:                 it.ID,
		ASIN:               it.ASIN,
		SellerID:           it.SellerID,
		Price:              it.PurchasePrice,
		AveragePrice90Days: it.ReferencePrice,
		ProfitAmount:       it.ProfitAmount,
		ProfitRate:         it.ProfitRate,
		IsFBA:              it.IsFBA,
		IsPrime:            it.IsPrime,
		CreatedAt:          it.CreatedAt,
	}
}

type configResponse struct {
	URL             string    `json:"url"`
	DeleteAfterDays int       `json:"deleteAfterDays"`
	IsAmazonOnly    bool      `json:"isAmazonOnly"`
	IsFBAOnly       bool      `json:"isFBAOnly"`
	MinStarRating   *float64  `json:"minStarRating"`
	MinReviewCount  *int64    `json:"minReviewCount"`
	MinProfitRate   *float64  `json:"minProfitRate"`
	IsActive        bool      `json:"isActive"`
	IsFirstRun      bool      `json:"isFirstRun"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toConfigResponse(cfg *model.MonitorConfig) configResponse {
	return configResponse{
		URL:             cfg.RedactedURL(),
		DeleteAfterDays: cfg.DeleteAfterDays,
		IsAmazonOnly:    cfg.IsAmazonOnly,
		IsFBAOnly:       cfg.IsFBAOnly,
		MinStarRating:   cfg.MinStarRating,
		MinReviewCount:  cfg.MinReviewCount,
		MinProfitRate:   cfg.MinProfitRate,
		IsActive:        cfg.IsActive,
		IsFirstRun:      cfg.IsFirstRun,
		CreatedAt:       cfg.CreatedAt,
	}
}

// ConfigRequest is the body of PUT /api/config.
type ConfigRequest struct {
	URL             string   `json:"url"`
	DeleteAfterDays int      `json:"deleteAfterDays"`
	IsAmazonOnly    bool     `json:"isAmazonOnly"`
	IsFBAOnly       bool     `json:"isFBAOnly"`
	MinStarRating   *float64 `json:"minStarRating"`
	MinReviewCount  *int64   `json:"minReviewCount"`
	MinProfitRate   *float64 `json:"minProfitRate"`
}

// Update validates req and resolves the credential in its URL. The
// placeholder is replaced with apiKey; the resulting URL must carry a key
// query parameter.
func (req ConfigRequest) Update(apiKey string) (model.ConfigUpdate, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return model.ConfigUpdate{}, apperror.Validation(apperror.CodeInvalidConfig, "url is required")
	}
	if strings.Contains(raw, APIKeyPlaceholder) {
		if apiKey == "" {
			return model.ConfigUpdate{}, apperror.New(apperror.CodeInvalidConfig,
				apperror.WithContext("no deployment api key to substitute"),
				apperror.WithStatusCode(http.StatusInternalServerError))
		}
		raw = strings.ReplaceAll(raw, APIKeyPlaceholder, apiKey)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return model.ConfigUpdate{}, apperror.Validation(apperror.CodeInvalidConfig, "url is not absolute")
	}
	key := u.Query().Get("key")
	if key == "" {
		return model.ConfigUpdate{}, apperror.Validation(apperror.CodeInvalidConfig, "url has no key parameter")
	}

	if req.DeleteAfterDays < 0 {
		return model.ConfigUpdate{}, apperror.Validation(apperror.CodeInvalidConfig, "deleteAfterDays must not be negative")
	}
	days := req.DeleteAfterDays
	if days == 0 {
		days = defaultDeleteAfterDays
	}
	if req.MinStarRating != nil && (*req.MinStarRating < 0 || *req.MinStarRating > 5) {
		return model.ConfigUpdate{}, apperror.Validation(apperror.CodeInvalidConfig, "minStarRating must be within 0..5")
	}

	return model.ConfigUpdate{
		URL:             raw,
		APIKey:          key,
		DeleteAfterDays: days,
		IsAmazonOnly:    req.IsAmazonOnly,
		IsFBAOnly:       req.IsFBAOnly,
		MinStarRating:   req.MinStarRating,
		MinReviewCount:  req.MinReviewCount,
		MinProfitRate:   req.MinProfitRate,
	}, nil
}

const healthTimeout = 2 * time.Second

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.configs.Ping(ctx); err != nil {
		h.log.Error("health check", "error", err)
		writeError(w, apperror.New(apperror.CodeInternalError,
			apperror.WithMessage("database unreachable"),
			apperror.WithStatusCode(http.StatusServiceUnavailable),
			apperror.WithCause(err)))
		return
	}
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperror.Validation(apperror.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	items, err := h.queue.ReadBatch(r.Context(), limit)
	if err != nil {
		h.log.Error("read queue", "error", err)
		writeError(w, err)
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}
	writeJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	IsRunning bool       `json:"isRunning"`
	LastRun   *time.Time `json:"lastRun"`
	NextRun   *time.Time `json:"nextRun"`
	Pending   int64      `json:"pending"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.Status()
	pending, err := h.queue.Pending(r.Context())
	if err != nil {
		h.log.Error("count pending items", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		IsRunning: st.IsRunning,
		LastRun:   st.LastRunAt,
		NextRun:   st.NextRunAt,
		Pending:   pending,
	})
}

func (h *Handler) startMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Start(r.Context()); err != nil {
		h.log.Warn("start monitor", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "monitoring started", "status": "running"})
}

func (h *Handler) stopMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(r.Context()); err != nil {
		h.log.Error("stop monitor", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "monitoring stopped", "status": "stopped"})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetConfig(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, apperror.New(apperror.CodeNoConfig))
		return
	}
	if err != nil {
		h.log.Error("get config", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apperror.Validation(apperror.CodeInvalidInput, fmt.Sprintf("decode body: %v", err)))
		return
	}

	upd, err := req.Update(h.apiKey)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.monitor.Status().IsRunning {
		if err := h.monitor.Stop(r.Context()); err != nil {
			h.log.Error("stop monitor before config change", "error", err)
			writeError(w, err)
			return
		}
	}

	cfg, err := h.configs.ReplaceConfig(r.Context(), upd)
	if err != nil {
		h.log.Error("replace config", "error", err)
		writeError(w, err)
		return
	}
	h.log.Info("config replaced", "delete_after_days", cfg.DeleteAfterDays)
	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

type attemptsResponse struct {
	Completed []acquire.Outcome `json:"completed"`
	Failed    []acquire.Outcome `json:"failed"`
	Rejected  int               `json:"rejected"`
}

func (h *Handler) listAttempts(w http.ResponseWriter, _ *http.Request) {
	resp := attemptsResponse{Completed: []acquire.Outcome{}, Failed: []acquire.Outcome{}}
	if h.attempts != nil {
		if c := h.attempts.Completed(); c != nil {
			resp.Completed = c
		}
		if f := h.attempts.Failed(); f != nil {
			resp.Failed = f
		}
		resp.Rejected = h.attempts.Rejected()
	}
	writeJSON(w, http.StatusOK, resp)
}
