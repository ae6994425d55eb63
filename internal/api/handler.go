package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	cfg     *domain.Config
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		cfg:     cfg,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// runTriggerLimit caps run triggers per minute per node.
const runTriggerLimit = 10

// reportPageTTL is how long a served report page stays cached.
const reportPageTTL = 5 * time.Minute

// RunRequest is the optional request body for POST /runs. Overrides apply
// to this run only.
type RunRequest struct {
	ReferenceNow  string   `json:"referenceNow,omitempty"`
	Campaigns     []string `json:"campaigns,omitempty"`
	ClaimFilter   string   `json:"claimFilter,omitempty"`
	PaymentFilter string   `json:"paymentFilter,omitempty"`
}

// TriggerRun handles POST /runs. By default the run executes synchronously
// and the terminal run record is returned. With ?async=true the run id is
// returned immediately and the run proceeds in the background.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	if h.cache != nil {
		count, err := h.cache.IncrementCounter(ctx, "run-trigger", time.Minute)
		if err == nil && count > runTriggerLimit {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "run trigger limit exceeded",
			})
			return
		}
	}

	// Apply per-run overrides on a copy of the configuration.
	cfg := *h.cfg
	if req.ReferenceNow != "" {
		cfg.Detection.ReferenceNow = req.ReferenceNow
	}
	if len(req.Campaigns) > 0 {
		cfg.Detection.Campaigns = req.Campaigns
	}
	if req.ClaimFilter != "" {
		cfg.Detection.ClaimFilter = req.ClaimFilter
	}
	if req.PaymentFilter != "" {
		cfg.Detection.PaymentFilter = req.PaymentFilter
	}

	pipe := pipeline.New(&cfg, h.repo, h.bus)

	if r.URL.Query().Get("async") == "true" {
		runID := uuid.New().String()
		go func() {
			if _, err := pipe.RunWithID(context.Background(), runID); err != nil {
				slog.Error("background run failed",
					"run_id", runID,
					"error", err,
				)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     runID,
			"status": domain.RunStatusRunning,
		})
		return
	}

	run, err := pipe.Run(ctx)
	if err != nil {
		if run == nil {
			// Configuration error: nothing was started.
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, run)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
		return
	}

	run, err := h.repo.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "run not found",
			})
			return
		}
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get run",
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list runs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetReport handles GET /runs/{id}/report. Pages are served from cache when
// possible; rows keep their persisted report order.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)

	if h.cache != nil {
		if rows, err := h.cache.GetReportPage(ctx, runID, offset, limit); err == nil && rows != nil {
			writeReportPage(w, runID, offset, limit, rows)
			return
		}
	}

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "run not found",
			})
			return
		}
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get run",
		})
		return
	}
	if run.Status != domain.RunStatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "run has not completed",
			"status": run.Status,
		})
		return
	}

	rows, err := h.repo.ListReportRows(ctx, runID, offset, limit)
	if err != nil {
		slog.Error("failed to list report rows", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load report",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetReportPage(ctx, runID, offset, limit, rows, reportPageTTL); err != nil {
			slog.Warn("failed to cache report page", "run_id", runID, "error", err)
		}
	}

	writeReportPage(w, runID, offset, limit, rows)
}

func writeReportPage(w http.ResponseWriter, runID string, offset, limit int, rows []*domain.FraudReportRow) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  runID,
		"offset": offset,
		"limit":  limit,
		"count":  len(rows),
		"rows":   rows,
	})
}

// ClaimRequest is one coupon claim in a bulk ingestion request.
type ClaimRequest struct {
	CustomerID     string  `json:"customerId"`
	CampaignID     string  `json:"campaignId"`
	ClaimedAt      string  `json:"claimedAt"`
	CashbackAmount float64 `json:"cashbackAmount"`
}

// IngestClaims handles POST /sources/claims.
func (h *Handler) IngestClaims(w http.ResponseWriter, r *http.Request) {
	var reqs []ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	claims := make([]*domain.CouponClaim, 0, len(reqs))
	malformed := 0
	for _, req := range reqs {
		if req.CustomerID == "" || req.CampaignID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "customerId and campaignId are required",
			})
			return
		}
		ts, ok := parseTime(req.ClaimedAt)
		if !ok {
			malformed++
		}
		claims = append(claims, &domain.CouponClaim{
			CustomerID:     req.CustomerID,
			CampaignID:     req.CampaignID,
			ClaimedAt:      ts,
			CashbackAmount: req.CashbackAmount,
		})
	}

	if err := h.repo.SaveClaims(r.Context(), claims); err != nil {
		h.writeSaveError(w, "claims", err)
		return
	}

	writeIngested(w, len(claims), malformed)
}

// PaymentRequest is one payment record in a bulk ingestion request.
type PaymentRequest struct {
	TxnID        string `json:"txnId"`
	CustomerID   string `json:"customerId"`
	ChannelID    string `json:"channelId"`
	CustomerType string `json:"customerType"`
	TxnState     string `json:"txnState"`
	PaidAt       string `json:"paidAt"`
}

// IngestPayments handles POST /sources/payments.
func (h *Handler) IngestPayments(w http.ResponseWriter, r *http.Request) {
	var reqs []PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	payments := make([]*domain.PaymentRecord, 0, len(reqs))
	malformed := 0
	for _, req := range reqs {
		if req.TxnID == "" || req.CustomerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "txnId and customerId are required",
			})
			return
		}
		ts, ok := parseTime(req.PaidAt)
		if !ok {
			malformed++
		}
		payments = append(payments, &domain.PaymentRecord{
			TxnID:        req.TxnID,
			CustomerID:   req.CustomerID,
			ChannelID:    req.ChannelID,
			CustomerType: req.CustomerType,
			TxnState:     req.TxnState,
			PaidAt:       ts,
		})
	}

	if err := h.repo.SavePayments(r.Context(), payments); err != nil {
		h.writeSaveError(w, "payments", err)
		return
	}

	writeIngested(w, len(payments), malformed)
}

// RewardGrantRequest is one reward grant in a bulk ingestion request.
type RewardGrantRequest struct {
	GrantID    string  `json:"grantId"`
	CustomerID string  `json:"customerId"`
	EventKey   string  `json:"eventKey"`
	TxnID      string  `json:"txnId"`
	TxnAmount  float64 `json:"txnAmount"`
	CreatedAt  string  `json:"createdAt"`
}

// IngestRewardGrants handles POST /sources/reward-grants.
func (h *Handler) IngestRewardGrants(w http.ResponseWriter, r *http.Request) {
	var reqs []RewardGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	grants := make([]*domain.RewardGrant, 0, len(reqs))
	malformed := 0
	for _, req := range reqs {
		if req.GrantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "grantId is required",
			})
			return
		}
		ts, ok := parseTime(req.CreatedAt)
		if !ok {
			malformed++
		}
		grants = append(grants, &domain.RewardGrant{
			GrantID:    req.GrantID,
			CustomerID: req.CustomerID,
			EventKey:   req.EventKey,
			TxnID:      req.TxnID,
			TxnAmount:  req.TxnAmount,
			CreatedAt:  ts,
		})
	}

	if err := h.repo.SaveRewardGrants(r.Context(), grants); err != nil {
		h.writeSaveError(w, "reward grants", err)
		return
	}

	writeIngested(w, len(grants), malformed)
}

// PromoEventRequest is one promo event in a bulk ingestion request.
type PromoEventRequest struct {
	EventKey   string `json:"eventKey"`
	CampaignID string `json:"campaignId"`
	CreatedAt  string `json:"createdAt"`
}

// IngestPromoEvents handles POST /sources/promo-events.
func (h *Handler) IngestPromoEvents(w http.ResponseWriter, r *http.Request) {
	var reqs []PromoEventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	events := make([]*domain.PromoEvent, 0, len(reqs))
	malformed := 0
	for _, req := range reqs {
		if req.EventKey == "" || req.CampaignID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "eventKey and campaignId are required",
			})
			return
		}
		ts, ok := parseTime(req.CreatedAt)
		if !ok {
			malformed++
		}
		events = append(events, &domain.PromoEvent{
			EventKey:   req.EventKey,
			CampaignID: req.CampaignID,
			CreatedAt:  ts,
		})
	}

	if err := h.repo.SavePromoEvents(r.Context(), events); err != nil {
		h.writeSaveError(w, "promo events", err)
		return
	}

	writeIngested(w, len(events), malformed)
}

// PayoutRequest is one payout transaction in a bulk ingestion request.
// FeeBreakdown carries the raw fee payload; it is parsed during extraction,
// not at ingestion time.
type PayoutRequest struct {
	OrderID      string          `json:"orderId"`
	CreatedAt    string          `json:"createdAt"`
	TaxRate      float64         `json:"taxRate"`
	FeeBreakdown json.RawMessage `json:"feeBreakdown,omitempty"`
}

// IngestPayouts handles POST /sources/payouts.
func (h *Handler) IngestPayouts(w http.ResponseWriter, r *http.Request) {
	var reqs []PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	payouts := make([]*domain.PayoutTransaction, 0, len(reqs))
	malformed := 0
	for _, req := range reqs {
		if req.OrderID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "orderId is required",
			})
			return
		}
		ts, ok := parseTime(req.CreatedAt)
		if !ok {
			malformed++
		}
		payouts = append(payouts, &domain.PayoutTransaction{
			OrderID:    req.OrderID,
			CreatedAt:  ts,
			TaxRate:    req.TaxRate,
			FeePayload: []byte(req.FeeBreakdown),
		})
	}

	if err := h.repo.SavePayouts(r.Context(), payouts); err != nil {
		h.writeSaveError(w, "payouts", err)
		return
	}

	writeIngested(w, len(payouts), malformed)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) writeSaveError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, repository.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	slog.Error("failed to save "+kind, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "failed to save " + kind,
	})
}

func writeIngested(w http.ResponseWriter, count, malformed int) {
	writeJSON(w, http.StatusOK, map[string]int{
		"ingested":            count,
		"malformedTimestamps": malformed,
	})
}

// parseTime parses an RFC 3339 timestamp. A missing or malformed timestamp
// yields the zero time; the row is stored and excluded during filtering so
// one bad row never fails a bulk ingest.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
