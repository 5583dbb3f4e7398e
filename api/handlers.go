/*
handlers.go - HTTP API handlers for the quota engine

PURPOSE:
  Exposes the reservation engine and the reconciliation engine to tenant
  units over REST. Handles HTTP request/response, JSON serialization and
  input validation, and delegates every decision to the domain packages.

ENDPOINTS:
  Schedule:
    GET    /api/schedule/overview              One day of the tenant's pool
    GET    /api/schedule/overview/range        Per-day breakdown (max 31 days)
    POST   /api/schedule/request               Book a campaign
    DELETE /api/schedule/cancel/{campaignId}   Cancel and release capacity
    POST   /api/schedule/sent/{campaignId}     Mark a campaign sent

  Usage:
    GET    /api/quota/status                   Daily / cycle status, projection
    POST   /api/campaign/complete              Record an actual sent count
    POST   /api/sync                           Pull a schedule snapshot
    GET    /api/campaigns/history              Paginated reservations

  Reconciliation:
    POST   /api/quota/sync                     Tenant-reported usage
    GET    /api/quota/group-info               Pool members and usage
    GET    /api/quota/discrepancy              Ledger report
    GET    /api/quota/discrepancy/summary      Aggregates by tenant

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Quota:     quota.Service (booking, cancel, overviews, status)
  - Reconcile: reconcile.Engine (ledger, sync, reports)
  - Clock:     "today" for date checks, shared with the engines in tests

REQUEST FLOW:
  1. Parse HTTP request (JSON body or query string)
  2. Validate input (validator tags, then date rules)
  3. Call the engine
  4. Serialize response in the Response envelope
  5. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed JSON
  - 401: Missing or wrong bearer token (server.go)
  - 403: Tenant unit inactive
  - 404: Tenant, pool or campaign not found
  - 409: Illegal status transition (e.g. cancelling a sent campaign)
  - 422: Validation errors, range too large
  - 429: Daily sync limit reached, or rate limited
  - 500: Internal errors

  A capacity shortfall is not an error: a rejected booking answers 200
  with success=false and the suggestions.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/logging"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/reconcile"
)

// MaxBookingAheadMonths bounds how far ahead ranges may reach.
const MaxBookingAheadMonths = 1

const (
	defaultPerPage = 20
	describeDate   = "must be a date (YYYY-MM-DD)"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Quota     *quota.Service
	Reconcile *reconcile.Engine
	Clock     generic.Clock
	Logger    *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over both engines. logger may be nil.
func NewHandler(svc *quota.Service, engine *reconcile.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Quota:     svc,
		Reconcile: engine,
		Clock:     generic.SystemClock{},
		Logger:    logger,
		validate:  newValidator(),
	}
}

func (h *Handler) today() generic.TimePoint { return generic.Today(h.Clock) }

// Ping is the public liveness check.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.Clock.Now().Format(time.RFC3339),
	})
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// Overview returns one day of the tenant's pool.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	var q OverviewQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	date, ok := h.futureDate(w, "date", q.Date)
	if !ok {
		return
	}

	overview, err := h.Quota.Overview(r.Context(), q.AppCode, date)
	if err != nil {
		h.fail(w, r, "Failed to get schedule overview", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: overview})
}

// OverviewRange returns a per-day breakdown between start_date and end_date.
func (h *Handler) OverviewRange(w http.ResponseWriter, r *http.Request) {
	var q OverviewRangeQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	start, ok := h.futureDate(w, "start_date", q.StartDate)
	if !ok {
		return
	}
	end, _ := generic.ParseDate(q.EndDate)
	switch {
	case end.Before(start):
		writeValidation(w, map[string]string{"end_date": "must not be before start_date"})
		return
	case end.After(h.today().AddMonths(MaxBookingAheadMonths)):
		writeValidation(w, map[string]string{"end_date": "must be within one month from today"})
		return
	}

	overview, err := h.Quota.OverviewRange(r.Context(), q.AppCode, start, end)
	if err != nil {
		h.fail(w, r, "Failed to get schedule overview range", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: overview})
}

// RequestCampaign books a campaign, cascading any shortfall.
func (h *Handler) RequestCampaign(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	date, ok := h.futureDate(w, "scheduled_date", req.ScheduledDate)
	if !ok {
		return
	}

	result, err := h.Quota.RequestReservation(r.Context(), quota.BookingRequest{
		TenantCode:  req.AppCode,
		Date:        date,
		EmailCount:  req.EmailCount,
		Type:        quota.ReservationType(req.CampaignType),
		Subject:     req.Subject,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, "Failed to request campaign", err)
		return
	}
	status := http.StatusCreated
	if !result.Success {
		status = http.StatusOK
	}
	writeJSON(w, status, Response{Success: result.Success, Message: result.Message, Data: result})
}

// CancelCampaign releases a campaign's capacity.
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "Campaign cancelled by unit"
	}

	id := quota.ReservationID(chi.URLParam(r, "campaignId"))
	res, err := h.Quota.CancelReservation(r.Context(), id, req.AppCode, req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to cancel campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Campaign cancelled, capacity released",
		Data:    res,
	})
}

// MarkSent transitions a campaign to sent and records its usage.
func (h *Handler) MarkSent(w http.ResponseWriter, r *http.Request) {
	var req MarkSentRequest
	if !h.bindJSON(w, r, &req) {
		return
	}

	id := quota.ReservationID(chi.URLParam(r, "campaignId"))
	res, err := h.Quota.MarkSent(r.Context(), id, req.AppCode, req.ActualEmailsSent)
	if err != nil {
		h.fail(w, r, "Failed to mark campaign as sent", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Campaign marked as sent", Data: res})
}

// =============================================================================
// USAGE HANDLERS
// =============================================================================

// QuotaStatus returns daily and billing-cycle usage with a projection.
func (h *Handler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	var q QuotaStatusQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	date := h.today()
	if q.Date != "" {
		date, _ = generic.ParseDate(q.Date)
	}

	status, err := h.Quota.QuotaStatus(r.Context(), q.AppCode, date)
	if err != nil {
		h.fail(w, r, "Failed to get quota status", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: status})
}

// CompleteCampaign records the actual count of a finished campaign.
func (h *Handler) CompleteCampaign(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	var completed generic.TimePoint
	if req.CompletionDate != "" {
		completed, _ = generic.ParseDate(req.CompletionDate)
	}

	result, err := h.Reconcile.RecordCompletion(r.Context(), req.AppCode,
		quota.ReservationID(req.CampaignID), req.ActualEmailsSent, completed)
	if err != nil {
		h.fail(w, r, "Failed to record campaign completion", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Campaign completion recorded", Data: result})
}

// Sync returns the tenant's schedule snapshot, counted against its daily limit.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !h.bindJSON(w, r, &req) {
		return
	}
	if req.SyncType == "" {
		req.SyncType = "manual"
	}

	snap, err := h.Reconcile.SyncSnapshot(r.Context(), req.AppCode, req.SyncType)
	if err != nil {
		h.fail(w, r, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Sync completed", Data: snap})
}

// History lists the tenant's campaigns, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	var q HistoryQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	ctx := r.Context()

	tenant, err := h.Quota.Store.GetTenantByCode(ctx, q.AppCode)
	if err != nil {
		h.fail(w, r, "Failed to get campaign history", err)
		return
	}

	page := HistoryPage{Page: max(q.Page, 1), PerPage: q.PerPage}
	if page.PerPage == 0 {
		page.PerPage = defaultPerPage
	}
	filter := quota.ReservationFilter{
		TenantID:    tenant.ID,
		NewestFirst: true,
		Limit:       page.PerPage,
		Offset:      (page.Page - 1) * page.PerPage,
	}
	if q.StartDate != "" {
		filter.From, _ = generic.ParseDate(q.StartDate)
	}
	if q.EndDate != "" {
		filter.To, _ = generic.ParseDate(q.EndDate)
	}
	if q.Status != "" {
		filter.Statuses = []quota.Status{quota.Status(q.Status)}
	}

	if page.Total, err = h.Quota.Store.CountReservations(ctx, filter); err != nil {
		h.fail(w, r, "Failed to get campaign history", err)
		return
	}
	rows, err := h.Quota.Store.ListReservations(ctx, filter)
	if err != nil {
		h.fail(w, r, "Failed to get campaign history", err)
		return
	}
	page.LastPage = max(1, (page.Total+page.PerPage-1)/page.PerPage)

	page.Campaigns = make([]CampaignDTO, 0, len(rows))
	for _, res := range rows {
		page.Campaigns = append(page.Campaigns, toCampaignDTO(res))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: page})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// SyncFromTenant compares a tenant's reported usage with the ledger.
func (h *Handler) SyncFromTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantSyncRequest
	if !h.bindJSON(w, r, &req) {
		return
	}

	result, err := h.Reconcile.SyncFromTenant(r.Context(), req.AppCode,
		*req.QuotaData.TodayUsed, *req.QuotaData.MonthlyUsed, req.SyncType)
	if err != nil {
		h.fail(w, r, "Quota sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Quota sync completed", Data: result})
}

// GroupInfo describes the tenant's pool and its members' usage today.
func (h *Handler) GroupInfo(w http.ResponseWriter, r *http.Request) {
	var q GroupInfoQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	info, err := h.Reconcile.GroupInfo(r.Context(), q.AppCode)
	if err != nil {
		h.fail(w, r, "Failed to get group info", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: info})
}

// DiscrepancyReport pages through the usage ledger.
func (h *Handler) DiscrepancyReport(w http.ResponseWriter, r *http.Request) {
	var q DiscrepancyQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	f := reconcile.ReportFilter{
		TenantCode: q.AppCode,
		Status:     quota.DiscrepancyStatus(q.Status),
		Page:       q.Page,
		PerPage:    q.PerPage,
	}
	if q.StartDate != "" {
		f.From, _ = generic.ParseDate(q.StartDate)
	}
	if q.EndDate != "" {
		f.To, _ = generic.ParseDate(q.EndDate)
	}

	report, err := h.Reconcile.DiscrepancyReport(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to build discrepancy report", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: report})
}

// DiscrepancySummary aggregates the last `days` days of the ledger.
func (h *Handler) DiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	var q SummaryQuery
	if !h.bindQuery(w, r, &q) {
		return
	}
	summary, err := h.Reconcile.DiscrepancySummary(r.Context(), q.Days)
	if err != nil {
		h.fail(w, r, "Failed to build discrepancy summary", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: summary})
}

// =============================================================================
// HELPERS
// =============================================================================

// bindJSON decodes and validates the body. It writes the error response
// and returns false on failure.
func (h *Handler) bindJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidation(w, fieldErrors(err))
		return false
	}
	return true
}

func (h *Handler) bindQuery(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeQuery(r.URL.Query(), dst); err != nil {
		writeValidation(w, map[string]string{"query": err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidation(w, fieldErrors(err))
		return false
	}
	return true
}

// futureDate parses an already validated date and rejects days before today.
func (h *Handler) futureDate(w http.ResponseWriter, field, raw string) (generic.TimePoint, bool) {
	date, err := generic.ParseDate(raw)
	if err != nil {
		writeValidation(w, map[string]string{field: describeDate})
		return date, false
	}
	if date.Before(h.today()) {
		writeValidation(w, map[string]string{field: "must be today or later"})
		return date, false
	}
	return date, true
}

// fail maps a domain error to its HTTP status and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromRequest(r, h.Logger).Error(message, zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrTenantInactive):
		return http.StatusForbidden, "tenant_inactive"
	case errors.Is(err, generic.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, generic.ErrSyncLimitExceeded):
		return http.StatusTooManyRequests, "sync_limit_exceeded"
	case errors.Is(err, generic.ErrRangeTooLarge),
		errors.Is(err, generic.ErrInvalidPeriod),
		errors.Is(err, generic.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

func toCampaignDTO(r quota.Reservation) CampaignDTO {
	auto, _ := r.Metadata[quota.MetaAutoBooked].(bool)
	return CampaignDTO{
		ID:            string(r.ID),
		ScheduledDate: r.Date.String(),
		EmailCount:    r.EmailCount,
		Type:          string(r.Type),
		Status:        string(r.Status),
		Subject:       r.Subject,
		AutoBooked:    auto,
		Metadata:      r.Metadata,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation",
		Details: fields,
	})
}
