package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
)

// AuditHandler exposes the audit record, reports, anomaly scans, and the
// administrative unlock. These routes are for operators; route registration
// is expected to gate them.
type AuditHandler struct {
	audit   *services.AuditService
	lockout *services.LockoutService
	clock   clock.Clock
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit *services.AuditService, lockout *services.LockoutService, clk clock.Clock) *AuditHandler {
	return &AuditHandler{audit: audit, lockout: lockout, clock: clk}
}

// Query returns audit events in a time range with optional filters
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	filter := models.EventFilter{}
	q := r.URL.Query()
	if v := q.Get("identity"); v != "" {
		filter.Identity = &v
	}
	if v := q.Get("origin"); v != "" {
		filter.Origin = &v
	}
	if v := q.Get("kind"); v != "" {
		filter.Kinds = []string{v}
	}
	if v := q.Get("severity"); v != "" {
		filter.Severity = &v
	}
	if v := q.Get("outcome"); v != "" {
		filter.Outcome = &v
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	events, err := h.audit.Query(r.Context(), tr, filter)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	views := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		view := map[string]interface{}{
			"id":        e.ID.String(),
			"timestamp": e.Timestamp,
			"origin":    e.Origin,
			"kind":      e.Kind,
			"severity":  e.Severity,
			"outcome":   e.Outcome,
			"detail":    e.Detail,
		}
		if e.Identity != nil {
			view["identity"] = *e.Identity
		}
		views = append(views, view)
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

// Report aggregates events in a time range into a security report
func (h *AuditHandler) Report(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	report, err := h.audit.GenerateReport(r.Context(), tr)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// Anomalies runs on-demand detection over a time range
func (h *AuditHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.parseRange(w, r)
	if !ok {
		return
	}

	findings, err := h.audit.DetectAnomalies(r.Context(), tr)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	views := make([]map[string]interface{}, 0, len(findings))
	for _, f := range findings {
		views = append(views, map[string]interface{}{
			"pattern":     f.Pattern,
			"identity":    f.Identity,
			"origin":      f.Origin,
			"confidence":  f.Confidence,
			"severity":    f.Severity,
			"event_count": len(f.EventIDs),
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"findings": views})
}

// UnlockRequest names a locked subject to release
type UnlockRequest struct {
	Scope   string `json:"scope" validate:"required,oneof=identity origin"`
	Subject string `json:"subject" validate:"required,min=1,max=255"`
}

// Unlock releases a lockout ahead of its expiry
func (h *AuditHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.lockout.Unlock(r.Context(), req.Scope, req.Subject, actor); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LockoutStatus reports a subject's lockout standing
func (h *AuditHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	subject := r.URL.Query().Get("subject")
	if (scope != "identity" && scope != "origin") || subject == "" {
		pkghttp.WriteBadRequest(w, "scope (identity|origin) and subject are required")
		return
	}

	rec, state, err := h.lockout.Status(r.Context(), scope, subject)
	if err != nil {
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable")
		return
	}

	resp := map[string]interface{}{"state": state}
	if rec != nil {
		resp["failure_count"] = rec.FailureCount
		resp["escalation_level"] = rec.EscalationLevel
		if rec.LockedUntil != nil {
			resp["locked_until"] = rec.LockedUntil
		}
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// parseRange reads from/to query params, defaulting to the last 24 hours
func (h *AuditHandler) parseRange(w http.ResponseWriter, r *http.Request) (models.TimeRange, bool) {
	now := h.clock.Now()
	tr := models.TimeRange{From: now.Add(-24 * time.Hour), To: now}

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			pkghttp.WriteBadRequest(w, "from must be RFC3339")
			return tr, false
		}
		tr.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			pkghttp.WriteBadRequest(w, "to must be RFC3339")
			return tr, false
		}
		tr.To = t
	}
	if !tr.To.After(tr.From) {
		pkghttp.WriteBadRequest(w, "from must precede to")
		return tr, false
	}
	return tr, true
}
