package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/dvloznov/finance-ledger/internal/export"
	"github.com/dvloznov/finance-ledger/internal/report"
	"github.com/rs/zerolog"
)

// Exporter writes balance history to object storage.
type Exporter interface {
	ExportAccount(ctx context.Context, accountID, currency string, start, end civil.Date) (string, int, error)
}

// BalancesHandler handles balance and net worth reads.
type BalancesHandler struct {
	reporter *report.Reporter
	exporter Exporter
	now      func() time.Time
	log      zerolog.Logger
}

// NewBalancesHandler creates a new balances handler. exporter may be nil.
func NewBalancesHandler(reporter *report.Reporter, exporter Exporter, log zerolog.Logger) *BalancesHandler {
	return &BalancesHandler{reporter: reporter, exporter: exporter, now: time.Now, log: log}
}

// WithClock sets the clock used for default date ranges.
func (h *BalancesHandler) WithClock(now func() time.Time) *BalancesHandler {
	h.now = now
	return h
}

// ListBalances handles GET /api/accounts/{id}/balances
func (h *BalancesHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	start, end, err := dateRange(r, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.reporter.AccountHistory(r.Context(), accountID, r.URL.Query().Get("currency"), start, end)
	if err != nil {
		h.fail(w, err, accountID, "Failed to list balances")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, history)
}

// NetWorth handles GET /api/families/{id}/net-worth
func (h *BalancesHandler) NetWorth(w http.ResponseWriter, r *http.Request) {
	familyID := r.PathValue("id")
	start, end, err := dateRange(r, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	nw, err := h.reporter.NetWorth(r.Context(), familyID, start, end)
	if err != nil {
		h.fail(w, err, familyID, "Failed to compute net worth")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"report":  nw,
		"display": nw.Display(),
	})
}

// ExportBalances handles POST /api/accounts/{id}/export
func (h *BalancesHandler) ExportBalances(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Exports are not enabled")
		return
	}
	accountID := r.PathValue("id")
	start, end, err := dateRange(r, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	uri, rows, err := h.exporter.ExportAccount(r.Context(), accountID, r.URL.Query().Get("currency"), start, end)
	if err != nil {
		if errors.Is(err, export.ErrNoBucket) {
			middleware.WriteError(w, http.StatusServiceUnavailable, "Exports are not enabled")
			return
		}
		h.fail(w, err, accountID, "Failed to export balances")
		return
	}

	h.log.Info().Str("account_id", accountID).Str("uri", uri).Int("rows", rows).Msg("Balances exported")
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uri":  uri,
		"rows": rows,
	})
}

func (h *BalancesHandler) fail(w http.ResponseWriter, err error, id, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("id", id).Msg(msg)
		middleware.WriteError(w, status, msg)
		return
	}
	middleware.WriteError(w, status, err.Error())
}
