package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/syncer"
	"github.com/rs/zerolog"
)

// SyncHandler handles sync endpoints.
type SyncHandler struct {
	syncer Syncer
	log    zerolog.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(s Syncer, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{syncer: s, log: log}
}

// SyncAccount handles POST /api/accounts/{id}/sync. With ?async=true the
// sync is queued and the job is returned; otherwise it runs inline.
// An optional start_date requests an incremental sync.
func (h *SyncHandler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	start, err := parseDate(r, "start_date")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("async") == "true" {
		job, err := h.syncer.SyncAccountLater(r.Context(), accountID, start)
		if err != nil {
			h.enqueueFailed(w, err, accountID)
			return
		}
		middleware.WriteJSON(w, http.StatusAccepted, job)
		return
	}

	h.writeSync(w, h.syncer.SyncAccount(r.Context(), accountID, start))
}

// SyncFamily handles POST /api/families/{id}/sync.
func (h *SyncHandler) SyncFamily(w http.ResponseWriter, r *http.Request) {
	familyID := r.PathValue("id")

	if r.URL.Query().Get("async") == "true" {
		job, err := h.syncer.SyncFamilyLater(r.Context(), familyID)
		if err != nil {
			h.enqueueFailed(w, err, familyID)
			return
		}
		middleware.WriteJSON(w, http.StatusAccepted, job)
		return
	}

	h.writeSync(w, h.syncer.SyncFamily(r.Context(), familyID))
}

// LatestAccountSync handles GET /api/accounts/{id}/syncs/latest.
func (h *SyncHandler) LatestAccountSync(w http.ResponseWriter, r *http.Request) {
	h.latest(w, r, domain.SyncableAccount)
}

// LatestFamilySync handles GET /api/families/{id}/syncs/latest.
func (h *SyncHandler) LatestFamilySync(w http.ResponseWriter, r *http.Request) {
	h.latest(w, r, domain.SyncableFamily)
}

func (h *SyncHandler) latest(w http.ResponseWriter, r *http.Request, typ domain.SyncableType) {
	id := r.PathValue("id")
	sy, err := h.syncer.LatestSync(r.Context(), typ, id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("syncable_id", id).Msg("Failed to load latest sync")
			middleware.WriteError(w, status, "Failed to load latest sync")
			return
		}
		middleware.WriteError(w, status, "No sync found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sy)
}

// writeSync reports a failed sync as 500 with the sync as the body, so the
// caller still sees its error and warnings.
func (h *SyncHandler) writeSync(w http.ResponseWriter, sy *domain.Sync) {
	if sy.Status == domain.SyncFailed {
		h.log.Warn().
			Str("sync_id", sy.ID).
			Str("syncable_id", sy.SyncableID).
			Str("error", sy.Error).
			Msg("Sync failed")
		middleware.WriteJSON(w, http.StatusInternalServerError, sy)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sy)
}

func (h *SyncHandler) enqueueFailed(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, syncer.ErrNoPublisher) {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Background syncs are not enabled")
		return
	}
	h.log.Error().Err(err).Str("syncable_id", id).Msg("Failed to enqueue sync job")
	middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue sync job")
}
