package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/jobs"
	"github.com/dvloznov/finance-ledger/internal/store"
)

// defaultHistoryDays is the range served when a request gives no start_date.
const defaultHistoryDays = 365

// Syncer is the part of the sync engine the handlers drive.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string, start *civil.Date) *domain.Sync
	SyncFamily(ctx context.Context, familyID string) *domain.Sync
	SyncAccountLater(ctx context.Context, accountID string, start *civil.Date) (*jobs.SyncJob, error)
	SyncFamilyLater(ctx context.Context, familyID string) (*jobs.SyncJob, error)
	LatestSync(ctx context.Context, typ domain.SyncableType, id string) (*domain.Sync, error)
}

// parseDate reads an optional YYYY-MM-DD query parameter.
func parseDate(r *http.Request, name string) (*civil.Date, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format", name)
	}
	return &d, nil
}

// dateRange reads start_date and end_date, defaulting to the year up to today.
func dateRange(r *http.Request, now time.Time) (start, end civil.Date, err error) {
	end = civil.DateOf(now)
	start = end.AddDays(-defaultHistoryDays)

	s, err := parseDate(r, "start_date")
	if err != nil {
		return start, end, err
	}
	e, err := parseDate(r, "end_date")
	if err != nil {
		return start, end, err
	}
	if s != nil {
		start = *s
	}
	if e != nil {
		end = *e
	}
	if end.Before(start) {
		return start, end, errors.New("end_date is before start_date")
	}
	return start, end, nil
}

// statusFor maps lookup errors to 404 and everything else to 500.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

// HealthHandler handles GET /health.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
