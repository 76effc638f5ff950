package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/api/handlers"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/jobs"
	jobsmem "github.com/dvloznov/finance-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/finance-ledger/internal/report"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
	"github.com/dvloznov/finance-ledger/internal/syncer"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeSyncer struct {
	syncAccount      func(ctx context.Context, accountID string, start *civil.Date) *domain.Sync
	syncFamily       func(ctx context.Context, familyID string) *domain.Sync
	syncAccountLater func(ctx context.Context, accountID string, start *civil.Date) (*jobs.SyncJob, error)
	syncFamilyLater  func(ctx context.Context, familyID string) (*jobs.SyncJob, error)
	latestSync       func(ctx context.Context, typ domain.SyncableType, id string) (*domain.Sync, error)
}

func (f *fakeSyncer) SyncAccount(ctx context.Context, accountID string, start *civil.Date) *domain.Sync {
	return f.syncAccount(ctx, accountID, start)
}

func (f *fakeSyncer) SyncFamily(ctx context.Context, familyID string) *domain.Sync {
	return f.syncFamily(ctx, familyID)
}

func (f *fakeSyncer) SyncAccountLater(ctx context.Context, accountID string, start *civil.Date) (*jobs.SyncJob, error) {
	return f.syncAccountLater(ctx, accountID, start)
}

func (f *fakeSyncer) SyncFamilyLater(ctx context.Context, familyID string) (*jobs.SyncJob, error) {
	return f.syncFamilyLater(ctx, familyID)
}

func (f *fakeSyncer) LatestSync(ctx context.Context, typ domain.SyncableType, id string) (*domain.Sync, error) {
	return f.latestSync(ctx, typ, id)
}

type fakeExporter struct {
	exportAccount func(ctx context.Context, accountID, currency string, start, end civil.Date) (string, int, error)
}

func (f *fakeExporter) ExportAccount(ctx context.Context, accountID, currency string, start, end civil.Date) (string, int, error) {
	return f.exportAccount(ctx, accountID, currency, start, end)
}

var now = time.Date(2024, time.January, 2, 12, 0, 0, 0, time.UTC)

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seeded(t *testing.T) *inmemory.Store {
	t.Helper()
	ctx := context.Background()
	st := inmemory.New()
	_ = st.SaveFamily(ctx, domain.Family{ID: "fam", Currency: "USD"})
	_ = st.SaveAccount(ctx, domain.Account{ID: "chk", FamilyID: "fam", Currency: "USD", Kind: domain.KindDepository})
	rows := []domain.Balance{
		{AccountID: "chk", Date: day("2024-01-01"), Currency: "USD", StartCashBalance: decimal.RequireFromString("100"), FlowsFactor: 1},
		{AccountID: "chk", Date: day("2024-01-02"), Currency: "USD", StartCashBalance: decimal.RequireFromString("100"), CashOutflows: decimal.RequireFromString("15.5"), FlowsFactor: 1},
	}
	if err := st.ReplaceBalances(ctx, "chk", day("2024-01-01"), day("2024-01-02"), rows); err != nil {
		t.Fatalf("ReplaceBalances() error = %v", err)
	}
	return st
}

func newRouter(t *testing.T, s handlers.Syncer, exporter handlers.Exporter, jobStore jobs.JobStore) http.Handler {
	t.Helper()
	balances := handlers.NewBalancesHandler(report.New(seeded(t)), exporter, zerolog.Nop()).
		WithClock(func() time.Time { return now })
	return NewRouter(Handlers{
		Sync:     handlers.NewSyncHandler(s, zerolog.Nop()),
		Balances: balances,
		Jobs:     handlers.NewJobsHandler(jobStore, zerolog.Nop()),
	}, Options{}, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	body, _ := io.ReadAll(rec.Body)
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newRouter(t, &fakeSyncer{}, nil, jobsmem.NewStore()), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestSyncAccountEndpoint(t *testing.T) {
	var gotStart *civil.Date
	s := &fakeSyncer{
		syncAccount: func(ctx context.Context, accountID string, start *civil.Date) *domain.Sync {
			gotStart = start
			sy := domain.NewSync("s1", domain.SyncableAccount, accountID, now)
			if accountID == "broken" {
				sy.Status = domain.SyncFailed
				sy.Error = "boom"
				return sy
			}
			sy.Status = domain.SyncCompleted
			return sy
		},
		syncAccountLater: func(ctx context.Context, accountID string, start *civil.Date) (*jobs.SyncJob, error) {
			if accountID == "noqueue" {
				return nil, syncer.ErrNoPublisher
			}
			return &jobs.SyncJob{JobID: "j1", Type: jobs.JobTypeSyncAccount, SyncableID: accountID, Status: jobs.JobStatusPending}, nil
		},
	}
	router := newRouter(t, s, nil, jobsmem.NewStore())

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
	}{
		{"inline", http.MethodPost, "/api/accounts/chk/sync", http.StatusOK},
		{"incremental", http.MethodPost, "/api/accounts/chk/sync?start_date=2024-01-15", http.StatusOK},
		{"bad start date", http.MethodPost, "/api/accounts/chk/sync?start_date=15/01/2024", http.StatusBadRequest},
		{"failed sync", http.MethodPost, "/api/accounts/broken/sync", http.StatusInternalServerError},
		{"async", http.MethodPost, "/api/accounts/chk/sync?async=true", http.StatusAccepted},
		{"async without queue", http.MethodPost, "/api/accounts/noqueue/sync?async=true", http.StatusServiceUnavailable},
		{"wrong method", http.MethodGet, "/api/accounts/chk/sync", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart = nil
			rec := do(t, router, tt.method, tt.target)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.name == "incremental" && (gotStart == nil || *gotStart != day("2024-01-15")) {
				t.Errorf("start = %v, want 2024-01-15", gotStart)
			}
			if tt.name == "failed sync" {
				var sy domain.Sync
				decode(t, rec, &sy)
				if sy.Error != "boom" {
					t.Errorf("Error = %q, want boom", sy.Error)
				}
			}
		})
	}
}

func TestSyncFamilyEndpoint(t *testing.T) {
	s := &fakeSyncer{
		syncFamily: func(ctx context.Context, familyID string) *domain.Sync {
			sy := domain.NewSync("p1", domain.SyncableFamily, familyID, now)
			sy.Status = domain.SyncCompleted
			return sy
		},
		syncFamilyLater: func(ctx context.Context, familyID string) (*jobs.SyncJob, error) {
			return nil, errors.New("queue is closed")
		},
	}
	router := newRouter(t, s, nil, jobsmem.NewStore())

	rec := do(t, router, http.MethodPost, "/api/families/fam/sync")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var sy domain.Sync
	decode(t, rec, &sy)
	if sy.SyncableType != domain.SyncableFamily || sy.SyncableID != "fam" {
		t.Errorf("sync = %+v", sy)
	}

	if rec := do(t, router, http.MethodPost, "/api/families/fam/sync?async=true"); rec.Code != http.StatusInternalServerError {
		t.Errorf("async status = %d, want 500", rec.Code)
	}
}

func TestLatestSyncEndpoint(t *testing.T) {
	s := &fakeSyncer{
		latestSync: func(ctx context.Context, typ domain.SyncableType, id string) (*domain.Sync, error) {
			if id != "chk" || typ != domain.SyncableAccount {
				return nil, store.ErrNotFound
			}
			return domain.NewSync("s9", typ, id, now), nil
		},
	}
	router := newRouter(t, s, nil, jobsmem.NewStore())

	rec := do(t, router, http.MethodGet, "/api/accounts/chk/syncs/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var sy domain.Sync
	decode(t, rec, &sy)
	if sy.ID != "s9" {
		t.Errorf("ID = %q, want s9", sy.ID)
	}

	if rec := do(t, router, http.MethodGet, "/api/families/chk/syncs/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("family status = %d, want 404", rec.Code)
	}
}

func TestBalancesEndpoint(t *testing.T) {
	router := newRouter(t, &fakeSyncer{}, nil, jobsmem.NewStore())

	rec := do(t, router, http.MethodGet, "/api/accounts/chk/balances?start_date=2024-01-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var history report.AccountHistory
	decode(t, rec, &history)
	if len(history.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(history.Entries))
	}
	if got := history.Entries[1].EndBalance; !got.Equal(decimal.RequireFromString("84.5")) {
		t.Errorf("EndBalance = %s, want 84.5", got)
	}

	tests := []struct {
		target     string
		wantStatus int
	}{
		{"/api/accounts/missing/balances", http.StatusNotFound},
		{"/api/accounts/chk/balances?start_date=2024-02-01&end_date=2024-01-01", http.StatusBadRequest},
		{"/api/accounts/chk/balances?end_date=yesterday", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, router, http.MethodGet, tt.target); rec.Code != tt.wantStatus {
			t.Errorf("GET %s status = %d, want %d", tt.target, rec.Code, tt.wantStatus)
		}
	}
}

func TestNetWorthEndpoint(t *testing.T) {
	router := newRouter(t, &fakeSyncer{}, nil, jobsmem.NewStore())

	rec := do(t, router, http.MethodGet, "/api/families/fam/net-worth?start_date=2024-01-01&end_date=2024-01-02")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Report  report.NetWorthReport `json:"report"`
		Display string                `json:"display"`
	}
	decode(t, rec, &body)
	if len(body.Report.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(body.Report.Points))
	}
	if got := body.Report.Points[0].NetWorth; !got.Equal(decimal.RequireFromString("100")) {
		t.Errorf("first NetWorth = %s, want 100", got)
	}
	if body.Display != "$84.50" {
		t.Errorf("Display = %q, want $84.50", body.Display)
	}

	if rec := do(t, router, http.MethodGet, "/api/families/nope/net-worth"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown family status = %d, want 404", rec.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	disabled := newRouter(t, &fakeSyncer{}, nil, jobsmem.NewStore())
	if rec := do(t, disabled, http.MethodPost, "/api/accounts/chk/export"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without exporter = %d, want 503", rec.Code)
	}

	var gotStart, gotEnd civil.Date
	exp := &fakeExporter{
		exportAccount: func(ctx context.Context, accountID, currency string, start, end civil.Date) (string, int, error) {
			gotStart, gotEnd = start, end
			return "gs://exports/balances/chk.jsonl", 2, nil
		},
	}
	router := newRouter(t, &fakeSyncer{}, exp, jobsmem.NewStore())
	rec := do(t, router, http.MethodPost, "/api/accounts/chk/export?start_date=2024-01-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		URI  string `json:"uri"`
		Rows int    `json:"rows"`
	}
	decode(t, rec, &body)
	if body.URI != "gs://exports/balances/chk.jsonl" || body.Rows != 2 {
		t.Errorf("body = %+v", body)
	}
	if gotStart != day("2024-01-01") || gotEnd != day("2024-01-02") {
		t.Errorf("range = %s..%s, want 2024-01-01..2024-01-02", gotStart, gotEnd)
	}
}

func TestJobsEndpoints(t *testing.T) {
	ctx := context.Background()
	jobStore := jobsmem.NewStore()
	_ = jobStore.SaveJob(ctx, &jobs.SyncJob{JobID: "j1", Type: jobs.JobTypeSyncAccount, SyncableID: "chk", Status: jobs.JobStatusCompleted, CreatedAt: now})
	_ = jobStore.SaveJob(ctx, &jobs.SyncJob{JobID: "j2", Type: jobs.JobTypeSyncFamily, SyncableID: "fam", Status: jobs.JobStatusPending, CreatedAt: now.Add(time.Second)})
	router := newRouter(t, &fakeSyncer{}, nil, jobStore)

	rec := do(t, router, http.MethodGet, "/api/jobs/j1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job jobs.SyncJob
	decode(t, rec, &job)
	if job.SyncableID != "chk" {
		t.Errorf("SyncableID = %q, want chk", job.SyncableID)
	}

	if rec := do(t, router, http.MethodGet, "/api/jobs/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/api/jobs?syncable_id=fam")
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}
}
