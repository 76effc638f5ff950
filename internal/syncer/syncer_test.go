package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/jobs"
	"github.com/dvloznov/finance-ledger/internal/market"
	"github.com/dvloznov/finance-ledger/internal/provider"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

var (
	farPast   = civil.Date{Year: 2000, Month: time.January, Day: 1}
	farFuture = civil.Date{Year: 2100, Month: time.January, Day: 1}
)

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fixedClock puts "today" at 2024-01-31.
func fixedClock() time.Time { return time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC) }

type fixture struct {
	store  *inmemory.Store
	legacy *legacyStore
	syncer *Syncer
	n      int
}

// legacyStore serves extra entries next to the stored ones, standing in for
// rows written before the store enforced its integrity rules.
type legacyStore struct {
	*inmemory.Store
	extra map[string][]domain.Entry
}

func (l *legacyStore) ListEntries(ctx context.Context, accountID string) ([]domain.Entry, error) {
	entries, err := l.Store.ListEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries = append(entries, l.extra[accountID]...)
	domain.SortEntries(entries)
	return entries, nil
}

func newFixture(t *testing.T, familyCurrency string, opts ...Option) *fixture {
	t.Helper()
	st := inmemory.New()
	if err := st.SaveFamily(context.Background(), domain.Family{ID: "fam", Name: "Smiths", Currency: familyCurrency}); err != nil {
		t.Fatalf("SaveFamily() error = %v", err)
	}
	rates := market.NewRateResolver(st, nil, provider.DefaultPolicy)
	prices := market.NewPriceResolver(st, st, nil, provider.DefaultPolicy)
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	legacy := &legacyStore{Store: st, extra: make(map[string][]domain.Entry)}
	return &fixture{store: st, legacy: legacy, syncer: New(legacy, rates, prices, opts...)}
}

// legacyEntry adds an entry the store would reject today.
func (f *fixture) legacyEntry(accountID, date, amount, currency string, e domain.Entryable) {
	f.n++
	f.legacy.extra[accountID] = append(f.legacy.extra[accountID], domain.Entry{
		ID:        fmt.Sprintf("e%d", f.n),
		AccountID: accountID,
		Date:      day(date),
		Amount:    dec(amount),
		Currency:  currency,
		Entryable: e,
	})
}

func (f *fixture) account(t *testing.T, id, currency string, kind domain.AccountableKind) {
	t.Helper()
	a := domain.Account{ID: id, FamilyID: "fam", Name: id, Currency: currency, Kind: kind}
	if err := f.store.SaveAccount(context.Background(), a); err != nil {
		t.Fatalf("SaveAccount() error = %v", err)
	}
}

func (f *fixture) entry(t *testing.T, accountID, date, amount, currency string, e domain.Entryable) {
	t.Helper()
	f.n++
	err := f.store.SaveEntries(context.Background(), []domain.Entry{{
		ID:        fmt.Sprintf("e%d", f.n),
		AccountID: accountID,
		Date:      day(date),
		Amount:    dec(amount),
		Currency:  currency,
		Entryable: e,
	}})
	if err != nil {
		t.Fatalf("SaveEntries() error = %v", err)
	}
}

func (f *fixture) savings(t *testing.T, id string) {
	t.Helper()
	f.account(t, id, "USD", domain.KindDepository)
	f.entry(t, id, "2024-01-01", "21250", "USD", domain.Valuation{Kind: domain.ValuationOpeningAnchor})
	f.entry(t, id, "2024-01-02", "-500", "USD", domain.Transaction{Kind: domain.TransactionStandard})
	f.entry(t, id, "2024-01-10", "21000", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})
	f.entry(t, id, "2024-01-15", "250", "USD", domain.Transaction{Kind: domain.TransactionStandard})
	f.entry(t, id, "2024-01-20", "-1000", "USD", domain.Transaction{Kind: domain.TransactionStandard})
	f.entry(t, id, "2024-01-25", "20500", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})
}

func (f *fixture) balances(t *testing.T, accountID, currency string) []domain.Balance {
	t.Helper()
	rows, err := f.store.ListBalances(context.Background(), accountID, currency, farPast, farFuture)
	if err != nil {
		t.Fatalf("ListBalances() error = %v", err)
	}
	return rows
}

func endBalances(rows []domain.Balance) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.EndBalance().String())
	}
	return out
}

func repeat(pairs ...interface{}) []string {
	var out []string
	for i := 0; i < len(pairs); i += 2 {
		for n := 0; n < pairs[i+1].(int); n++ {
			out = append(out, pairs[i].(string))
		}
	}
	return out
}

func TestSyncAccountStateMachine(t *testing.T) {
	f := newFixture(t, "USD")
	f.savings(t, "sav")

	sy := f.syncer.SyncAccount(context.Background(), "sav", nil)

	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}
	if sy.SyncingAt == nil || sy.CompletedAt == nil || sy.FailedAt != nil {
		t.Errorf("timestamps not set as expected: %+v", sy)
	}
	if *sy.WindowStart != day("2024-01-01") || *sy.WindowEnd != day("2024-01-31") {
		t.Errorf("window = %s..%s", sy.WindowStart, sy.WindowEnd)
	}

	stored, err := f.store.GetSync(context.Background(), sy.ID)
	if err != nil {
		t.Fatalf("GetSync() error = %v", err)
	}
	if stored.Status != domain.SyncCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
}

func TestSyncAccountPurgesStaleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "USD")
	f.savings(t, "sav")

	stale := domain.Balance{AccountID: "sav", Date: day("2023-01-31"), Currency: "USD", StartCashBalance: dec("99")}
	if err := f.store.ReplaceBalances(ctx, "sav", stale.Date, stale.Date, []domain.Balance{stale}); err != nil {
		t.Fatalf("ReplaceBalances() error = %v", err)
	}

	sy := f.syncer.SyncAccount(ctx, "sav", nil)
	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}

	rows := f.balances(t, "sav", "USD")
	if len(rows) != 31 {
		t.Fatalf("got %d rows, want 31", len(rows))
	}
	if rows[0].Date != day("2024-01-01") {
		t.Errorf("first row dated %s, stale row survived", rows[0].Date)
	}
	want := repeat("21250", 1, "21750", 8, "21000", 5, "20750", 5, "21750", 5, "20500", 7)
	if diff := cmp.Diff(want, endBalances(rows)); diff != "" {
		t.Errorf("end balances mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncAccountIsIdempotent(t *testing.T) {
	f := newFixture(t, "USD")
	f.savings(t, "sav")

	f.syncer.SyncAccount(context.Background(), "sav", nil)
	first := f.balances(t, "sav", "")
	f.syncer.SyncAccount(context.Background(), "sav", nil)
	second := f.balances(t, "sav", "")

	if diff := cmp.Diff(first, second, decimalComparer); diff != "" {
		t.Errorf("second sync changed balances (-first +second):\n%s", diff)
	}
}

func TestSyncAccountMissingFamilyRate(t *testing.T) {
	f := newFixture(t, "NZD")
	f.account(t, "eur", "EUR", domain.KindDepository)
	f.entry(t, "eur", "2024-01-01", "1000", "EUR", domain.Valuation{Kind: domain.ValuationOpeningAnchor})

	sy := f.syncer.SyncAccount(context.Background(), "eur", nil)

	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}
	if len(sy.Warnings) == 0 {
		t.Error("expected a warning about the missing EUR->NZD rate")
	}
	if got := len(f.balances(t, "eur", "EUR")); got != 31 {
		t.Errorf("got %d EUR rows, want 31", got)
	}
	if got := len(f.balances(t, "eur", "NZD")); got != 0 {
		t.Errorf("got %d NZD rows, want 0", got)
	}
}

func TestSyncAccountConvertsWithCachedRates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "NZD")
	f.account(t, "eur", "EUR", domain.KindDepository)
	f.entry(t, "eur", "2024-01-01", "1000", "EUR", domain.Valuation{Kind: domain.ValuationOpeningAnchor})
	err := f.store.UpsertRates(ctx, []domain.ExchangeRate{
		{From: "EUR", To: "NZD", Date: day("2023-12-29"), Rate: dec("1.75")},
		{From: "EUR", To: "NZD", Date: day("2024-01-15"), Rate: dec("1.8")},
	})
	if err != nil {
		t.Fatalf("UpsertRates() error = %v", err)
	}

	sy := f.syncer.SyncAccount(ctx, "eur", nil)
	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}

	rows := f.balances(t, "eur", "NZD")
	if len(rows) != 31 {
		t.Fatalf("got %d NZD rows, want 31", len(rows))
	}
	if got := rows[0].EndBalance(); !got.Equal(dec("1750")) {
		t.Errorf("2024-01-01 NZD end = %s, want 1750", got)
	}
	if got := rows[30].EndBalance(); !got.Equal(dec("1800")) {
		t.Errorf("2024-01-31 NZD end = %s, want 1800", got)
	}
	if got := rows[14].CashAdjustments; !got.Equal(dec("50")) {
		t.Errorf("FX revaluation on 2024-01-15 = %s, want 50", got)
	}
}

func TestSyncAccountInvestment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "USD")
	f.account(t, "brk", "USD", domain.KindInvestment)
	if err := f.store.SaveSecurity(ctx, domain.Security{ID: "aapl", Ticker: "AAPL", Currency: "USD"}); err != nil {
		t.Fatalf("SaveSecurity() error = %v", err)
	}
	if err := f.store.UpsertPrices(ctx, []domain.SecurityPrice{{SecurityID: "aapl", Date: day("2024-01-02"), Currency: "USD", Price: dec("110")}}); err != nil {
		t.Fatalf("UpsertPrices() error = %v", err)
	}
	f.entry(t, "brk", "2024-01-01", "5000", "USD", domain.Valuation{Kind: domain.ValuationOpeningAnchor})
	f.entry(t, "brk", "2024-01-02", "1000", "USD", domain.Trade{SecurityID: "aapl", Qty: dec("10"), Price: dec("100"), Currency: "USD"})

	sy := f.syncer.SyncAccount(ctx, "brk", nil)
	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}

	rows := f.balances(t, "brk", "USD")
	last := rows[len(rows)-1]
	if !last.EndCashBalance().Equal(dec("4000")) || !last.EndNonCashBalance().Equal(dec("1100")) {
		t.Errorf("last day cash=%s non-cash=%s, want 4000 and 1100", last.EndCashBalance(), last.EndNonCashBalance())
	}
	if !rows[1].NetMarketFlows.Equal(dec("100")) {
		t.Errorf("market flows on trade day = %s, want 100", rows[1].NetMarketFlows)
	}

	holdings, err := f.store.ListHoldings(ctx, "brk", farPast, farFuture)
	if err != nil {
		t.Fatalf("ListHoldings() error = %v", err)
	}
	if len(holdings) != 30 {
		t.Errorf("got %d holdings, want 30", len(holdings))
	}
}

func TestSyncAccountIncrementalMatchesFullSync(t *testing.T) {
	ctx := context.Background()
	incremental := newFixture(t, "USD")
	incremental.savings(t, "sav")
	incremental.syncer.SyncAccount(ctx, "sav", nil)
	incremental.entry(t, "sav", "2024-01-28", "100", "USD", domain.Transaction{Kind: domain.TransactionFee})

	start := day("2024-01-28")
	sy := incremental.syncer.SyncAccount(ctx, "sav", &start)
	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}
	if *sy.WindowStart != start {
		t.Errorf("window start = %s, want %s", sy.WindowStart, start)
	}

	full := newFixture(t, "USD")
	full.savings(t, "sav")
	full.entry(t, "sav", "2024-01-28", "100", "USD", domain.Transaction{Kind: domain.TransactionFee})
	full.syncer.SyncAccount(ctx, "sav", nil)

	if diff := cmp.Diff(full.balances(t, "sav", ""), incremental.balances(t, "sav", ""), decimalComparer); diff != "" {
		t.Errorf("incremental sync differs from full sync (-full +incremental):\n%s", diff)
	}
}

func TestSyncAccountIncrementalWithoutSeedFallsBack(t *testing.T) {
	f := newFixture(t, "USD")
	f.savings(t, "sav")

	start := day("2024-01-20")
	sy := f.syncer.SyncAccount(context.Background(), "sav", &start)

	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}
	if *sy.WindowStart != day("2024-01-01") {
		t.Errorf("window start = %s, want full history", sy.WindowStart)
	}
	if got := len(f.balances(t, "sav", "USD")); got != 31 {
		t.Errorf("got %d rows, want 31", got)
	}
}

func TestSyncAccountWithoutEntriesRemovesBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "USD")
	f.account(t, "empty", "USD", domain.KindDepository)
	stale := domain.Balance{AccountID: "empty", Date: day("2024-01-10"), Currency: "USD"}
	_ = f.store.ReplaceBalances(ctx, "empty", stale.Date, stale.Date, []domain.Balance{stale})

	sy := f.syncer.SyncAccount(ctx, "empty", nil)

	if sy.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", sy.Status, sy.Error)
	}
	if got := len(f.balances(t, "empty", "")); got != 0 {
		t.Errorf("got %d rows, want 0", got)
	}
}

func TestSyncAccountFailures(t *testing.T) {
	t.Run("unknown account", func(t *testing.T) {
		f := newFixture(t, "USD")
		sy := f.syncer.SyncAccount(context.Background(), "missing", nil)

		if sy.Status != domain.SyncFailed || sy.FailedAt == nil {
			t.Fatalf("status = %s, want failed", sy.Status)
		}
		if !strings.Contains(sy.Error, "not found") {
			t.Errorf("error = %q, want it to mention not found", sy.Error)
		}
		if sy.ErrorBacktrace == "" {
			t.Error("expected a backtrace")
		}
	})

	t.Run("duplicate valuation", func(t *testing.T) {
		f := newFixture(t, "USD")
		f.account(t, "bad", "USD", domain.KindDepository)
		f.entry(t, "bad", "2024-01-05", "100", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})
		f.legacyEntry("bad", "2024-01-05", "200", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})

		sy := f.syncer.SyncAccount(context.Background(), "bad", nil)
		if sy.Status != domain.SyncFailed {
			t.Fatalf("status = %s, want failed", sy.Status)
		}
		if got := len(f.balances(t, "bad", "")); got != 0 {
			t.Errorf("got %d rows persisted by a failed sync", got)
		}
	})

	t.Run("panic", func(t *testing.T) {
		st := &panickingStore{Store: inmemory.New()}
		_ = st.SaveFamily(context.Background(), domain.Family{ID: "fam", Currency: "USD"})
		_ = st.SaveAccount(context.Background(), domain.Account{ID: "a", FamilyID: "fam", Currency: "USD", Kind: domain.KindDepository})
		s := New(st, market.NewRateResolver(st, nil, provider.DefaultPolicy), market.NewPriceResolver(st, st, nil, provider.DefaultPolicy), WithClock(fixedClock))

		sy := s.SyncAccount(context.Background(), "a", nil)
		if sy.Status != domain.SyncFailed {
			t.Fatalf("status = %s, want failed", sy.Status)
		}
		if !strings.Contains(sy.Error, "entries unavailable") || !strings.Contains(sy.ErrorBacktrace, "goroutine") {
			t.Errorf("error = %q, backtrace = %q", sy.Error, sy.ErrorBacktrace)
		}
	})
}

type panickingStore struct {
	*inmemory.Store
}

func (p *panickingStore) ListEntries(ctx context.Context, accountID string) ([]domain.Entry, error) {
	panic("entries unavailable")
}

func TestSyncFamily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "USD", WithConcurrency(2))
	f.savings(t, "sav")
	f.account(t, "card", "USD", domain.KindCreditCard)
	f.entry(t, "card", "2024-01-03", "40", "USD", domain.Transaction{Kind: domain.TransactionStandard})

	parent := f.syncer.SyncFamily(ctx, "fam")

	if parent.Status != domain.SyncCompleted {
		t.Fatalf("status = %s, error = %q", parent.Status, parent.Error)
	}
	if len(parent.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(parent.Children))
	}
	for _, child := range parent.Children {
		if child.ParentID != parent.ID || child.Status != domain.SyncCompleted {
			t.Errorf("child %s: parent=%s status=%s", child.SyncableID, child.ParentID, child.Status)
		}
	}

	stored, err := f.store.ListSyncs(ctx, store.SyncFilter{ParentID: parent.ID})
	if err != nil {
		t.Fatalf("ListSyncs() error = %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("got %d stored child syncs, want 2", len(stored))
	}
}

func TestSyncFamilyFailsWhenAChildFails(t *testing.T) {
	f := newFixture(t, "USD")
	f.savings(t, "sav")
	f.account(t, "bad", "USD", domain.KindDepository)
	f.entry(t, "bad", "2024-01-05", "100", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})
	f.legacyEntry("bad", "2024-01-05", "200", "USD", domain.Valuation{Kind: domain.ValuationReconciliation})

	parent := f.syncer.SyncFamily(context.Background(), "fam")

	if parent.Status != domain.SyncFailed {
		t.Fatalf("status = %s, want failed", parent.Status)
	}
	if !strings.Contains(parent.Error, "bad") {
		t.Errorf("error = %q, want it to name the failed account", parent.Error)
	}
	if got := len(f.balances(t, "sav", "USD")); got != 31 {
		t.Errorf("sibling account got %d rows, want 31", got)
	}
}

func TestSyncFamilyUnknown(t *testing.T) {
	f := newFixture(t, "USD")
	parent := f.syncer.SyncFamily(context.Background(), "nobody")
	if parent.Status != domain.SyncFailed {
		t.Errorf("status = %s, want failed", parent.Status)
	}
}

type fakePublisher struct {
	published []*jobs.SyncJob
	err       error
}

func (p *fakePublisher) PublishSync(ctx context.Context, job *jobs.SyncJob) (*jobs.SyncJob, error) {
	if p.err != nil {
		return nil, p.err
	}
	job.JobID = fmt.Sprintf("job-%d", len(p.published)+1)
	p.published = append(p.published, job)
	return job, nil
}

func (p *fakePublisher) Close() error { return nil }

func TestSyncLater(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, "USD")
	if _, err := f.syncer.SyncAccountLater(ctx, "sav", nil); !errors.Is(err, ErrNoPublisher) {
		t.Errorf("SyncAccountLater() without publisher error = %v", err)
	}

	pub := &fakePublisher{}
	f = newFixture(t, "USD", WithPublisher(pub))
	start := day("2024-01-15")
	job, err := f.syncer.SyncAccountLater(ctx, "sav", &start)
	if err != nil {
		t.Fatalf("SyncAccountLater() error = %v", err)
	}
	if job.Type != jobs.JobTypeSyncAccount || *job.StartDate != start {
		t.Errorf("published %+v", job)
	}
	if _, err := f.syncer.SyncFamilyLater(ctx, "fam"); err != nil {
		t.Fatalf("SyncFamilyLater() error = %v", err)
	}
	if len(pub.published) != 2 || pub.published[1].Type != jobs.JobTypeSyncFamily {
		t.Errorf("published %v", pub.published)
	}

	pub.err = errors.New("queue is closed")
	if _, err := f.syncer.SyncFamilyLater(ctx, "fam"); err == nil {
		t.Error("expected publish error")
	}
}

func TestHandleJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "USD")
	f.savings(t, "sav")

	job := &jobs.SyncJob{JobID: "j1", Type: jobs.JobTypeSyncAccount, SyncableID: "sav"}
	if err := f.syncer.HandleJob(ctx, job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if job.SyncID == "" {
		t.Fatal("HandleJob() did not record the sync id")
	}

	latest, err := f.syncer.LatestSync(ctx, domain.SyncableAccount, "sav")
	if err != nil {
		t.Fatalf("LatestSync() error = %v", err)
	}
	if latest.ID != job.SyncID || latest.Status != domain.SyncCompleted {
		t.Errorf("latest sync = %+v", latest)
	}

	// A failed sync is recorded, not retried.
	failing := &jobs.SyncJob{JobID: "j2", Type: jobs.JobTypeSyncAccount, SyncableID: "missing"}
	if err := f.syncer.HandleJob(ctx, failing); err != nil {
		t.Errorf("HandleJob() for a failing sync error = %v, want nil", err)
	}

	if err := f.syncer.HandleJob(ctx, &jobs.SyncJob{Type: "rebuild"}); err == nil {
		t.Error("expected error for unknown job type")
	}

	if _, err := f.syncer.LatestSync(ctx, domain.SyncableFamily, "fam"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LatestSync() for a never-synced family error = %v", err)
	}
}
