// Package syncer runs balance syncs for accounts and families. A sync loads
// the account's entries, resolves the market data they depend on, computes
// holdings and daily balances and replaces the stored rows, recording the
// outcome on a domain.Sync.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/balance"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/holding"
	"github.com/dvloznov/finance-ledger/internal/jobs"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/market"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/dvloznov/finance-ledger/internal/requirement"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// ErrNoPublisher is returned by the *Later methods when no queue is configured.
var ErrNoPublisher = errors.New("no job publisher configured")

// Mirror receives a copy of every balance and holding write, e.g. a
// warehouse table used for reporting. Mirror failures never fail a sync.
type Mirror interface {
	ReplaceBalances(ctx context.Context, accountID string, start, end civil.Date, balances []domain.Balance) error
	PurgeBalances(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error)
	ReplaceHoldings(ctx context.Context, accountID string, start, end civil.Date, holdings []domain.Holding) error
}

// Syncer orchestrates syncs.
type Syncer struct {
	store       store.Store
	rates       *market.RateResolver
	prices      *market.PriceResolver
	publisher   jobs.Publisher
	mirror      Mirror
	now         func() time.Time
	concurrency int

	// accountLocks holds one *sync.Mutex per account id.
	accountLocks sync.Map
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock overrides time.Now. "Today" is the clock's civil date.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithPublisher enables SyncAccountLater and SyncFamilyLater.
func WithPublisher(p jobs.Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

// WithConcurrency bounds how many child syncs of a family run at once.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMirror copies balance and holding writes to m.
func WithMirror(m Mirror) Option {
	return func(s *Syncer) { s.mirror = m }
}

// New returns a Syncer reading and writing st.
func New(st store.Store, rates *market.RateResolver, prices *market.PriceResolver, opts ...Option) *Syncer {
	s := &Syncer{
		store:       st,
		rates:       rates,
		prices:      prices,
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncAccount runs a sync of one account and returns it in its final state.
// A nil start recomputes the whole history; a later start reuses the stored
// balance of the day before it. Failures are recorded on the returned sync.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string, start *civil.Date) *domain.Sync {
	sy := domain.NewSync(uuid.New().String(), domain.SyncableAccount, accountID, s.now())
	_ = s.runAccount(ctx, sy, start)
	return sy
}

// SyncFamily syncs every account of a family concurrently. The family sync
// fails when any child fails.
func (s *Syncer) SyncFamily(ctx context.Context, familyID string) *domain.Sync {
	parent := domain.NewSync(uuid.New().String(), domain.SyncableFamily, familyID, s.now())
	_ = s.runFamily(ctx, parent)
	return parent
}

// SyncAccountLater queues an account sync.
func (s *Syncer) SyncAccountLater(ctx context.Context, accountID string, start *civil.Date) (*jobs.SyncJob, error) {
	return s.publish(ctx, &jobs.SyncJob{Type: jobs.JobTypeSyncAccount, SyncableID: accountID, StartDate: start})
}

// SyncFamilyLater queues a family sync.
func (s *Syncer) SyncFamilyLater(ctx context.Context, familyID string) (*jobs.SyncJob, error) {
	return s.publish(ctx, &jobs.SyncJob{Type: jobs.JobTypeSyncFamily, SyncableID: familyID})
}

func (s *Syncer) publish(ctx context.Context, job *jobs.SyncJob) (*jobs.SyncJob, error) {
	if s.publisher == nil {
		return nil, ErrNoPublisher
	}
	queued, err := s.publisher.PublishSync(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("publish %s %s: %w", job.Type, job.SyncableID, err)
	}
	return queued, nil
}

// HandleJob is the jobs.JobHandler for sync jobs. Sync failures are recorded
// on the sync and are not returned; an error means the sync record itself
// could not be stored and the job should be retried.
func (s *Syncer) HandleJob(ctx context.Context, sj *jobs.SyncJob) error {
	var (
		sy  *domain.Sync
		err error
	)
	switch sj.Type {
	case jobs.JobTypeSyncAccount:
		sy = domain.NewSync(uuid.New().String(), domain.SyncableAccount, sj.SyncableID, s.now())
		err = s.runAccount(ctx, sy, sj.StartDate)
	case jobs.JobTypeSyncFamily:
		sy = domain.NewSync(uuid.New().String(), domain.SyncableFamily, sj.SyncableID, s.now())
		err = s.runFamily(ctx, sy)
	default:
		return fmt.Errorf("HandleJob: unknown job type %q", sj.Type)
	}
	sj.SyncID = sy.ID
	return err
}

// LatestSync returns the most recent sync of a record.
func (s *Syncer) LatestSync(ctx context.Context, typ domain.SyncableType, id string) (*domain.Sync, error) {
	syncs, err := s.store.ListSyncs(ctx, store.SyncFilter{SyncableType: typ, SyncableID: id, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("LatestSync: %w", err)
	}
	if len(syncs) == 0 {
		return nil, fmt.Errorf("LatestSync: %s %s: %w", typ, id, store.ErrNotFound)
	}
	return syncs[0], nil
}

func (s *Syncer) lock(accountID string) *sync.Mutex {
	mu, _ := s.accountLocks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// runAccount drives sy through its states. The returned error is only about
// storing the sync record.
func (s *Syncer) runAccount(ctx context.Context, sy *domain.Sync, start *civil.Date) error {
	ctx = logger.WithSync(ctx, sy.ID, string(sy.SyncableType), sy.SyncableID)
	log := logger.FromContext(ctx)

	if err := s.store.SaveSync(ctx, sy); err != nil {
		log.Error().Err(err).Msg("Failed to save pending sync")
		return fmt.Errorf("save sync %s: %w", sy.ID, err)
	}

	mu := s.lock(sy.SyncableID)
	mu.Lock()
	defer mu.Unlock()

	_ = sy.Start(s.now())
	if err := s.store.SaveSync(ctx, sy); err != nil {
		log.Warn().Err(err).Msg("Failed to save syncing state")
	}
	log.Info().Msg("Account sync started")

	backtrace, err := s.safePerform(ctx, sy, start)
	if err != nil {
		_ = sy.Fail(s.now(), err, backtrace)
		log.Error().Err(err).Msg("Account sync failed")
	} else {
		_ = sy.Complete(s.now())
		log.Info().Int("warnings", len(sy.Warnings)).Msg("Account sync completed")
	}

	if err := s.store.SaveSync(ctx, sy); err != nil {
		log.Error().Err(err).Msg("Failed to save finished sync")
		return fmt.Errorf("save sync %s: %w", sy.ID, err)
	}
	return nil
}

func (s *Syncer) safePerform(ctx context.Context, sy *domain.Sync, start *civil.Date) (backtrace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
			backtrace = string(debug.Stack())
		}
	}()
	if err := s.perform(ctx, sy, start); err != nil {
		return errorChain(err), err
	}
	return "", nil
}

// errorChain lists err and every error it wraps, outermost first.
func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}

func (s *Syncer) perform(ctx context.Context, sy *domain.Sync, start *civil.Date) error {
	log := logger.FromContext(ctx)

	acct, err := s.store.GetAccount(ctx, sy.SyncableID)
	if err != nil {
		return fmt.Errorf("perform: load account: %w", err)
	}
	if err := acct.Validate(); err != nil {
		return fmt.Errorf("perform: %w", err)
	}
	fam, err := s.store.GetFamily(ctx, acct.FamilyID)
	if err != nil {
		return fmt.Errorf("perform: load family %s: %w", acct.FamilyID, err)
	}
	familyCurrency := money.NormalizeCurrency(fam.Currency)

	entries, err := s.store.ListEntries(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("perform: load entries: %w", err)
	}
	if err := domain.ValidateEntries(*acct, entries); err != nil {
		return fmt.Errorf("perform: %w", err)
	}

	today := civil.DateOf(s.now())
	effStart, ok := domain.EffectiveStartDate(*acct, entries)
	if !ok || effStart.After(today) {
		// Nothing to compute: drop every stored row.
		sy.AddWarning("account has no entries on or before today; stored balances removed")
		return s.purge(ctx, sy, acct.ID, today.AddDays(1), today)
	}

	windowStart, seed := s.window(ctx, sy, *acct, familyCurrency, effStart, today, start)
	sy.WindowStart, sy.WindowEnd = &windowStart, &today
	log.Info().
		Str("window_start", windowStart.String()).
		Str("window_end", today.String()).
		Bool("incremental", seed != nil).
		Msg("Sync window determined")

	securities, err := s.securities(ctx, sy, entries)
	if err != nil {
		return fmt.Errorf("perform: %w", err)
	}

	reqs := requirement.Compute(requirement.Input{
		Account:        *acct,
		Entries:        entries,
		Securities:     securities,
		FamilyCurrency: familyCurrency,
		Start:          windowStart,
		End:            today,
	})

	// Exchange rates first: prices and balances both read them.
	rateTable, missingRates := s.rates.LoadTable(ctx, reqs.Rates)
	for _, w := range market.DescribeMissingRates(missingRates) {
		sy.AddWarning(w)
	}

	priceTable, missingPrices := s.prices.LoadTable(ctx, reqs.Prices)
	for _, w := range missingPrices {
		sy.AddWarning(w)
	}

	var holdings []domain.Holding
	if acct.Kind.BalanceType() == domain.InvestmentBalance {
		holdings, err = holding.Compute(holding.Input{
			AccountID:  acct.ID,
			Entries:    entries,
			Securities: securities,
			Prices:     priceTable,
			End:        today,
		})
		if err != nil {
			return fmt.Errorf("perform: holdings: %w", err)
		}
	}

	res, err := balance.Compute(balance.Input{
		Account:        *acct,
		FamilyCurrency: familyCurrency,
		Entries:        entries,
		Holdings:       holdings,
		Rates:          rateTable,
		Start:          windowStart,
		End:            today,
		Seed:           seed,
	})
	if err != nil {
		return fmt.Errorf("perform: balances: %w", err)
	}
	for _, w := range res.Warnings {
		sy.AddWarning(w)
	}

	kept := holdingsWithin(holdings, effStart, today)
	if err := s.store.ReplaceHoldings(ctx, acct.ID, effStart, today, kept); err != nil {
		return fmt.Errorf("perform: store holdings: %w", err)
	}
	if err := s.store.ReplaceBalances(ctx, acct.ID, windowStart, today, res.Balances); err != nil {
		return fmt.Errorf("perform: store balances: %w", err)
	}
	log.Info().Int("balances", len(res.Balances)).Int("holdings", len(kept)).Msg("Balances stored")

	if s.mirror != nil {
		if err := s.mirror.ReplaceHoldings(ctx, acct.ID, effStart, today, kept); err != nil {
			sy.AddWarning(fmt.Sprintf("mirror holdings: %v", err))
		}
		if err := s.mirror.ReplaceBalances(ctx, acct.ID, windowStart, today, res.Balances); err != nil {
			sy.AddWarning(fmt.Sprintf("mirror balances: %v", err))
		}
	}

	return s.purge(ctx, sy, acct.ID, effStart, today)
}

// window picks the first day to recompute. An incremental start is honoured
// only when the stored balance of the day before it exists.
func (s *Syncer) window(ctx context.Context, sy *domain.Sync, acct domain.Account, familyCurrency string, effStart, today civil.Date, start *civil.Date) (civil.Date, map[string]domain.Balance) {
	if start == nil || !start.After(effStart) {
		return effStart, nil
	}
	from := *start
	if from.After(today) {
		from = today
	}

	prevDay := from.AddDays(-1)
	accountCurrency := money.NormalizeCurrency(acct.Currency)
	prev, err := s.store.GetBalance(ctx, acct.ID, prevDay, accountCurrency)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("Failed to read seed balance")
		}
		sy.AddWarning(fmt.Sprintf("no stored %s balance on %s; recomputed full history", accountCurrency, prevDay))
		return effStart, nil
	}

	seed := map[string]domain.Balance{accountCurrency: *prev}
	if acct.IsForeign(familyCurrency) {
		if fb, err := s.store.GetBalance(ctx, acct.ID, prevDay, familyCurrency); err == nil {
			seed[familyCurrency] = *fb
		}
	}
	return from, seed
}

// securities loads every security the account has traded. Unknown ids get a
// placeholder built from the trade so holdings can still be derived.
func (s *Syncer) securities(ctx context.Context, sy *domain.Sync, entries []domain.Entry) (map[string]domain.Security, error) {
	result := make(map[string]domain.Security)
	for _, e := range entries {
		t, ok := e.Entryable.(domain.Trade)
		if !ok {
			continue
		}
		if _, seen := result[t.SecurityID]; seen {
			continue
		}
		sec, err := s.store.GetSecurity(ctx, t.SecurityID)
		switch {
		case err == nil:
			result[t.SecurityID] = *sec
		case errors.Is(err, store.ErrNotFound):
			sy.AddWarning(fmt.Sprintf("unknown security %s; valued at trade prices", t.SecurityID))
			result[t.SecurityID] = domain.Security{ID: t.SecurityID, Currency: t.Currency}
		default:
			return nil, fmt.Errorf("load security %s: %w", t.SecurityID, err)
		}
	}
	return result, nil
}

// purge drops rows dated outside [keepStart, keepEnd]. An empty range drops
// everything.
func (s *Syncer) purge(ctx context.Context, sy *domain.Sync, accountID string, keepStart, keepEnd civil.Date) error {
	nb, err := s.store.PurgeBalances(ctx, accountID, keepStart, keepEnd)
	if err != nil {
		return fmt.Errorf("purge balances: %w", err)
	}
	nh, err := s.store.PurgeHoldings(ctx, accountID, keepStart, keepEnd)
	if err != nil {
		return fmt.Errorf("purge holdings: %w", err)
	}
	if s.mirror != nil {
		if _, err := s.mirror.PurgeBalances(ctx, accountID, keepStart, keepEnd); err != nil {
			sy.AddWarning(fmt.Sprintf("mirror purge: %v", err))
		}
	}
	if nb > 0 || nh > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int64("balances", nb).Int64("holdings", nh).Msg("Purged stale rows")
	}
	return nil
}

func holdingsWithin(holdings []domain.Holding, start, end civil.Date) []domain.Holding {
	var kept []domain.Holding
	for _, h := range holdings {
		if !h.Date.Before(start) && !h.Date.After(end) {
			kept = append(kept, h)
		}
	}
	return kept
}

func (s *Syncer) runFamily(ctx context.Context, parent *domain.Sync) error {
	base := ctx
	ctx = logger.WithSync(ctx, parent.ID, string(parent.SyncableType), parent.SyncableID)
	log := logger.FromContext(ctx)

	if err := s.store.SaveSync(ctx, parent); err != nil {
		log.Error().Err(err).Msg("Failed to save pending sync")
		return fmt.Errorf("save sync %s: %w", parent.ID, err)
	}
	_ = parent.Start(s.now())
	if err := s.store.SaveSync(ctx, parent); err != nil {
		log.Warn().Err(err).Msg("Failed to save syncing state")
	}

	if err := s.syncChildren(base, parent); err != nil {
		_ = parent.Fail(s.now(), err, errorChain(err))
		log.Error().Err(err).Msg("Family sync failed")
	} else {
		_ = parent.Complete(s.now())
		log.Info().Int("accounts", len(parent.Children)).Msg("Family sync completed")
	}

	if err := s.store.SaveSync(ctx, parent); err != nil {
		log.Error().Err(err).Msg("Failed to save finished sync")
		return fmt.Errorf("save sync %s: %w", parent.ID, err)
	}
	return nil
}

func (s *Syncer) syncChildren(ctx context.Context, parent *domain.Sync) error {
	if _, err := s.store.GetFamily(ctx, parent.SyncableID); err != nil {
		return fmt.Errorf("load family: %w", err)
	}
	accounts, err := s.store.ListAccounts(ctx, parent.SyncableID)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	children := make([]*domain.Sync, len(accounts))
	for i, a := range accounts {
		child := domain.NewSync(uuid.New().String(), domain.SyncableAccount, a.ID, s.now())
		child.ParentID = parent.ID
		children[i] = child
	}
	parent.Children = children

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return s.runAccount(ctx, child, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("child sync: %w", err)
	}

	var failed []string
	for _, child := range children {
		if child.Status == domain.SyncFailed {
			failed = append(failed, child.SyncableID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d account syncs failed: %s", len(failed), len(children), strings.Join(failed, ", "))
	}
	return nil
}
