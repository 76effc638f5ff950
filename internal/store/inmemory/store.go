// Package inmemory is a map-backed implementation of store.Store.
// It is safe for concurrent use; data is lost when the process exits.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/store"
)

type rateKey struct {
	from, to string
	date     civil.Date
}

type priceKey struct {
	securityID string
	date       civil.Date
	currency   string
}

type storedSync struct {
	seq  int
	sync domain.Sync
}

// Store keeps every table in maps guarded by a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	families   map[string]domain.Family
	accounts   map[string]domain.Account
	entries    map[string][]domain.Entry
	securities map[string]domain.Security
	rates      map[rateKey]domain.ExchangeRate
	prices     map[priceKey]domain.SecurityPrice
	holdings   map[string]map[domain.HoldingKey]domain.Holding
	balances   map[string]map[domain.BalanceKey]domain.Balance
	syncs      map[string]storedSync
	syncSeq    int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		families:   make(map[string]domain.Family),
		accounts:   make(map[string]domain.Account),
		entries:    make(map[string][]domain.Entry),
		securities: make(map[string]domain.Security),
		rates:      make(map[rateKey]domain.ExchangeRate),
		prices:     make(map[priceKey]domain.SecurityPrice),
		holdings:   make(map[string]map[domain.HoldingKey]domain.Holding),
		balances:   make(map[string]map[domain.BalanceKey]domain.Balance),
		syncs:      make(map[string]storedSync),
	}
}

func within(d, start, end civil.Date) bool {
	return !d.Before(start) && !d.After(end)
}

func (s *Store) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.families[id]
	if !ok {
		return nil, fmt.Errorf("family %s: %w", id, store.ErrNotFound)
	}
	return &f, nil
}

func (s *Store) SaveFamily(ctx context.Context, f domain.Family) error {
	if f.ID == "" {
		return fmt.Errorf("family: %w", domain.ErrMissingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[f.ID] = f
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context, familyID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.Account
	for _, a := range s.accounts {
		if familyID == "" || a.FamilyID == familyID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := append([]domain.Entry(nil), s.entries[accountID]...)
	domain.SortEntries(result)
	return result, nil
}

// SaveEntries upserts entries by ID. Each touched account's entries, merged
// with the new ones, must pass domain.ValidateEntries; otherwise nothing is
// written.
func (s *Store) SaveEntries(ctx context.Context, entries []domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string][]domain.Entry)
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry: %w", domain.ErrMissingID)
		}
		list, ok := merged[e.AccountID]
		if !ok {
			list = append([]domain.Entry(nil), s.entries[e.AccountID]...)
		}
		replaced := false
		for i := range list {
			if list[i].ID == e.ID {
				list[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, e)
		}
		merged[e.AccountID] = list
	}

	for accountID, list := range merged {
		a, ok := s.accounts[accountID]
		if !ok {
			return fmt.Errorf("entries for account %s: %w", accountID, store.ErrNotFound)
		}
		if err := domain.ValidateEntries(a, list); err != nil {
			return err
		}
	}
	for accountID, list := range merged {
		s.entries[accountID] = list
	}
	return nil
}

func (s *Store) GetSecurity(ctx context.Context, id string) (*domain.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.securities[id]
	if !ok {
		return nil, fmt.Errorf("security %s: %w", id, store.ErrNotFound)
	}
	return &sec, nil
}

func (s *Store) SaveSecurity(ctx context.Context, sec domain.Security) error {
	if sec.ID == "" {
		return fmt.Errorf("security: %w", domain.ErrMissingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securities[sec.ID] = sec
	return nil
}

func (s *Store) GetRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[rateKey{from, to, date}]
	if !ok {
		return nil, fmt.Errorf("rate %s/%s %s: %w", from, to, date, store.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) LatestRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.ExchangeRate
	for k, r := range s.rates {
		if k.from != from || k.to != to || k.date.After(date) {
			continue
		}
		if best == nil || k.date.After(best.Date) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("rate %s/%s on or before %s: %w", from, to, date, store.ErrNotFound)
	}
	return best, nil
}

func (s *Store) ListRates(ctx context.Context, from, to string, start, end civil.Date) ([]domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.ExchangeRate
	for k, r := range s.rates {
		if k.from == from && k.to == to && within(k.date, start, end) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func (s *Store) UpsertRates(ctx context.Context, rates []domain.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rates {
		s.rates[rateKey{r.From, r.To, r.Date}] = r
	}
	return nil
}

func (s *Store) GetPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, p := range s.prices {
		if k.securityID == securityID && k.date == date {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("price %s %s: %w", securityID, date, store.ErrNotFound)
}

func (s *Store) LatestPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.SecurityPrice
	for k, p := range s.prices {
		if k.securityID != securityID || k.date.After(date) {
			continue
		}
		if best == nil || k.date.After(best.Date) {
			p := p
			best = &p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("price %s on or before %s: %w", securityID, date, store.ErrNotFound)
	}
	return best, nil
}

func (s *Store) ListPrices(ctx context.Context, securityID string, start, end civil.Date) ([]domain.SecurityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.SecurityPrice
	for k, p := range s.prices {
		if k.securityID == securityID && within(k.date, start, end) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func (s *Store) UpsertPrices(ctx context.Context, prices []domain.SecurityPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		s.prices[priceKey{p.SecurityID, p.Date, p.Currency}] = p
	}
	return nil
}

func (s *Store) ReplaceHoldings(ctx context.Context, accountID string, start, end civil.Date, holdings []domain.Holding) error {
	if err := domain.ValidateHoldings(holdings); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.holdings[accountID]
	if rows == nil {
		rows = make(map[domain.HoldingKey]domain.Holding)
		s.holdings[accountID] = rows
	}
	for k := range rows {
		if within(k.Date, start, end) {
			delete(rows, k)
		}
	}
	for _, h := range holdings {
		rows[h.Key()] = h
	}
	return nil
}

func (s *Store) ListHoldings(ctx context.Context, accountID string, start, end civil.Date) ([]domain.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.Holding
	for k, h := range s.holdings[accountID] {
		if within(k.Date, start, end) {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].SecurityID < result[j].SecurityID
	})
	return result, nil
}

func (s *Store) PurgeHoldings(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.holdings[accountID] {
		if !within(k.Date, keepStart, keepEnd) {
			delete(s.holdings[accountID], k)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReplaceBalances(ctx context.Context, accountID string, start, end civil.Date, balances []domain.Balance) error {
	seen := make(map[domain.BalanceKey]struct{}, len(balances))
	for _, b := range balances {
		if b.AccountID != accountID {
			return fmt.Errorf("balance for account %s written under %s: %w", b.AccountID, accountID, domain.ErrEntryAccountMismatch)
		}
		if _, dup := seen[b.Key()]; dup {
			return fmt.Errorf("balance %s %s %s: %w", b.AccountID, b.Date, b.Currency, store.ErrDuplicate)
		}
		seen[b.Key()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.balances[accountID]
	if rows == nil {
		rows = make(map[domain.BalanceKey]domain.Balance)
		s.balances[accountID] = rows
	}
	for k := range rows {
		if within(k.Date, start, end) {
			delete(rows, k)
		}
	}
	for _, b := range balances {
		rows[b.Key()] = b
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string, date civil.Date, currency string) (*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[accountID][domain.BalanceKey{AccountID: accountID, Date: date, Currency: currency}]
	if !ok {
		return nil, fmt.Errorf("balance %s %s %s: %w", accountID, date, currency, store.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) ListBalances(ctx context.Context, accountID, currency string, start, end civil.Date) ([]domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.Balance
	for k, b := range s.balances[accountID] {
		if (currency == "" || k.Currency == currency) && within(k.Date, start, end) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].Currency < result[j].Currency
	})
	return result, nil
}

func (s *Store) PurgeBalances(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.balances[accountID] {
		if !within(k.Date, keepStart, keepEnd) {
			delete(s.balances[accountID], k)
			n++
		}
	}
	return n, nil
}

// SaveSync stores a copy of sync without its in-memory children.
func (s *Store) SaveSync(ctx context.Context, sy *domain.Sync) error {
	if sy.ID == "" {
		return fmt.Errorf("sync: %w", domain.ErrMissingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.syncSeq
	if prev, ok := s.syncs[sy.ID]; ok {
		seq = prev.seq
	} else {
		s.syncSeq++
	}
	s.syncs[sy.ID] = storedSync{seq: seq, sync: copySync(sy)}
	return nil
}

func (s *Store) GetSync(ctx context.Context, id string) (*domain.Sync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.syncs[id]
	if !ok {
		return nil, fmt.Errorf("sync %s: %w", id, store.ErrNotFound)
	}
	c := copySync(&stored.sync)
	return &c, nil
}

func (s *Store) ListSyncs(ctx context.Context, filter store.SyncFilter) ([]*domain.Sync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []storedSync
	for _, stored := range s.syncs {
		sy := stored.sync
		if filter.SyncableType != "" && sy.SyncableType != filter.SyncableType {
			continue
		}
		if filter.SyncableID != "" && sy.SyncableID != filter.SyncableID {
			continue
		}
		if filter.ParentID != "" && sy.ParentID != filter.ParentID {
			continue
		}
		if filter.Status != "" && sy.Status != filter.Status {
			continue
		}
		matched = append(matched, stored)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*domain.Sync{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]*domain.Sync, 0, len(matched))
	for _, stored := range matched {
		c := copySync(&stored.sync)
		result = append(result, &c)
	}
	return result, nil
}

func copySync(s *domain.Sync) domain.Sync {
	c := *s
	c.Children = nil
	c.Warnings = append([]string(nil), s.Warnings...)
	return c
}

var _ store.Store = (*Store)(nil)
