// Package store declares the persistence contracts of the ledger.
// Implementations live in store/inmemory and infra/postgres.
package store

import (
	"context"
	"errors"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write violates a unique key.
	ErrDuplicate = errors.New("duplicate key")
)

// FamilyRepository reads and writes families.
type FamilyRepository interface {
	GetFamily(ctx context.Context, id string) (*domain.Family, error)
	SaveFamily(ctx context.Context, f domain.Family) error
}

// AccountRepository reads and writes accounts.
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context, familyID string) ([]domain.Account, error)
	SaveAccount(ctx context.Context, a domain.Account) error
}

// EntryRepository reads the append-only entry stream of an account.
type EntryRepository interface {
	// ListEntries returns the account's entries ordered by date.
	ListEntries(ctx context.Context, accountID string) ([]domain.Entry, error)
	SaveEntries(ctx context.Context, entries []domain.Entry) error
}

// SecurityRepository reads and writes securities.
type SecurityRepository interface {
	GetSecurity(ctx context.Context, id string) (*domain.Security, error)
	SaveSecurity(ctx context.Context, s domain.Security) error
}

// RateRepository is the exchange rate cache. Writes are upserts keyed by
// (from, to, date).
type RateRepository interface {
	GetRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error)
	// LatestRate returns the most recent rate dated on or before date.
	LatestRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error)
	ListRates(ctx context.Context, from, to string, start, end civil.Date) ([]domain.ExchangeRate, error)
	UpsertRates(ctx context.Context, rates []domain.ExchangeRate) error
}

// PriceRepository is the security price cache. Writes are upserts keyed by
// (security, date, currency).
type PriceRepository interface {
	GetPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error)
	LatestPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error)
	ListPrices(ctx context.Context, securityID string, start, end civil.Date) ([]domain.SecurityPrice, error)
	UpsertPrices(ctx context.Context, prices []domain.SecurityPrice) error
}

// HoldingRepository stores daily holdings.
type HoldingRepository interface {
	// ReplaceHoldings deletes the account's holdings in [start, end] and
	// inserts holdings in one unit of work.
	ReplaceHoldings(ctx context.Context, accountID string, start, end civil.Date, holdings []domain.Holding) error
	ListHoldings(ctx context.Context, accountID string, start, end civil.Date) ([]domain.Holding, error)
	// PurgeHoldings deletes rows dated outside [keepStart, keepEnd].
	PurgeHoldings(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error)
}

// BalanceRepository stores daily balances.
type BalanceRepository interface {
	// ReplaceBalances deletes the account's balances in [start, end] for
	// every currency and inserts balances in one unit of work.
	ReplaceBalances(ctx context.Context, accountID string, start, end civil.Date, balances []domain.Balance) error
	GetBalance(ctx context.Context, accountID string, date civil.Date, currency string) (*domain.Balance, error)
	// ListBalances returns rows in [start, end] ordered by date.
	ListBalances(ctx context.Context, accountID, currency string, start, end civil.Date) ([]domain.Balance, error)
	// PurgeBalances deletes rows dated outside [keepStart, keepEnd].
	PurgeBalances(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error)
}

// SyncFilter narrows ListSyncs.
type SyncFilter struct {
	SyncableType domain.SyncableType
	SyncableID   string
	ParentID     string
	Status       domain.SyncStatus
	Limit        int
	Offset       int
}

// SyncRepository persists sync runs.
type SyncRepository interface {
	SaveSync(ctx context.Context, s *domain.Sync) error
	GetSync(ctx context.Context, id string) (*domain.Sync, error)
	// ListSyncs returns syncs newest first.
	ListSyncs(ctx context.Context, filter SyncFilter) ([]*domain.Sync, error)
}

// Store bundles every repository the engine needs.
type Store interface {
	FamilyRepository
	AccountRepository
	EntryRepository
	SecurityRepository
	RateRepository
	PriceRepository
	HoldingRepository
	BalanceRepository
	SyncRepository
}
