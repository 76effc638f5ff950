package domain

import (
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// Entry is an append-only ledger record. A negative Amount is an inflow to
// the account and a positive Amount is an outflow.
type Entry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Date      civil.Date      `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Name      string          `json:"name"`
	Entryable Entryable       `json:"-"`
}

// EntryKind names the variant held by Entry.Entryable.
type EntryKind string

const (
	EntryTransaction EntryKind = "transaction"
	EntryValuation   EntryKind = "valuation"
	EntryTrade       EntryKind = "trade"
)

// Entryable is implemented by Transaction, Valuation and Trade only.
type Entryable interface {
	EntryKind() EntryKind
	entryable()
}

// TransactionKind distinguishes ordinary spending from income-like flows.
type TransactionKind string

const (
	TransactionStandard TransactionKind = "standard"
	TransactionFee      TransactionKind = "fee"
	TransactionDividend TransactionKind = "dividend"
	TransactionInterest TransactionKind = "interest"
	TransactionTransfer TransactionKind = "transfer"
)

// Transaction is a plain cash movement.
type Transaction struct {
	Kind TransactionKind `json:"kind"`
}

func (Transaction) EntryKind() EntryKind { return EntryTransaction }
func (Transaction) entryable()           {}

// ValuationKind tells an opening anchor from a later reconciliation.
type ValuationKind string

const (
	ValuationOpeningAnchor  ValuationKind = "opening_anchor"
	ValuationReconciliation ValuationKind = "reconciliation"
	ValuationCurrentAnchor  ValuationKind = "current_anchor"
)

// Valuation asserts the absolute account balance on the entry date.
type Valuation struct {
	Kind ValuationKind `json:"kind"`
}

func (Valuation) EntryKind() EntryKind { return EntryValuation }
func (Valuation) entryable()           {}

// Trade buys (positive Qty) or sells (negative Qty) a security.
type Trade struct {
	SecurityID string          `json:"security_id"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
}

func (Trade) EntryKind() EntryKind { return EntryTrade }
func (Trade) entryable()           {}

// Kind returns the entry variant, or "" for an entry with no payload.
func (e Entry) Kind() EntryKind {
	if e.Entryable == nil {
		return ""
	}
	return e.Entryable.EntryKind()
}

// SortEntries orders entries by date, keeping the insertion order within a day.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.Before(entries[j].Date)
	})
}

// ValidateEntries checks the integrity rules for one account's entries.
func ValidateEntries(a Account, entries []Entry) error {
	valuations := make(map[civil.Date]string)
	for _, e := range entries {
		if e.AccountID != a.ID {
			return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrEntryAccountMismatch,
				Detail: fmt.Sprintf("belongs to account %s", e.AccountID)}
		}
		if !money.IsKnownCurrency(e.Currency) {
			return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrInvalidCurrency}
		}
		switch v := e.Entryable.(type) {
		case Transaction:
		case Valuation:
			if prev, dup := valuations[e.Date]; dup {
				return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrDuplicateValuation,
					Detail: fmt.Sprintf("%s conflicts with %s", e.Date, prev)}
			}
			valuations[e.Date] = e.ID
		case Trade:
			if a.Kind.BalanceType() != InvestmentBalance {
				return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrInvalidTrade,
					Detail: "trades require an investment account"}
			}
			if v.SecurityID == "" || v.Qty.IsZero() || v.Price.IsNegative() {
				return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrInvalidTrade}
			}
			want := money.Round(v.Qty.Mul(v.Price), e.Currency)
			if !money.Round(e.Amount, e.Currency).Equal(want) {
				return &ValidationError{Entity: "entry", ID: e.ID, Err: ErrInvalidTrade,
					Detail: fmt.Sprintf("amount %s != qty*price %s", e.Amount, want)}
			}
		default:
			return &ValidationError{Entity: "entry", ID: e.ID, Err: fmt.Errorf("unknown entry type %T", v)}
		}
	}
	return nil
}
