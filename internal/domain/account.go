// Package domain defines the ledger's core types: accounts, entries,
// holdings, daily balances, market data and sync runs.
package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/money"
)

// Family owns a set of accounts and a report currency.
type Family struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

// Classification says which side of net worth an account sits on.
type Classification string

const (
	Asset     Classification = "asset"
	Liability Classification = "liability"
)

// BalanceType drives how flows and valuations split between cash and non-cash.
type BalanceType string

const (
	CashBalance       BalanceType = "cash"
	NonCashBalance    BalanceType = "non_cash"
	InvestmentBalance BalanceType = "investment"
)

// AccountableKind is the closed set of account variants.
type AccountableKind string

const (
	KindDepository     AccountableKind = "depository"
	KindInvestment     AccountableKind = "investment"
	KindCrypto         AccountableKind = "crypto"
	KindProperty       AccountableKind = "property"
	KindVehicle        AccountableKind = "vehicle"
	KindOtherAsset     AccountableKind = "other_asset"
	KindCreditCard     AccountableKind = "credit_card"
	KindLoan           AccountableKind = "loan"
	KindOtherLiability AccountableKind = "other_liability"
)

// AccountableKinds lists every known kind.
var AccountableKinds = []AccountableKind{
	KindDepository, KindInvestment, KindCrypto, KindProperty, KindVehicle,
	KindOtherAsset, KindCreditCard, KindLoan, KindOtherLiability,
}

// Valid reports whether k is one of the known kinds.
func (k AccountableKind) Valid() bool {
	for _, known := range AccountableKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Classification panics on unknown kinds; accounts are validated on load.
func (k AccountableKind) Classification() Classification {
	switch k {
	case KindDepository, KindInvestment, KindCrypto, KindProperty, KindVehicle, KindOtherAsset:
		return Asset
	case KindCreditCard, KindLoan, KindOtherLiability:
		return Liability
	default:
		panic(fmt.Sprintf("domain: unknown accountable kind %q", string(k)))
	}
}

func (k AccountableKind) BalanceType() BalanceType {
	switch k {
	case KindDepository, KindCreditCard:
		return CashBalance
	case KindInvestment, KindCrypto:
		return InvestmentBalance
	case KindProperty, KindVehicle, KindOtherAsset, KindLoan, KindOtherLiability:
		return NonCashBalance
	default:
		panic(fmt.Sprintf("domain: unknown accountable kind %q", string(k)))
	}
}

// Account is a single financial account belonging to a family.
type Account struct {
	ID        string          `json:"id"`
	FamilyID  string          `json:"family_id"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Kind      AccountableKind `json:"kind"`
	StartDate *civil.Date     `json:"start_date,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the account can be synced.
func (a Account) Validate() error {
	if a.ID == "" {
		return &ValidationError{Entity: "account", Err: ErrMissingID}
	}
	if !a.Kind.Valid() {
		return &ValidationError{Entity: "account", ID: a.ID, Err: ErrUnknownAccountKind}
	}
	if !money.IsKnownCurrency(a.Currency) {
		return &ValidationError{Entity: "account", ID: a.ID, Err: ErrInvalidCurrency}
	}
	return nil
}

// IsForeign reports whether balances also need a familyCurrency series.
func (a Account) IsForeign(familyCurrency string) bool {
	return money.NormalizeCurrency(a.Currency) != money.NormalizeCurrency(familyCurrency)
}

// FlowsFactor is +1 for assets and -1 for liabilities.
func (a Account) FlowsFactor() int {
	if a.Kind.Classification() == Liability {
		return -1
	}
	return 1
}

// EffectiveStartDate is the explicit start date when set, otherwise the
// earliest entry date. ok is false when neither is available.
func EffectiveStartDate(a Account, entries []Entry) (start civil.Date, ok bool) {
	if a.StartDate != nil && !a.StartDate.IsZero() {
		return *a.StartDate, true
	}
	for _, e := range entries {
		if !ok || e.Date.Before(start) {
			start, ok = e.Date, true
		}
	}
	return start, ok
}
