package domain

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Balance is the persisted daily balance of one account in one currency.
// End and total figures are derived on read and never stored.
type Balance struct {
	AccountID           string          `json:"account_id"`
	Date                civil.Date      `json:"date"`
	Currency            string          `json:"currency"`
	StartCashBalance    decimal.Decimal `json:"start_cash_balance"`
	StartNonCashBalance decimal.Decimal `json:"start_non_cash_balance"`
	CashInflows         decimal.Decimal `json:"cash_inflows"`
	CashOutflows        decimal.Decimal `json:"cash_outflows"`
	NonCashInflows      decimal.Decimal `json:"non_cash_inflows"`
	NonCashOutflows     decimal.Decimal `json:"non_cash_outflows"`
	NetMarketFlows      decimal.Decimal `json:"net_market_flows"`
	CashAdjustments     decimal.Decimal `json:"cash_adjustments"`
	NonCashAdjustments  decimal.Decimal `json:"non_cash_adjustments"`
	FlowsFactor         int             `json:"flows_factor"`
}

func (b Balance) StartBalance() decimal.Decimal {
	return b.StartCashBalance.Add(b.StartNonCashBalance)
}

func (b Balance) EndCashBalance() decimal.Decimal {
	return b.StartCashBalance.Add(b.CashInflows).Sub(b.CashOutflows).Add(b.CashAdjustments)
}

func (b Balance) EndNonCashBalance() decimal.Decimal {
	return b.StartNonCashBalance.
		Add(b.NonCashInflows).
		Sub(b.NonCashOutflows).
		Add(b.NetMarketFlows).
		Add(b.NonCashAdjustments)
}

func (b Balance) EndBalance() decimal.Decimal {
	return b.EndCashBalance().Add(b.EndNonCashBalance())
}

// BalanceKey is the natural key of a balance row.
type BalanceKey struct {
	AccountID string
	Date      civil.Date
	Currency  string
}

func (b Balance) Key() BalanceKey {
	return BalanceKey{AccountID: b.AccountID, Date: b.Date, Currency: b.Currency}
}

// BalanceView is a Balance with its derived totals, used for reads.
type BalanceView struct {
	Balance
	StartBalance      decimal.Decimal `json:"start_balance"`
	EndCashBalance    decimal.Decimal `json:"end_cash_balance"`
	EndNonCashBalance decimal.Decimal `json:"end_non_cash_balance"`
	EndBalance        decimal.Decimal `json:"end_balance"`
}

// View computes the derived totals.
func (b Balance) View() BalanceView {
	return BalanceView{
		Balance:           b,
		StartBalance:      b.StartBalance(),
		EndCashBalance:    b.EndCashBalance(),
		EndNonCashBalance: b.EndNonCashBalance(),
		EndBalance:        b.EndBalance(),
	}
}
