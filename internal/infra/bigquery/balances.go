package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
)

// numericScale is the number of fractional digits of BigQuery NUMERIC.
const numericScale = 9

// BalanceRow is one row of the balances mirror table. EndBalance is
// denormalised for dashboards.
type BalanceRow struct {
	AccountID           string     `bigquery:"account_id"` // REQUIRED
	Date                civil.Date `bigquery:"date"`       // REQUIRED
	Currency            string     `bigquery:"currency"`   // REQUIRED
	StartCashBalance    *big.Rat   `bigquery:"start_cash_balance"`
	StartNonCashBalance *big.Rat   `bigquery:"start_non_cash_balance"`
	CashInflows         *big.Rat   `bigquery:"cash_inflows"`
	CashOutflows        *big.Rat   `bigquery:"cash_outflows"`
	NonCashInflows      *big.Rat   `bigquery:"non_cash_inflows"`
	NonCashOutflows     *big.Rat   `bigquery:"non_cash_outflows"`
	NetMarketFlows      *big.Rat   `bigquery:"net_market_flows"`
	CashAdjustments     *big.Rat   `bigquery:"cash_adjustments"`
	NonCashAdjustments  *big.Rat   `bigquery:"non_cash_adjustments"`
	FlowsFactor         int64      `bigquery:"flows_factor"`
	EndBalance          *big.Rat   `bigquery:"end_balance"`
	SyncedTS            time.Time  `bigquery:"synced_ts"` // REQUIRED
}

// NewBalanceRow converts a balance for insertion.
func NewBalanceRow(b domain.Balance, syncedAt time.Time) *BalanceRow {
	return &BalanceRow{
		AccountID:           b.AccountID,
		Date:                b.Date,
		Currency:            b.Currency,
		StartCashBalance:    b.StartCashBalance.Rat(),
		StartNonCashBalance: b.StartNonCashBalance.Rat(),
		CashInflows:         b.CashInflows.Rat(),
		CashOutflows:        b.CashOutflows.Rat(),
		NonCashInflows:      b.NonCashInflows.Rat(),
		NonCashOutflows:     b.NonCashOutflows.Rat(),
		NetMarketFlows:      b.NetMarketFlows.Rat(),
		CashAdjustments:     b.CashAdjustments.Rat(),
		NonCashAdjustments:  b.NonCashAdjustments.Rat(),
		FlowsFactor:         int64(b.FlowsFactor),
		EndBalance:          b.EndBalance().Rat(),
		SyncedTS:            syncedAt.UTC(),
	}
}

// Balance converts the row back. NULL numerics read as zero.
func (r *BalanceRow) Balance() domain.Balance {
	return domain.Balance{
		AccountID:           r.AccountID,
		Date:                r.Date,
		Currency:            r.Currency,
		StartCashBalance:    fromRat(r.StartCashBalance),
		StartNonCashBalance: fromRat(r.StartNonCashBalance),
		CashInflows:         fromRat(r.CashInflows),
		CashOutflows:        fromRat(r.CashOutflows),
		NonCashInflows:      fromRat(r.NonCashInflows),
		NonCashOutflows:     fromRat(r.NonCashOutflows),
		NetMarketFlows:      fromRat(r.NetMarketFlows),
		CashAdjustments:     fromRat(r.CashAdjustments),
		NonCashAdjustments:  fromRat(r.NonCashAdjustments),
		FlowsFactor:         int(r.FlowsFactor),
	}
}

func fromRat(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigRat(r, numericScale)
}

// ReplaceBalancesWithClient deletes the mirrored window for the account and
// streams the new rows. The two steps are not atomic in BigQuery; a failed
// insert leaves the window empty until the next sync.
func ReplaceBalancesWithClient(ctx context.Context, client *bigquery.Client, datasetID, accountID string, start, end civil.Date, balances []domain.Balance) error {
	q := client.Query(`
		DELETE FROM ` + tableRef(client, datasetID, balancesTable) + `
		WHERE account_id = @account_id
		  AND date BETWEEN @start_date AND @end_date
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "start_date", Value: start},
		{Name: "end_date", Value: end},
	}
	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("ReplaceBalances: delete window: %w", err)
	}
	if len(balances) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([]*BalanceRow, 0, len(balances))
	for _, b := range balances {
		if b.AccountID != accountID {
			return fmt.Errorf("ReplaceBalances: balance for %s written under %s: %w", b.AccountID, accountID, domain.ErrEntryAccountMismatch)
		}
		rows = append(rows, NewBalanceRow(b, now))
	}
	inserter := client.Dataset(datasetID).Table(balancesTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("ReplaceBalances: inserting rows: %w", err)
	}
	return nil
}

// PurgeBalancesWithClient deletes the account's mirrored rows outside
// [keepStart, keepEnd].
func PurgeBalancesWithClient(ctx context.Context, client *bigquery.Client, datasetID, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	q := client.Query(`
		DELETE FROM ` + tableRef(client, datasetID, balancesTable) + `
		WHERE account_id = @account_id
		  AND (date < @keep_start OR date > @keep_end)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "keep_start", Value: keepStart},
		{Name: "keep_end", Value: keepEnd},
	}
	n, err := runDML(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("PurgeBalances: %w", err)
	}
	return n, nil
}

// ListBalancesWithClient reads mirrored rows ordered by date. An empty
// currency returns every currency.
func ListBalancesWithClient(ctx context.Context, client *bigquery.Client, datasetID, accountID, currency string, start, end civil.Date) ([]*BalanceRow, error) {
	q := client.Query(`
		SELECT
			account_id,
			date,
			currency,
			start_cash_balance,
			start_non_cash_balance,
			cash_inflows,
			cash_outflows,
			non_cash_inflows,
			non_cash_outflows,
			net_market_flows,
			cash_adjustments,
			non_cash_adjustments,
			flows_factor,
			end_balance,
			synced_ts
		FROM ` + tableRef(client, datasetID, balancesTable) + `
		WHERE account_id = @account_id
		  AND (@currency = '' OR currency = @currency)
		  AND date >= @start_date
		  AND date <= @end_date
		ORDER BY date, currency
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "currency", Value: currency},
		{Name: "start_date", Value: start},
		{Name: "end_date", Value: end},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListBalances: query read: %w", err)
	}

	var rows []*BalanceRow
	for {
		var r BalanceRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListBalances: iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
