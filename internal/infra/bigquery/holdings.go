package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
)

type HoldingRow struct {
	AccountID  string     `bigquery:"account_id"`  // REQUIRED
	SecurityID string     `bigquery:"security_id"` // REQUIRED
	Date       civil.Date `bigquery:"date"`        // REQUIRED
	Qty        *big.Rat   `bigquery:"qty"`
	Price      *big.Rat   `bigquery:"price"`
	Amount     *big.Rat   `bigquery:"amount"`
	Currency   string     `bigquery:"currency"` // REQUIRED
	SyncedTS   time.Time  `bigquery:"synced_ts"`
}

func NewHoldingRow(h domain.Holding, syncedAt time.Time) *HoldingRow {
	return &HoldingRow{
		AccountID:  h.AccountID,
		SecurityID: h.SecurityID,
		Date:       h.Date,
		Qty:        h.Qty.Rat(),
		Price:      h.Price.Rat(),
		Amount:     h.Amount.Rat(),
		Currency:   h.Currency,
		SyncedTS:   syncedAt.UTC(),
	}
}

func (r *HoldingRow) Holding() domain.Holding {
	return domain.Holding{
		AccountID:  r.AccountID,
		SecurityID: r.SecurityID,
		Date:       r.Date,
		Qty:        fromRat(r.Qty),
		Price:      fromRat(r.Price),
		Amount:     fromRat(r.Amount),
		Currency:   r.Currency,
	}
}

// ReplaceHoldingsWithClient rewrites the account's mirrored holdings in
// [start, end].
func ReplaceHoldingsWithClient(ctx context.Context, client *bigquery.Client, datasetID, accountID string, start, end civil.Date, holdings []domain.Holding) error {
	if err := domain.ValidateHoldings(holdings); err != nil {
		return fmt.Errorf("ReplaceHoldings: %w", err)
	}
	q := client.Query(`
		DELETE FROM ` + tableRef(client, datasetID, holdingsTable) + `
		WHERE account_id = @account_id
		  AND date BETWEEN @start_date AND @end_date
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "start_date", Value: start},
		{Name: "end_date", Value: end},
	}
	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("ReplaceHoldings: delete window: %w", err)
	}
	if len(holdings) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([]*HoldingRow, 0, len(holdings))
	for _, h := range holdings {
		rows = append(rows, NewHoldingRow(h, now))
	}
	inserter := client.Dataset(datasetID).Table(holdingsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("ReplaceHoldings: inserting rows: %w", err)
	}
	return nil
}
