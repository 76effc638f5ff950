// Package bigquery mirrors computed balances and holdings into BigQuery
// for analytics. Postgres stays the source of truth; the mirror is
// rewritten per sync window the same way the primary store is.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
)

const (
	balancesTable = "balances"
	holdingsTable = "holdings"
)

// Mirror writes balance and holding rows to one dataset. It holds a shared
// client; call Close when done.
type Mirror struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewMirror creates a Mirror with its own client.
func NewMirror(ctx context.Context, projectID, datasetID string) (*Mirror, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewMirror: creating client: %w", err)
	}
	return NewMirrorWithClient(client, datasetID), nil
}

// NewMirrorWithClient wraps an existing client. The mirror takes ownership.
func NewMirrorWithClient(client *bigquery.Client, datasetID string) *Mirror {
	return &Mirror{client: client, projectID: client.Project(), datasetID: datasetID}
}

func (m *Mirror) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func (m *Mirror) ReplaceBalances(ctx context.Context, accountID string, start, end civil.Date, balances []domain.Balance) error {
	return ReplaceBalancesWithClient(ctx, m.client, m.datasetID, accountID, start, end, balances)
}

func (m *Mirror) PurgeBalances(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	return PurgeBalancesWithClient(ctx, m.client, m.datasetID, accountID, keepStart, keepEnd)
}

func (m *Mirror) ReplaceHoldings(ctx context.Context, accountID string, start, end civil.Date, holdings []domain.Holding) error {
	return ReplaceHoldingsWithClient(ctx, m.client, m.datasetID, accountID, start, end, holdings)
}

func (m *Mirror) ListBalances(ctx context.Context, accountID, currency string, start, end civil.Date) ([]*BalanceRow, error) {
	return ListBalancesWithClient(ctx, m.client, m.datasetID, accountID, currency, start, end)
}

// tableRef returns the backquoted fully qualified table name.
func tableRef(client *bigquery.Client, datasetID, table string) string {
	return "`" + client.Project() + "." + datasetID + "." + table + "`"
}

// runDML runs a DML statement and returns the number of affected rows.
func runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("run query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}
	if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return stats.NumDMLAffectedRows, nil
	}
	return 0, nil
}
