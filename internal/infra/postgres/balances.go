package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/lib/pq"
)

var balanceColumns = []string{
	"account_id", "date", "currency",
	"start_cash_balance", "start_non_cash_balance",
	"cash_inflows", "cash_outflows",
	"non_cash_inflows", "non_cash_outflows",
	"net_market_flows", "cash_adjustments", "non_cash_adjustments",
	"flows_factor",
}

const balanceSelect = `
	SELECT account_id, date, currency,
	       start_cash_balance, start_non_cash_balance,
	       cash_inflows, cash_outflows,
	       non_cash_inflows, non_cash_outflows,
	       net_market_flows, cash_adjustments, non_cash_adjustments,
	       flows_factor
	FROM balances`

func scanBalance(row interface{ Scan(...any) error }) (domain.Balance, error) {
	var (
		b    domain.Balance
		date sql.NullTime
	)
	err := row.Scan(&b.AccountID, &date, &b.Currency,
		&b.StartCashBalance, &b.StartNonCashBalance,
		&b.CashInflows, &b.CashOutflows,
		&b.NonCashInflows, &b.NonCashOutflows,
		&b.NetMarketFlows, &b.CashAdjustments, &b.NonCashAdjustments,
		&b.FlowsFactor)
	if err != nil {
		return domain.Balance{}, err
	}
	b.Date = *datePtr(date)
	return b, nil
}

// ReplaceBalances deletes the window and bulk loads balances with COPY in a
// single transaction, so readers see either the old or the new rows.
func (s *Store) ReplaceBalances(ctx context.Context, accountID string, start, end civil.Date, balances []domain.Balance) error {
	for _, b := range balances {
		if b.AccountID != accountID {
			return fmt.Errorf("ReplaceBalances: balance for %s written under %s: %w", b.AccountID, accountID, domain.ErrEntryAccountMismatch)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE account_id = $1 AND date BETWEEN $2 AND $3`,
			accountID, dateValue(start), dateValue(end)); err != nil {
			return fmt.Errorf("ReplaceBalances: delete window: %w", err)
		}
		if len(balances) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("balances", balanceColumns...))
		if err != nil {
			return fmt.Errorf("ReplaceBalances: prepare copy: %w", err)
		}
		for _, b := range balances {
			_, err := stmt.ExecContext(ctx, b.AccountID, dateValue(b.Date), b.Currency,
				b.StartCashBalance, b.StartNonCashBalance,
				b.CashInflows, b.CashOutflows,
				b.NonCashInflows, b.NonCashOutflows,
				b.NetMarketFlows, b.CashAdjustments, b.NonCashAdjustments,
				b.FlowsFactor)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("ReplaceBalances: copy %s: %w", b.Date, mapError(err))
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("ReplaceBalances: flush copy: %w", mapError(err))
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("ReplaceBalances: close copy: %w", mapError(err))
		}
		return nil
	})
}

func (s *Store) GetBalance(ctx context.Context, accountID string, date civil.Date, currency string) (*domain.Balance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx, balanceSelect+`
		WHERE account_id = $1 AND date = $2 AND currency = $3
	`, accountID, dateValue(date), currency))
	if err != nil {
		return nil, fmt.Errorf("GetBalance %s %s %s: %w", accountID, date, currency, mapError(err))
	}
	return &b, nil
}

// ListBalances returns every currency when currency is empty.
func (s *Store) ListBalances(ctx context.Context, accountID, currency string, start, end civil.Date) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx, balanceSelect+`
		WHERE account_id = $1 AND ($2::text = '' OR currency = $2::text) AND date BETWEEN $3 AND $4
		ORDER BY date, currency
	`, accountID, currency, dateValue(start), dateValue(end))
	if err != nil {
		return nil, fmt.Errorf("ListBalances: %w", err)
	}
	defer rows.Close()

	var result []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("ListBalances: scan: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) PurgeBalances(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM balances WHERE account_id = $1 AND (date < $2 OR date > $3)`,
		accountID, dateValue(keepStart), dateValue(keepEnd))
	if err != nil {
		return 0, fmt.Errorf("PurgeBalances: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ReplaceHoldings(ctx context.Context, accountID string, start, end civil.Date, holdings []domain.Holding) error {
	if err := domain.ValidateHoldings(holdings); err != nil {
		return fmt.Errorf("ReplaceHoldings: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE account_id = $1 AND date BETWEEN $2 AND $3`,
			accountID, dateValue(start), dateValue(end)); err != nil {
			return fmt.Errorf("ReplaceHoldings: delete window: %w", err)
		}
		if len(holdings) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("holdings",
			"account_id", "security_id", "date", "qty", "price", "amount", "currency"))
		if err != nil {
			return fmt.Errorf("ReplaceHoldings: prepare copy: %w", err)
		}
		defer stmt.Close()
		for _, h := range holdings {
			if _, err := stmt.ExecContext(ctx, h.AccountID, h.SecurityID, dateValue(h.Date), h.Qty, h.Price, h.Amount, h.Currency); err != nil {
				return fmt.Errorf("ReplaceHoldings: copy %s %s: %w", h.SecurityID, h.Date, mapError(err))
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("ReplaceHoldings: flush copy: %w", mapError(err))
		}
		return nil
	})
}

func (s *Store) ListHoldings(ctx context.Context, accountID string, start, end civil.Date) ([]domain.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, security_id, date, qty, price, amount, currency FROM holdings
		WHERE account_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, security_id
	`, accountID, dateValue(start), dateValue(end))
	if err != nil {
		return nil, fmt.Errorf("ListHoldings: %w", err)
	}
	defer rows.Close()

	var result []domain.Holding
	for rows.Next() {
		var (
			h    domain.Holding
			date sql.NullTime
		)
		if err := rows.Scan(&h.AccountID, &h.SecurityID, &date, &h.Qty, &h.Price, &h.Amount, &h.Currency); err != nil {
			return nil, fmt.Errorf("ListHoldings: scan: %w", err)
		}
		h.Date = *datePtr(date)
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *Store) PurgeHoldings(ctx context.Context, accountID string, keepStart, keepEnd civil.Date) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM holdings WHERE account_id = $1 AND (date < $2 OR date > $3)`,
		accountID, dateValue(keepStart), dateValue(keepEnd))
	if err != nil {
		return 0, fmt.Errorf("PurgeHoldings: %w", err)
	}
	return res.RowsAffected()
}
