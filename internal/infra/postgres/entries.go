package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// entryRow is the flattened form of an entry; the detail columns of the
// other entry kinds are NULL.
type entryRow struct {
	domain.Entry
	entryableType   string
	transactionKind sql.NullString
	valuationKind   sql.NullString
	securityID      sql.NullString
	qty             decimal.NullDecimal
	price           decimal.NullDecimal
	tradeCurrency   sql.NullString
}

func flattenEntry(e domain.Entry) (entryRow, error) {
	row := entryRow{Entry: e}
	switch v := e.Entryable.(type) {
	case domain.Transaction:
		row.entryableType = string(domain.EntryTransaction)
		row.transactionKind = nullString(string(v.Kind))
	case domain.Valuation:
		row.entryableType = string(domain.EntryValuation)
		row.valuationKind = nullString(string(v.Kind))
	case domain.Trade:
		row.entryableType = string(domain.EntryTrade)
		row.securityID = nullString(v.SecurityID)
		row.qty = decimal.NullDecimal{Decimal: v.Qty, Valid: true}
		row.price = decimal.NullDecimal{Decimal: v.Price, Valid: true}
		row.tradeCurrency = nullString(v.Currency)
	default:
		return entryRow{}, fmt.Errorf("entry %s: unknown entry type %T", e.ID, e.Entryable)
	}
	return row, nil
}

func (r entryRow) entry() (domain.Entry, error) {
	e := r.Entry
	switch domain.EntryKind(r.entryableType) {
	case domain.EntryTransaction:
		e.Entryable = domain.Transaction{Kind: domain.TransactionKind(r.transactionKind.String)}
	case domain.EntryValuation:
		e.Entryable = domain.Valuation{Kind: domain.ValuationKind(r.valuationKind.String)}
	case domain.EntryTrade:
		e.Entryable = domain.Trade{
			SecurityID: r.securityID.String,
			Qty:        r.qty.Decimal,
			Price:      r.price.Decimal,
			Currency:   r.tradeCurrency.String,
		}
	default:
		return domain.Entry{}, fmt.Errorf("entry %s: unknown entryable_type %q", e.ID, r.entryableType)
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, date, amount, currency, name, entryable_type,
		       transaction_kind, valuation_kind, security_id, qty, price, trade_currency
		FROM entries
		WHERE account_id = $1
		ORDER BY date, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	defer rows.Close()

	var result []domain.Entry
	for rows.Next() {
		var (
			r    entryRow
			date sql.NullTime
		)
		err := rows.Scan(&r.ID, &r.AccountID, &date, &r.Amount, &r.Currency, &r.Name, &r.entryableType,
			&r.transactionKind, &r.valuationKind, &r.securityID, &r.qty, &r.price, &r.tradeCurrency)
		if err != nil {
			return nil, fmt.Errorf("ListEntries: scan: %w", err)
		}
		r.Date = *datePtr(date)
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("ListEntries: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// SaveEntries upserts entries by id in one transaction.
func (s *Store) SaveEntries(ctx context.Context, entries []domain.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entries (id, account_id, date, amount, currency, name, entryable_type,
			                     transaction_kind, valuation_kind, security_id, qty, price, trade_currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				date = EXCLUDED.date,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				name = EXCLUDED.name,
				entryable_type = EXCLUDED.entryable_type,
				transaction_kind = EXCLUDED.transaction_kind,
				valuation_kind = EXCLUDED.valuation_kind,
				security_id = EXCLUDED.security_id,
				qty = EXCLUDED.qty,
				price = EXCLUDED.price,
				trade_currency = EXCLUDED.trade_currency
		`)
		if err != nil {
			return fmt.Errorf("SaveEntries: prepare: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if e.ID == "" {
				return fmt.Errorf("SaveEntries: %w", domain.ErrMissingID)
			}
			r, err := flattenEntry(e)
			if err != nil {
				return fmt.Errorf("SaveEntries: %w", err)
			}
			_, err = stmt.ExecContext(ctx, r.ID, r.AccountID, dateValue(r.Date), r.Amount, r.Currency, r.Name, r.entryableType,
				r.transactionKind, r.valuationKind, r.securityID, r.qty, r.price, r.tradeCurrency)
			if err != nil {
				return fmt.Errorf("SaveEntries %s: %w", e.ID, mapError(err))
			}
		}
		return nil
	})
}
