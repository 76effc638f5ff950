package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvloznov/finance-ledger/internal/domain"
)

func (s *Store) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	var f domain.Family
	err := s.db.QueryRowContext(ctx, `SELECT id, name, currency FROM families WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Currency)
	if err != nil {
		return nil, fmt.Errorf("GetFamily %s: %w", id, mapError(err))
	}
	return &f, nil
}

func (s *Store) SaveFamily(ctx context.Context, f domain.Family) error {
	if f.ID == "" {
		return fmt.Errorf("SaveFamily: %w", domain.ErrMissingID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO families (id, name, currency) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, currency = EXCLUDED.currency
	`, f.ID, f.Name, f.Currency)
	if err != nil {
		return fmt.Errorf("SaveFamily %s: %w", f.ID, mapError(err))
	}
	return nil
}

const accountColumns = `id, family_id, name, currency, kind, start_date, created_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var (
		a     domain.Account
		start sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.FamilyID, &a.Name, &a.Currency, &a.Kind, &start, &a.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	a.StartDate = datePtr(start)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("GetAccount %s: %w", id, mapError(err))
	}
	return &a, nil
}

// ListAccounts returns every account when familyID is empty.
func (s *Store) ListAccounts(ctx context.Context, familyID string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE $1 = '' OR family_id = $1
		ORDER BY id
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	defer rows.Close()

	var result []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAccounts: scan: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, family_id, name, currency, kind, start_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			family_id = EXCLUDED.family_id,
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			kind = EXCLUDED.kind,
			start_date = EXCLUDED.start_date
	`, a.ID, a.FamilyID, a.Name, a.Currency, string(a.Kind), nullDate(a.StartDate), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("SaveAccount %s: %w", a.ID, mapError(err))
	}
	return nil
}

func (s *Store) GetSecurity(ctx context.Context, id string) (*domain.Security, error) {
	var sec domain.Security
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ticker, name, exchange_operating_mic, currency, cash FROM securities WHERE id = $1
	`, id).Scan(&sec.ID, &sec.Ticker, &sec.Name, &sec.ExchangeOperatingMIC, &sec.Currency, &sec.Cash)
	if err != nil {
		return nil, fmt.Errorf("GetSecurity %s: %w", id, mapError(err))
	}
	return &sec, nil
}

func (s *Store) SaveSecurity(ctx context.Context, sec domain.Security) error {
	if sec.ID == "" {
		return fmt.Errorf("SaveSecurity: %w", domain.ErrMissingID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO securities (id, ticker, name, exchange_operating_mic, currency, cash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			ticker = EXCLUDED.ticker,
			name = EXCLUDED.name,
			exchange_operating_mic = EXCLUDED.exchange_operating_mic,
			currency = EXCLUDED.currency,
			cash = EXCLUDED.cash
	`, sec.ID, sec.Ticker, sec.Name, sec.ExchangeOperatingMIC, sec.Currency, sec.Cash)
	if err != nil {
		return fmt.Errorf("SaveSecurity %s: %w", sec.ID, mapError(err))
	}
	return nil
}
