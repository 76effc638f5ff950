package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
)

func scanRate(row interface{ Scan(...any) error }) (domain.ExchangeRate, error) {
	var (
		r    domain.ExchangeRate
		date sql.NullTime
	)
	if err := row.Scan(&r.From, &r.To, &date, &r.Rate); err != nil {
		return domain.ExchangeRate{}, err
	}
	r.Date = *datePtr(date)
	return r, nil
}

func (s *Store) GetRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error) {
	r, err := scanRate(s.db.QueryRowContext(ctx, `
		SELECT from_currency, to_currency, date, rate FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND date = $3
	`, from, to, dateValue(date)))
	if err != nil {
		return nil, fmt.Errorf("GetRate %s%s %s: %w", from, to, date, mapError(err))
	}
	return &r, nil
}

func (s *Store) LatestRate(ctx context.Context, from, to string, date civil.Date) (*domain.ExchangeRate, error) {
	r, err := scanRate(s.db.QueryRowContext(ctx, `
		SELECT from_currency, to_currency, date, rate FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND date <= $3
		ORDER BY date DESC
		LIMIT 1
	`, from, to, dateValue(date)))
	if err != nil {
		return nil, fmt.Errorf("LatestRate %s%s %s: %w", from, to, date, mapError(err))
	}
	return &r, nil
}

func (s *Store) ListRates(ctx context.Context, from, to string, start, end civil.Date) ([]domain.ExchangeRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_currency, to_currency, date, rate FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND date BETWEEN $3 AND $4
		ORDER BY date
	`, from, to, dateValue(start), dateValue(end))
	if err != nil {
		return nil, fmt.Errorf("ListRates: %w", err)
	}
	defer rows.Close()

	var result []domain.ExchangeRate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRates: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpsertRates writes rates keyed by (from, to, date); the last writer wins.
func (s *Store) UpsertRates(ctx context.Context, rates []domain.ExchangeRate) error {
	if len(rates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO exchange_rates (from_currency, to_currency, date, rate)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (from_currency, to_currency, date) DO UPDATE SET rate = EXCLUDED.rate
		`)
		if err != nil {
			return fmt.Errorf("UpsertRates: prepare: %w", err)
		}
		defer stmt.Close()
		for _, r := range rates {
			if _, err := stmt.ExecContext(ctx, r.From, r.To, dateValue(r.Date), r.Rate); err != nil {
				return fmt.Errorf("UpsertRates %s%s %s: %w", r.From, r.To, r.Date, mapError(err))
			}
		}
		return nil
	})
}

func scanPrice(row interface{ Scan(...any) error }) (domain.SecurityPrice, error) {
	var (
		p    domain.SecurityPrice
		date sql.NullTime
	)
	if err := row.Scan(&p.SecurityID, &date, &p.Currency, &p.Price); err != nil {
		return domain.SecurityPrice{}, err
	}
	p.Date = *datePtr(date)
	return p, nil
}

func (s *Store) GetPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error) {
	p, err := scanPrice(s.db.QueryRowContext(ctx, `
		SELECT security_id, date, currency, price FROM security_prices
		WHERE security_id = $1 AND date = $2
		ORDER BY currency
		LIMIT 1
	`, securityID, dateValue(date)))
	if err != nil {
		return nil, fmt.Errorf("GetPrice %s %s: %w", securityID, date, mapError(err))
	}
	return &p, nil
}

func (s *Store) LatestPrice(ctx context.Context, securityID string, date civil.Date) (*domain.SecurityPrice, error) {
	p, err := scanPrice(s.db.QueryRowContext(ctx, `
		SELECT security_id, date, currency, price FROM security_prices
		WHERE security_id = $1 AND date <= $2
		ORDER BY date DESC, currency
		LIMIT 1
	`, securityID, dateValue(date)))
	if err != nil {
		return nil, fmt.Errorf("LatestPrice %s %s: %w", securityID, date, mapError(err))
	}
	return &p, nil
}

func (s *Store) ListPrices(ctx context.Context, securityID string, start, end civil.Date) ([]domain.SecurityPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT security_id, date, currency, price FROM security_prices
		WHERE security_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, currency
	`, securityID, dateValue(start), dateValue(end))
	if err != nil {
		return nil, fmt.Errorf("ListPrices: %w", err)
	}
	defer rows.Close()

	var result []domain.SecurityPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPrices: scan: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpsertPrices writes prices keyed by (security, date, currency).
func (s *Store) UpsertPrices(ctx context.Context, prices []domain.SecurityPrice) error {
	if len(prices) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO security_prices (security_id, date, currency, price)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (security_id, date, currency) DO UPDATE SET price = EXCLUDED.price
		`)
		if err != nil {
			return fmt.Errorf("UpsertPrices: prepare: %w", err)
		}
		defer stmt.Close()
		for _, p := range prices {
			if _, err := stmt.ExecContext(ctx, p.SecurityID, dateValue(p.Date), p.Currency, p.Price); err != nil {
				return fmt.Errorf("UpsertPrices %s %s: %w", p.SecurityID, p.Date, mapError(err))
			}
		}
		return nil
	})
}
