package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/shopspring/decimal"
)

// DemoFamilyID is the family written by SeedDemo.
const DemoFamilyID = "demo"

// demoDays is how far back the demo history starts.
const demoDays = 30

// SeedDemo writes a small USD family with a checking, a EUR savings, a
// brokerage and a credit card account, plus cached EUR/USD rates and AAPL
// prices so it syncs without a market data provider.
func SeedDemo(ctx context.Context, st store.Store, today civil.Date) error {
	start := today.AddDays(-demoDays)
	dec := decimal.RequireFromString

	if err := st.SaveFamily(ctx, domain.Family{ID: DemoFamilyID, Name: "Demo family", Currency: "USD"}); err != nil {
		return fmt.Errorf("SeedDemo: %w", err)
	}
	accounts := []domain.Account{
		{ID: "demo-checking", FamilyID: DemoFamilyID, Name: "Checking", Currency: "USD", Kind: domain.KindDepository},
		{ID: "demo-savings-eur", FamilyID: DemoFamilyID, Name: "Savings (EUR)", Currency: "EUR", Kind: domain.KindDepository},
		{ID: "demo-brokerage", FamilyID: DemoFamilyID, Name: "Brokerage", Currency: "USD", Kind: domain.KindInvestment},
		{ID: "demo-card", FamilyID: DemoFamilyID, Name: "Credit card", Currency: "USD", Kind: domain.KindCreditCard},
	}
	for _, a := range accounts {
		if err := st.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("SeedDemo: %w", err)
		}
	}
	if err := st.SaveSecurity(ctx, domain.Security{ID: "demo-aapl", Ticker: "AAPL", Name: "Apple Inc.", ExchangeOperatingMIC: "XNAS", Currency: "USD"}); err != nil {
		return fmt.Errorf("SeedDemo: %w", err)
	}

	opening := domain.Valuation{Kind: domain.ValuationOpeningAnchor}
	entry := func(id, account string, offset int, amount, currency, name string, e domain.Entryable) domain.Entry {
		return domain.Entry{
			ID: id, AccountID: account, Date: start.AddDays(offset),
			Amount: dec(amount), Currency: currency, Name: name, Entryable: e,
		}
	}
	entries := []domain.Entry{
		entry("demo-e1", "demo-checking", 0, "2500", "USD", "Opening balance", opening),
		entry("demo-e2", "demo-checking", 3, "-3200", "USD", "Salary", domain.Transaction{Kind: domain.TransactionStandard}),
		entry("demo-e3", "demo-checking", 5, "1450", "USD", "Rent", domain.Transaction{Kind: domain.TransactionStandard}),
		entry("demo-e4", "demo-checking", 12, "84.20", "USD", "Groceries", domain.Transaction{Kind: domain.TransactionStandard}),
		entry("demo-e5", "demo-checking", 20, "4100", "USD", "Reconciled with bank", domain.Valuation{Kind: domain.ValuationReconciliation}),

		entry("demo-e6", "demo-savings-eur", 0, "10000", "EUR", "Opening balance", opening),
		entry("demo-e7", "demo-savings-eur", 15, "-12.50", "EUR", "Interest", domain.Transaction{Kind: domain.TransactionInterest}),

		entry("demo-e8", "demo-brokerage", 0, "5000", "USD", "Opening balance", opening),
		entry("demo-e9", "demo-brokerage", 2, "1800", "USD", "Buy AAPL", domain.Trade{SecurityID: "demo-aapl", Qty: dec("10"), Price: dec("180"), Currency: "USD"}),
		entry("demo-e10", "demo-brokerage", 9, "-9.50", "USD", "AAPL dividend", domain.Transaction{Kind: domain.TransactionDividend}),

		entry("demo-e11", "demo-card", 0, "0", "USD", "Opening balance", opening),
		entry("demo-e12", "demo-card", 6, "120", "USD", "Dinner", domain.Transaction{Kind: domain.TransactionStandard}),
		entry("demo-e13", "demo-card", 25, "-120", "USD", "Card payment", domain.Transaction{Kind: domain.TransactionTransfer}),
	}
	if err := st.SaveEntries(ctx, entries); err != nil {
		return fmt.Errorf("SeedDemo: %w", err)
	}

	// A gentle drift keeps the converted series and market flows non-trivial.
	var (
		rates  []domain.ExchangeRate
		prices []domain.SecurityPrice
	)
	for i := 0; i <= demoDays; i++ {
		d := start.AddDays(i)
		rates = append(rates, domain.ExchangeRate{From: "EUR", To: "USD", Date: d, Rate: dec("1.08").Add(decimal.New(int64(i), -3))})
		prices = append(prices, domain.SecurityPrice{SecurityID: "demo-aapl", Date: d, Currency: "USD", Price: dec("180").Add(decimal.NewFromInt(int64(i % 7)))})
	}
	if err := st.UpsertRates(ctx, rates); err != nil {
		return fmt.Errorf("SeedDemo: %w", err)
	}
	if err := st.UpsertPrices(ctx, prices); err != nil {
		return fmt.Errorf("SeedDemo: %w", err)
	}
	return nil
}
