// Package balance walks an account's entries day by day and produces the
// persisted daily balance rows, decomposed into cash and non-cash parts.
package balance

import (
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/holding"
	"github.com/dvloznov/finance-ledger/internal/money"
	"github.com/shopspring/decimal"
)

// RateLookup returns units of to per unit of from on date.
type RateLookup interface {
	Rate(from, to string, date civil.Date) (decimal.Decimal, bool)
}

// Input describes one balance walk.
type Input struct {
	Account        domain.Account
	FamilyCurrency string
	Entries        []domain.Entry
	Holdings       []domain.Holding
	Rates          RateLookup
	Start          civil.Date
	End            civil.Date
	// Seed holds the persisted balances of Start-1 keyed by currency. When
	// set for the account currency, the walk continues from it instead of
	// from an opening anchor.
	Seed map[string]domain.Balance
}

// Result is the output of a walk. Warnings describe data that was skipped.
type Result struct {
	Balances []domain.Balance
	Warnings []string
}

type state struct {
	cash    decimal.Decimal
	nonCash decimal.Decimal
}

type dayEntries struct {
	entries   []converted
	valuation *decimal.Decimal
}

type converted struct {
	entry  domain.Entry
	amount decimal.Decimal
}

// Compute runs the walk. It returns an error only for invalid input; missing
// rates produce warnings and skipped rows.
func Compute(in Input) (Result, error) {
	if in.End.Before(in.Start) {
		return Result{}, fmt.Errorf("Compute: window end %s before start %s", in.End, in.Start)
	}
	if err := in.Account.Validate(); err != nil {
		return Result{}, fmt.Errorf("Compute: %w", err)
	}
	if err := domain.ValidateEntries(in.Account, in.Entries); err != nil {
		return Result{}, fmt.Errorf("Compute: %w", err)
	}
	rates := in.Rates
	if rates == nil {
		rates = noRates{}
	}

	c := &calculator{
		in:             in,
		rates:          rates,
		currency:       money.NormalizeCurrency(in.Account.Currency),
		kind:           in.Account.Kind.BalanceType(),
		factor:         decimal.NewFromInt(int64(in.Account.FlowsFactor())),
		skippedEntries: make(map[string]int),
		skippedRows:    make(map[string]int),
	}

	native := c.walk()
	result := Result{Balances: native}

	if in.Account.IsForeign(in.FamilyCurrency) {
		result.Balances = append(result.Balances, c.convert(native, money.NormalizeCurrency(in.FamilyCurrency))...)
	}
	result.Warnings = c.warnings()
	return result, nil
}

type calculator struct {
	in       Input
	rates    RateLookup
	currency string
	kind     domain.BalanceType
	factor   decimal.Decimal

	holdValues map[civil.Date]decimal.Decimal

	// Counts keyed by currency pair, e.g. "GBP->USD".
	skippedEntries  map[string]int
	skippedRows     map[string]int
	skippedHoldings int
}

func (c *calculator) walk() []domain.Balance {
	days := c.groupEntries()
	c.holdValues = c.holdingValues()

	prev := c.initialState()
	balances := make([]domain.Balance, 0, c.in.End.DaysSince(c.in.Start)+1)

	for d := c.in.Start; !d.After(c.in.End); d = d.AddDays(1) {
		b := domain.Balance{
			AccountID:           c.in.Account.ID,
			Date:                d,
			Currency:            c.currency,
			StartCashBalance:    prev.cash,
			StartNonCashBalance: prev.nonCash,
			FlowsFactor:         c.in.Account.FlowsFactor(),
		}

		today := days[d]
		if today != nil {
			for _, e := range today.entries {
				c.applyEntry(&b, e)
			}
		}

		if c.kind == domain.InvestmentBalance {
			// Non-cash ends at the holdings value; whatever the flows do not
			// explain is price movement.
			hv := c.holdValues[d]
			b.NetMarketFlows = hv.Sub(b.StartNonCashBalance).Sub(b.NonCashInflows).Add(b.NonCashOutflows)
		}

		if today != nil && today.valuation != nil {
			c.applyValuation(&b, *today.valuation)
		}

		balances = append(balances, b)
		prev = state{cash: b.EndCashBalance(), nonCash: b.EndNonCashBalance()}
	}
	return balances
}

// applyEntry books an entry's flows. Entry amounts are negative for inflows;
// for liabilities the balance effect is reversed.
func (c *calculator) applyEntry(b *domain.Balance, e converted) {
	effect := e.amount.Neg().Mul(c.factor)

	switch e.entry.Entryable.(type) {
	case domain.Transaction:
		if c.kind == domain.NonCashBalance {
			addFlow(&b.NonCashInflows, &b.NonCashOutflows, effect)
		} else {
			addFlow(&b.CashInflows, &b.CashOutflows, effect)
		}
	case domain.Trade:
		// Cash pays for the securities and the position grows by the same amount.
		addFlow(&b.CashInflows, &b.CashOutflows, effect)
		addFlow(&b.NonCashInflows, &b.NonCashOutflows, effect.Neg())
	}
}

func addFlow(in, out *decimal.Decimal, effect decimal.Decimal) {
	if effect.IsNegative() {
		*out = out.Add(effect.Neg())
		return
	}
	*in = in.Add(effect)
}

// applyValuation makes the end balance equal v exactly. The residual goes to
// one component according to the balance type.
func (c *calculator) applyValuation(b *domain.Balance, v decimal.Decimal) {
	residual := v.Sub(b.EndBalance())
	switch c.kind {
	case domain.CashBalance, domain.InvestmentBalance:
		b.CashAdjustments = b.CashAdjustments.Add(residual)
	case domain.NonCashBalance:
		b.NonCashAdjustments = b.NonCashAdjustments.Add(residual)
	}
}

func (c *calculator) initialState() state {
	if seed, ok := c.in.Seed[c.currency]; ok {
		return state{cash: seed.EndCashBalance(), nonCash: seed.EndNonCashBalance()}
	}

	var (
		anchor   *domain.Entry
		anchorAt civil.Date
	)
	for i := range c.in.Entries {
		e := c.in.Entries[i]
		v, ok := e.Entryable.(domain.Valuation)
		if !ok || v.Kind != domain.ValuationOpeningAnchor || e.Date.After(c.in.Start) {
			continue
		}
		if anchor == nil || e.Date.After(anchorAt) {
			anchor, anchorAt = &c.in.Entries[i], e.Date
		}
	}
	if anchor == nil {
		return state{cash: decimal.Zero, nonCash: decimal.Zero}
	}

	value, ok := c.toAccountCurrency(*anchor)
	if !ok {
		return state{cash: decimal.Zero, nonCash: decimal.Zero}
	}
	switch c.kind {
	case domain.NonCashBalance:
		return state{cash: decimal.Zero, nonCash: value}
	case domain.InvestmentBalance:
		hv := c.holdValues[c.in.Start.AddDays(-1)]
		return state{cash: value.Sub(hv), nonCash: hv}
	default:
		return state{cash: value, nonCash: decimal.Zero}
	}
}

func (c *calculator) groupEntries() map[civil.Date]*dayEntries {
	sorted := append([]domain.Entry(nil), c.in.Entries...)
	domain.SortEntries(sorted)

	days := make(map[civil.Date]*dayEntries)
	for _, e := range sorted {
		if e.Date.Before(c.in.Start) || e.Date.After(c.in.End) {
			continue
		}
		amount, ok := c.toAccountCurrency(e)
		if !ok {
			continue
		}
		de := days[e.Date]
		if de == nil {
			de = &dayEntries{}
			days[e.Date] = de
		}
		if _, isValuation := e.Entryable.(domain.Valuation); isValuation {
			v := amount
			de.valuation = &v
			continue
		}
		de.entries = append(de.entries, converted{entry: e, amount: amount})
	}
	return days
}

func (c *calculator) toAccountCurrency(e domain.Entry) (decimal.Decimal, bool) {
	cur := money.NormalizeCurrency(e.Currency)
	if cur == c.currency {
		return e.Amount, true
	}
	rate, ok := c.rates.Rate(cur, c.currency, e.Date)
	if !ok {
		c.skippedEntries[cur+"->"+c.currency]++
		return decimal.Zero, false
	}
	return money.New(e.Amount, cur).Convert(c.currency, rate).Rounded().Value, true
}

func (c *calculator) holdingValues() map[civil.Date]decimal.Decimal {
	if c.kind != domain.InvestmentBalance {
		return nil
	}
	values, skipped := holding.ValueByDate(c.in.Holdings, c.currency, func(from string, date civil.Date) (decimal.Decimal, bool) {
		return c.rates.Rate(from, c.currency, date)
	})
	c.skippedHoldings = len(skipped)
	return values
}

// convert re-expresses native rows in currency. Each day's components are
// converted at that day's rate and the start is chained from the previous
// converted row, so FX revaluation lands in the adjustments. Days without a
// rate produce no row.
func (c *calculator) convert(native []domain.Balance, currency string) []domain.Balance {
	var (
		out     []domain.Balance
		prev    *state
		missing int
	)
	if seed, ok := c.in.Seed[currency]; ok {
		prev = &state{cash: seed.EndCashBalance(), nonCash: seed.EndNonCashBalance()}
	}

	for _, b := range native {
		rate, ok := c.rates.Rate(c.currency, currency, b.Date)
		if !ok {
			missing++
			prev = nil
			continue
		}
		conv := func(v decimal.Decimal) decimal.Decimal {
			return money.New(v, c.currency).Convert(currency, rate).Rounded().Value
		}

		fb := domain.Balance{
			AccountID:       b.AccountID,
			Date:            b.Date,
			Currency:        currency,
			CashInflows:     conv(b.CashInflows),
			CashOutflows:    conv(b.CashOutflows),
			NonCashInflows:  conv(b.NonCashInflows),
			NonCashOutflows: conv(b.NonCashOutflows),
			NetMarketFlows:  conv(b.NetMarketFlows),
			FlowsFactor:     b.FlowsFactor,
		}
		if prev != nil {
			fb.StartCashBalance, fb.StartNonCashBalance = prev.cash, prev.nonCash
		} else {
			fb.StartCashBalance, fb.StartNonCashBalance = conv(b.StartCashBalance), conv(b.StartNonCashBalance)
		}

		wantCash, wantNonCash := conv(b.EndCashBalance()), conv(b.EndNonCashBalance())
		fb.CashAdjustments = wantCash.Sub(fb.EndCashBalance())
		fb.NonCashAdjustments = wantNonCash.Sub(fb.EndNonCashBalance())

		out = append(out, fb)
		prev = &state{cash: wantCash, nonCash: wantNonCash}
	}
	if missing > 0 {
		c.skippedRows[c.currency+"->"+currency] += missing
	}
	return out
}

func (c *calculator) warnings() []string {
	var out []string
	for _, k := range sortedKeys(c.skippedEntries) {
		out = append(out, fmt.Sprintf("no %s exchange rate: skipped %d entry conversion(s)", k, c.skippedEntries[k]))
	}
	for _, k := range sortedKeys(c.skippedRows) {
		out = append(out, fmt.Sprintf("no %s exchange rate: skipped %d converted balance row(s)", k, c.skippedRows[k]))
	}
	if c.skippedHoldings > 0 {
		out = append(out, fmt.Sprintf("skipped %d holding row(s) without an exchange rate", c.skippedHoldings))
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type noRates struct{}

func (noRates) Rate(from, to string, date civil.Date) (decimal.Decimal, bool) {
	if money.NormalizeCurrency(from) == money.NormalizeCurrency(to) {
		return decimal.NewFromInt(1), true
	}
	return decimal.Zero, false
}
