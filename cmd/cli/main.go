package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/app"
	"github.com/dvloznov/finance-ledger/internal/config"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		runSync()
	case "balances":
		runBalances()
	case "net-worth":
		runNetWorth()
	case "export":
		runExport()
	case "seed-demo":
		runSeedDemo()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  sync       Recompute balances of an account or a family")
	fmt.Println("  balances   Print the daily balances of an account")
	fmt.Println("  net-worth  Print a family's net worth series")
	fmt.Println("  export     Export an account's balances to GCS as JSON lines")
	fmt.Println("  seed-demo  Write a demo family with entries and cached market data")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nWithout -postgres-dsn the store lives in memory and is lost on exit;")
	fmt.Println("pass -demo to seed the demo family first.")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// command holds what every subcommand shares: the config flags and the
// optional in-process demo seed.
type command struct {
	fs   *flag.FlagSet
	cfg  config.Config
	demo bool
}

func newCommand(name string) *command {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	c := &command{fs: flag.NewFlagSet(name, flag.ExitOnError), cfg: cfg}
	c.cfg.RegisterFlags(c.fs)
	c.fs.BoolVar(&c.demo, "demo", false, "Seed the demo family before running")
	return c
}

// build parses the flags and wires the application.
func (c *command) build(ctx context.Context) (context.Context, *app.App, zerolog.Logger) {
	c.fs.Parse(os.Args[2:])
	log := logger.NewWithFormat(c.cfg.LogLevel, c.cfg.LogFormat)
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, c.cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	if c.demo {
		if err := app.SeedDemo(ctx, a.Store, civil.DateOf(time.Now())); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo data")
		}
	}
	return ctx, a, log
}

func parseOptionalDate(log zerolog.Logger, name, s string) *civil.Date {
	if s == "" {
		return nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		log.Fatal().Err(err).Str("flag", name).Msg("Invalid date, want YYYY-MM-DD")
	}
	return &d
}

// dateRange defaults to the last 30 days.
func dateRange(log zerolog.Logger, startStr, endStr string) (civil.Date, civil.Date) {
	end := civil.DateOf(time.Now())
	if d := parseOptionalDate(log, "end", endStr); d != nil {
		end = *d
	}
	start := end.AddDays(-30)
	if d := parseOptionalDate(log, "start", startStr); d != nil {
		start = *d
	}
	return start, end
}

func runSync() {
	c := newCommand("sync")
	accountID := c.fs.String("account", "", "Account ID to sync")
	familyID := c.fs.String("family", "", "Family ID to sync (all accounts)")
	startStr := c.fs.String("start", "", "Incremental start date (YYYY-MM-DD); empty recomputes everything")
	ctx, a, log := c.build(context.Background())
	defer a.Close()

	var sy *domain.Sync
	switch {
	case *accountID != "":
		sy = a.Syncer.SyncAccount(ctx, *accountID, parseOptionalDate(log, "start", *startStr))
	case *familyID != "":
		sy = a.Syncer.SyncFamily(ctx, *familyID)
	default:
		log.Fatal().Msg("Usage: cli sync -account ID [-start DATE] | -family ID")
	}

	printSync(sy, "")
	if sy.Status == domain.SyncFailed {
		os.Exit(1)
	}
}

func printSync(sy *domain.Sync, indent string) {
	fmt.Printf("%s%s %s: %s\n", indent, sy.SyncableType, sy.SyncableID, sy.Status)
	if sy.WindowStart != nil && sy.WindowEnd != nil {
		fmt.Printf("%s  window:  %s .. %s\n", indent, sy.WindowStart, sy.WindowEnd)
	}
	if sy.Error != "" {
		fmt.Printf("%s  error:   %s\n", indent, sy.Error)
	}
	for _, w := range sy.Warnings {
		fmt.Printf("%s  warning: %s\n", indent, w)
	}
	for _, child := range sy.Children {
		printSync(child, indent+"  ")
	}
}

func runBalances() {
	c := newCommand("balances")
	accountID := c.fs.String("account", "", "Account ID")
	currency := c.fs.String("currency", "", "Currency (defaults to the account's)")
	startStr := c.fs.String("start", "", "First day (YYYY-MM-DD)")
	endStr := c.fs.String("end", "", "Last day (YYYY-MM-DD), defaults to today")
	asJSON := c.fs.Bool("json", false, "Print JSON instead of a table")
	ctx, a, log := c.build(context.Background())
	defer a.Close()

	if *accountID == "" {
		log.Fatal().Msg("Usage: cli balances -account ID [-currency CUR] [-start DATE] [-end DATE]")
	}
	if c.demo {
		a.Syncer.SyncAccount(ctx, *accountID, nil)
	}
	start, end := dateRange(log, *startStr, *endStr)

	history, err := a.Reporter.AccountHistory(ctx, *accountID, *currency, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load balances")
	}
	if *asJSON {
		printJSON(history)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "date\tstart\tcash in\tcash out\tnon-cash in\tnon-cash out\tmarket\tadjust\tend\t")
	for _, b := range history.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			b.Date, b.StartBalance.StringFixed(2),
			b.CashInflows.StringFixed(2), b.CashOutflows.StringFixed(2),
			b.NonCashInflows.StringFixed(2), b.NonCashOutflows.StringFixed(2),
			b.NetMarketFlows.StringFixed(2),
			b.CashAdjustments.Add(b.NonCashAdjustments).StringFixed(2),
			b.EndBalance.StringFixed(2))
	}
	w.Flush()
	fmt.Printf("\n%d rows in %s\n", len(history.Entries), history.Currency)
}

func runNetWorth() {
	c := newCommand("net-worth")
	familyID := c.fs.String("family", "", "Family ID")
	startStr := c.fs.String("start", "", "First day (YYYY-MM-DD)")
	endStr := c.fs.String("end", "", "Last day (YYYY-MM-DD), defaults to today")
	ctx, a, log := c.build(context.Background())
	defer a.Close()

	if *familyID == "" {
		log.Fatal().Msg("Usage: cli net-worth -family ID [-start DATE] [-end DATE]")
	}
	if c.demo {
		a.Syncer.SyncFamily(ctx, *familyID)
	}
	start, end := dateRange(log, *startStr, *endStr)

	nw, err := a.Reporter.NetWorth(ctx, *familyID, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compute net worth")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "date\tassets\tliabilities\tnet worth\t")
	for _, p := range nw.Points {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", p.Date, p.Assets.StringFixed(2), p.Liabilities.StringFixed(2), p.NetWorth.StringFixed(2))
	}
	w.Flush()
	fmt.Printf("\nNet worth: %s\n", nw.Display())
	if len(nw.Incomplete) > 0 {
		fmt.Printf("Accounts without %s balances: %v\n", nw.Currency, nw.Incomplete)
	}
}

func runExport() {
	c := newCommand("export")
	accountID := c.fs.String("account", "", "Account ID")
	currency := c.fs.String("currency", "", "Currency (defaults to the account's)")
	startStr := c.fs.String("start", "", "First day (YYYY-MM-DD)")
	endStr := c.fs.String("end", "", "Last day (YYYY-MM-DD), defaults to today")
	ctx, a, log := c.build(context.Background())
	defer a.Close()

	if *accountID == "" {
		log.Fatal().Msg("Usage: cli export -account ID -bucket NAME [-currency CUR] [-start DATE] [-end DATE]")
	}
	if a.Exporter == nil {
		log.Fatal().Msg("Error: -bucket (or GCS_BUCKET) is required for exports")
	}
	if c.demo {
		a.Syncer.SyncAccount(ctx, *accountID, nil)
	}
	start, end := dateRange(log, *startStr, *endStr)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	uri, rows, err := a.Exporter.ExportAccount(ctx, *accountID, *currency, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	fmt.Printf("Exported %d rows to %s\n", rows, uri)
}

func runSeedDemo() {
	c := newCommand("seed-demo")
	ctx, a, log := c.build(context.Background())
	defer a.Close()

	if !c.demo {
		if err := app.SeedDemo(ctx, a.Store, civil.DateOf(time.Now())); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo data")
		}
	}
	fmt.Printf("Seeded family %q. Run 'cli sync -family %s' next.\n", app.DemoFamilyID, app.DemoFamilyID)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
