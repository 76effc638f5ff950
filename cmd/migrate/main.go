package main

import (
	"context"
	"flag"
	"log"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-ledger/internal/infra/postgres"
)

var (
	target      = flag.String("target", "postgres", "Migration target: postgres or bigquery")
	postgresDSN = flag.String("postgres-dsn", os.Getenv("FINLEDGER_POSTGRES_DSN"), "Postgres connection string (or set FINLEDGER_POSTGRES_DSN)")
	projectID   = flag.String("project", os.Getenv("FINLEDGER_BIGQUERY_PROJECT"), "GCP project ID for the bigquery target")
	datasetID   = flag.String("dataset", "finance_ledger", "BigQuery dataset ID")
	appliedBy   = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	dir         = flag.String("migrations", "", "Path to migrations directory (default migrations/<target>)")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	var (
		r    runner
		vars map[string]string
	)
	switch *target {
	case "postgres":
		if *postgresDSN == "" {
			log.Fatal("Error: -postgres-dsn flag is required for the postgres target.")
		}
		store, err := postgres.Open(ctx, *postgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer store.Close()
		r = &postgresRunner{db: store.DB()}
		log.Printf("Connected to Postgres")

	case "bigquery":
		if *projectID == "" {
			log.Fatal("Error: -project flag is required. Please specify your GCP project ID.")
		}
		client, err := bigquery.NewClient(ctx, *projectID)
		if err != nil {
			log.Fatalf("Failed to create BigQuery client: %v", err)
		}
		defer client.Close()
		r = &bigQueryRunner{client: client, projectID: *projectID, datasetID: *datasetID}
		vars = map[string]string{"PROJECT_ID": *projectID, "DATASET_ID": *datasetID}
		log.Printf("Connected to BigQuery project: %s, dataset: %s", *projectID, *datasetID)

	default:
		log.Fatalf("Error: unknown target %q, want postgres or bigquery", *target)
	}

	path := *dir
	if path == "" {
		path = "migrations/" + *target
	}
	resolved, err := resolveDir(path)
	if err != nil {
		log.Fatal(err)
	}
	migrations, err := readMigrations(resolved, vars)
	if err != nil {
		log.Fatalf("Failed to read migrations: %v", err)
	}
	log.Printf("Found %d migration files", len(migrations))

	applied, err := migrate(ctx, r, migrations, *appliedBy)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if applied == 0 {
		log.Println("No new migrations to apply. Database is up to date.")
	} else {
		log.Printf("Successfully applied %d migration(s)", applied)
	}
}
