// Package export writes an account's stored balance history as JSON lines
// to object storage.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/report"
)

// ErrNoBucket is returned when exports are not configured.
var ErrNoBucket = errors.New("no export bucket configured")

const contentType = "application/x-ndjson"

// Exporter uploads balance histories.
type Exporter struct {
	reporter *report.Reporter
	objects  ObjectStore
	bucket   string
}

// New returns an Exporter writing to bucket.
func New(reporter *report.Reporter, objects ObjectStore, bucket string) *Exporter {
	return &Exporter{reporter: reporter, objects: objects, bucket: bucket}
}

// ObjectName is where an export of the given range is written.
func ObjectName(accountID, currency string, start, end civil.Date) string {
	return fmt.Sprintf("balances/%s/%s/%s_%s.jsonl", accountID, currency, start, end)
}

// ExportAccount uploads one JSON object per stored day and returns the
// object's gs:// URI and the number of rows written.
func (e *Exporter) ExportAccount(ctx context.Context, accountID, currency string, start, end civil.Date) (string, int, error) {
	if e.bucket == "" {
		return "", 0, ErrNoBucket
	}
	history, err := e.reporter.AccountHistory(ctx, accountID, currency, start, end)
	if err != nil {
		return "", 0, fmt.Errorf("ExportAccount: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range history.Entries {
		if err := enc.Encode(row); err != nil {
			return "", 0, fmt.Errorf("ExportAccount: encode %s: %w", row.Date, err)
		}
	}

	object := ObjectName(accountID, history.Currency, start, end)
	if err := e.objects.Put(ctx, e.bucket, object, contentType, &buf); err != nil {
		return "", 0, fmt.Errorf("ExportAccount: upload: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", e.bucket, object)
	log := logger.FromContext(ctx)
	log.Info().
		Str("account_id", accountID).
		Str("uri", uri).
		Int("rows", len(history.Entries)).
		Msg("Exported balance history")
	return uri, len(history.Entries), nil
}

// ReadExport downloads and decodes an export written by ExportAccount.
func (e *Exporter) ReadExport(ctx context.Context, uri string) ([]domain.BalanceView, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := e.objects.Get(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("ReadExport: %w", err)
	}

	var rows []domain.BalanceView
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var row domain.BalanceView
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("ReadExport: line %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ReadExport: %w", err)
	}
	return rows, nil
}
