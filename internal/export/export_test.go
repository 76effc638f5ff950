package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/report"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
	"github.com/shopspring/decimal"
)

type memObjects struct {
	objects map[string][]byte
	putErr  error
}

func (m *memObjects) Put(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+object] = data
	return nil
}

func (m *memObjects) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	data, ok := m.objects[bucket+"/"+object]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, object)
	}
	return data, nil
}

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seeded(t *testing.T) *inmemory.Store {
	t.Helper()
	ctx := context.Background()
	st := inmemory.New()
	_ = st.SaveFamily(ctx, domain.Family{ID: "fam", Currency: "USD"})
	_ = st.SaveAccount(ctx, domain.Account{ID: "chk", FamilyID: "fam", Currency: "USD", Kind: domain.KindDepository})
	rows := []domain.Balance{
		{AccountID: "chk", Date: day("2024-01-01"), Currency: "USD", StartCashBalance: decimal.RequireFromString("100"), FlowsFactor: 1},
		{AccountID: "chk", Date: day("2024-01-02"), Currency: "USD", StartCashBalance: decimal.RequireFromString("100"), CashOutflows: decimal.RequireFromString("15.5"), FlowsFactor: 1},
	}
	if err := st.ReplaceBalances(ctx, "chk", day("2024-01-01"), day("2024-01-02"), rows); err != nil {
		t.Fatalf("ReplaceBalances() error = %v", err)
	}
	return st
}

func TestExportAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := &memObjects{objects: map[string][]byte{}}
	e := New(report.New(seeded(t)), objects, "exports")

	uri, n, err := e.ExportAccount(ctx, "chk", "", day("2024-01-01"), day("2024-01-31"))
	if err != nil {
		t.Fatalf("ExportAccount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if want := "gs://exports/balances/chk/USD/2024-01-01_2024-01-31.jsonl"; uri != want {
		t.Errorf("uri = %q, want %q", uri, want)
	}

	data := objects.objects["exports/balances/chk/USD/2024-01-01_2024-01-31.jsonl"]
	if bytes.Count(data, []byte("\n")) != 2 {
		t.Errorf("expected two JSON lines, got %q", data)
	}

	rows, err := e.ReadExport(ctx, uri)
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if len(rows) != 2 || rows[1].Date != day("2024-01-02") {
		t.Fatalf("ReadExport() = %+v", rows)
	}
	if !rows[1].EndBalance.Equal(decimal.RequireFromString("84.5")) {
		t.Errorf("end balance = %s, want 84.5", rows[1].EndBalance)
	}
}

func TestExportAccountErrors(t *testing.T) {
	ctx := context.Background()
	st := seeded(t)

	if _, _, err := New(report.New(st), &memObjects{}, "").ExportAccount(ctx, "chk", "", day("2024-01-01"), day("2024-01-02")); !errors.Is(err, ErrNoBucket) {
		t.Errorf("error = %v, want ErrNoBucket", err)
	}

	failing := &memObjects{objects: map[string][]byte{}, putErr: errors.New("permission denied")}
	if _, _, err := New(report.New(st), failing, "exports").ExportAccount(ctx, "chk", "", day("2024-01-01"), day("2024-01-02")); err == nil {
		t.Error("expected upload error")
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{uri: "gs://bucket/a/b.jsonl", bucket: "bucket", object: "a/b.jsonl"},
		{uri: "s3://bucket/a", wantErr: true},
		{uri: "gs://bucket", wantErr: true},
		{uri: "gs://bucket/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if bucket != tt.bucket || object != tt.object {
				t.Errorf("ParseURI() = %q, %q", bucket, object)
			}
		})
	}
}
