package config

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup(t *testing.T) {
	cfg, err := fromLookup(lookupFrom(map[string]string{
		"FINLEDGER_FAMILY_CURRENCY":  "NZD",
		"FINLEDGER_QUEUE_WORKERS":    "2",
		"FINLEDGER_PROVIDER_TIMEOUT": "3s",
		"EODHD_API_KEY":              "demo",
		"GCS_BUCKET":                 "exports",
	}))
	if err != nil {
		t.Fatalf("fromLookup() error = %v", err)
	}

	want := Default()
	want.FamilyCurrency = "NZD"
	want.QueueWorkers = 2
	want.ProviderTimeout = 3 * time.Second
	want.EODHDAPIKey = "demo"
	want.ExportBucket = "exports"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromLookupReportsBadValues(t *testing.T) {
	_, err := fromLookup(lookupFrom(map[string]string{
		"FINLEDGER_QUEUE_WORKERS":       "many",
		"FINLEDGER_PROVIDER_RATE_LIMIT": "fast",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"FINLEDGER_QUEUE_WORKERS", "FINLEDGER_PROVIDER_RATE_LIMIT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestRegisterFlagsOverrides(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)

	if err := fs.Parse([]string{"-family-currency", "GBP", "-port", "9090"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.FamilyCurrency != "GBP" || cfg.HTTPPort != "9090" {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown currency", mutate: func(c *Config) { c.FamilyCurrency = "XYZ" }, wantErr: "ISO 4217"},
		{name: "zero workers", mutate: func(c *Config) { c.QueueWorkers = 0 }, wantErr: "queue"},
		{name: "negative retries", mutate: func(c *Config) { c.ProviderRetries = -1 }, wantErr: "retries"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log level"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderPolicy(t *testing.T) {
	cfg := Default()
	cfg.ProviderTimeout = time.Second
	cfg.ProviderRetries = 1
	p := cfg.ProviderPolicy()
	if p.Timeout != time.Second || p.MaxRetries != 1 || p.Backoff <= 0 {
		t.Errorf("ProviderPolicy() = %+v", p)
	}
}
