package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithFormat(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			for _, format := range []string{FormatConsole, FormatJSON} {
				if got := NewWithFormat(tt.level, format).GetLevel(); got != tt.want {
					t.Errorf("NewWithFormat(%q, %q).GetLevel() = %v, want %v", tt.level, format, got, tt.want)
				}
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	log := FromContext(ctx)
	log.Info().Msg("balance walk finished")

	if !strings.Contains(buf.String(), "balance walk finished") {
		t.Errorf("Expected message from the context logger, got: %s", buf.String())
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected default logger to be enabled")
	}
}

func TestWithJob(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithJob(WithContext(context.Background(), NewWithWriter(buf)), "job-1", "sync_account", 2)

	l := FromContext(ctx)
	l.Warn().Msg("retrying")

	output := buf.String()
	for _, want := range []string{`"job_id":"job-1"`, `"job_type":"sync_account"`, `"attempt":2`, `"level":"warn"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}
}

func TestWithSync(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))
	ctx = WithSync(ctx, "sync-1", "Account", "acc-1")

	l := FromContext(ctx)
	l.Info().Msg("started")

	output := buf.String()
	for _, want := range []string{`"sync_id":"sync-1"`, `"syncable_type":"Account"`, `"syncable_id":"acc-1"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}
}
