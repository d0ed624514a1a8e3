package observability

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAggregateErrorsSkipsNil(t *testing.T) {
	rec := NewRecorder()
	if err := AggregateErrors(rec, "cancel_all", []error{nil, nil}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(rec.Entries()) != 0 {
		t.Fatalf("expected no log entries")
	}

	first := errors.New("first")
	err := AggregateErrors(rec, "cancel_all", []error{first, nil, errors.New("second")}, F("orders", 3))
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, first) {
		t.Fatalf("expected aggregated error to wrap first: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "cancel_all failed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !rec.Has("error", "operation errors") {
		t.Fatalf("expected error entry, got %+v", rec.Entries())
	}
}

func TestZapLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZap(zap.New(core)).Named("reconciler")

	logger.Warn("status fetch failed", F("client_order_id", "buy-ETHBTC-1"), Err(errors.New("boom")))
	logger.Debug("tick")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Level != zapcore.WarnLevel || first.LoggerName != "reconciler" {
		t.Fatalf("unexpected entry %+v", first)
	}
	ctx := first.ContextMap()
	if ctx["client_order_id"] != "buy-ETHBTC-1" || ctx["error"] != "boom" {
		t.Fatalf("unexpected fields %+v", ctx)
	}
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewZapLogger("loud"); err == nil {
		t.Fatal("expected level parse error")
	}
	logger, err := NewZapLogger("INFO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = logger.Sync()
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
	rec := NewRecorder()
	OrNop(rec).Info("hello")
	if rec.Count("info") != 1 {
		t.Fatal("expected recorder to be used")
	}
}
