package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderlink/internal/domain/schema"
)

type stubSource struct {
	balances []schema.Balance
	err      error
}

func (s stubSource) Balances(context.Context) ([]schema.Balance, error) {
	return s.balances, s.err
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestReplaceDropsStaleAssets(t *testing.T) {
	ledger := NewLedger()
	ledger.Replace([]schema.Balance{
		{Asset: "btc", Available: d("1"), Total: d("1.5")},
		{Asset: "ETH", Available: d("10"), Total: d("10")},
	}, time.Unix(1, 0))

	if !ledger.Total("BTC").Equal(d("1.5")) {
		t.Fatalf("unexpected BTC total %s", ledger.Total("BTC"))
	}

	ledger.Replace([]schema.Balance{{Asset: "BTC", Available: d("2"), Total: d("2")}}, time.Unix(2, 0))
	if !ledger.Available("ETH").IsZero() {
		t.Fatalf("expected ETH to be dropped, got %s", ledger.Available("ETH"))
	}
	if got := ledger.Snapshot(); len(got) != 1 || got[0].Asset != "BTC" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestReplaceNormalisesValues(t *testing.T) {
	ledger := NewLedger()
	ledger.Replace([]schema.Balance{
		{Asset: "USD", Available: d("-5"), Total: d("3")},
		{Asset: "LTC", Available: d("4"), Total: d("1")},
		{Asset: "LTC", Available: d("1"), Total: d("1")},
		{Asset: " ", Available: d("1"), Total: d("1")},
	}, time.Unix(1, 0))

	if !ledger.Available("USD").IsZero() {
		t.Fatalf("negative available must clamp, got %s", ledger.Available("USD"))
	}
	if !ledger.Available("LTC").Equal(d("5")) || !ledger.Total("LTC").Equal(d("5")) {
		t.Fatalf("unexpected LTC %s/%s", ledger.Available("LTC"), ledger.Total("LTC"))
	}
	if len(ledger.Snapshot()) != 2 {
		t.Fatalf("blank assets must be ignored")
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	ledger := NewLedger()
	if ledger.Initialized() {
		t.Fatal("new ledger must not be initialized")
	}
	src := stubSource{balances: []schema.Balance{{Asset: "BTC", Available: d("1"), Total: d("1")}}}
	if err := ledger.Refresh(context.Background(), src, time.Unix(5, 0)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	boom := errors.New("boom")
	if err := ledger.Refresh(context.Background(), stubSource{err: boom}, time.Unix(6, 0)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if !ledger.Available("BTC").Equal(d("1")) || !ledger.RefreshedAt().Equal(time.Unix(5, 0)) {
		t.Fatal("failed refresh must not alter the ledger")
	}
}
