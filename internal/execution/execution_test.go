package execution

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/models"
)

func TestOpenDeductsNotional(t *testing.T) {
	ex := NewDemoExecutor(1000, zerolog.Nop())

	fill, err := ex.OpenPosition(context.Background(), "BTCUSDT", models.SideLong, 2, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if fill.OrderID == "" {
		t.Error("fill must carry an order id")
	}
	if got := ex.Balance(); got != 800 {
		t.Errorf("balance = %v, want 800", got)
	}
}

func TestOpenRejectsInsufficientBalance(t *testing.T) {
	ex := NewDemoExecutor(100, zerolog.Nop())
	if _, err := ex.OpenPosition(context.Background(), "BTCUSDT", models.SideLong, 2, 100); err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if got := ex.Balance(); got != 100 {
		t.Errorf("failed open must not move the balance, got %v", got)
	}
}

func TestLongRoundTripRealizesPnL(t *testing.T) {
	ex := NewDemoExecutor(1000, zerolog.Nop())
	fill, err := ex.OpenPosition(context.Background(), "BTCUSDT", models.SideLong, 2, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := ex.ClosePosition(context.Background(), fill.OrderID, "BTCUSDT", models.SideLong, 2, 110); err != nil {
		t.Fatalf("close: %v", err)
	}
	// 1000 - 200 entry + 220 exit = 1020
	if got := ex.Balance(); math.Abs(got-1020) > 1e-9 {
		t.Errorf("balance = %v, want 1020", got)
	}
}

func TestShortRoundTripRealizesPnL(t *testing.T) {
	ex := NewDemoExecutor(1000, zerolog.Nop())
	fill, err := ex.OpenPosition(context.Background(), "ETHUSDT", models.SideShort, 2, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Short from 100 to 90: +10/unit on 2 units.
	if _, err := ex.ClosePosition(context.Background(), fill.OrderID, "ETHUSDT", models.SideShort, 2, 90); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := ex.Balance(); math.Abs(got-1020) > 1e-9 {
		t.Errorf("balance = %v, want 1020", got)
	}
}

func TestPartialClosesAccumulate(t *testing.T) {
	ex := NewDemoExecutor(1000, zerolog.Nop())
	fill, err := ex.OpenPosition(context.Background(), "BTCUSDT", models.SideLong, 2, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := context.Background()
	if _, err := ex.ClosePosition(ctx, fill.OrderID, "BTCUSDT", models.SideLong, 1, 103); err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if _, err := ex.ClosePosition(ctx, fill.OrderID, "BTCUSDT", models.SideLong, 1, 100); err != nil {
		t.Fatalf("final close: %v", err)
	}
	// 1000 - 200 + 103 + 100 = 1003
	if got := ex.Balance(); math.Abs(got-1003) > 1e-9 {
		t.Errorf("balance = %v, want 1003", got)
	}
}

func TestCloseRejectsBadArgs(t *testing.T) {
	ex := NewDemoExecutor(1000, zerolog.Nop())
	if _, err := ex.ClosePosition(context.Background(), "x", "BTCUSDT", models.SideLong, 0, 100); err == nil {
		t.Error("expected error for zero qty")
	}
	if _, err := ex.ClosePosition(context.Background(), "x", "BTCUSDT", models.SideLong, 1, -5); err == nil {
		t.Error("expected error for negative price")
	}
}
