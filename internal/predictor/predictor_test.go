package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirsofali3/TB/internal/models"
)

func candlesWithCloses(closes []float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = models.Candle{
			Symbol:   "BTCUSDT",
			OpenTime: base.Add(time.Duration(i) * 4 * time.Hour),
			Open:     c, High: c * 1.001, Low: c * 0.999, Close: c,
			Volume: 1000,
		}
	}
	return out
}

func trendingCloses(n int, start, step float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + float64(i)*step
	}
	return closes
}

func TestRuleBasedUptrendLeansBuy(t *testing.T) {
	p := NewRuleBased()
	pred, err := p.Predict(context.Background(), "BTCUSDT", candlesWithCloses(trendingCloses(30, 100, 0.5)))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Probability <= 0.5 {
		t.Errorf("uptrend probability = %v, want > 0.5", pred.Probability)
	}
	if pred.Confidence <= 0 || pred.Confidence > 1 {
		t.Errorf("confidence %v out of (0,1]", pred.Confidence)
	}
	if pred.ModelVersion == "" {
		t.Error("model version must be set")
	}
}

func TestRuleBasedDowntrendLeansSell(t *testing.T) {
	p := NewRuleBased()
	pred, err := p.Predict(context.Background(), "BTCUSDT", candlesWithCloses(trendingCloses(30, 100, -0.5)))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Probability >= 0.5 {
		t.Errorf("downtrend probability = %v, want < 0.5", pred.Probability)
	}
}

func TestRuleBasedRejectsShortHistory(t *testing.T) {
	p := NewRuleBased()
	_, err := p.Predict(context.Background(), "BTCUSDT", candlesWithCloses(trendingCloses(5, 100, 1)))
	if err == nil {
		t.Fatal("expected error for insufficient candles")
	}
}

func TestRuleBasedHonorsCancelledContext(t *testing.T) {
	p := NewRuleBased()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Predict(ctx, "BTCUSDT", candlesWithCloses(trendingCloses(30, 100, 0.5)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEnsembleAveragesMembers(t *testing.T) {
	e := NewEnsemble(NewMock(0.8, 0.9), NewMock(0.6, 0.7))
	pred, err := e.Predict(context.Background(), "ETHUSDT", nil)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Probability != 0.7 {
		t.Errorf("probability = %v, want 0.7", pred.Probability)
	}
	if pred.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", pred.Confidence)
	}
}

func TestEnsembleSurvivesPartialFailure(t *testing.T) {
	broken := &Mock{Err: errors.New("model offline")}
	e := NewEnsemble(broken, NewMock(0.6, 0.7))
	pred, err := e.Predict(context.Background(), "ETHUSDT", nil)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Probability != 0.6 {
		t.Errorf("probability = %v, want 0.6 from surviving member", pred.Probability)
	}

	allBroken := NewEnsemble(broken, &Mock{Err: errors.New("also offline")})
	if _, err := allBroken.Predict(context.Background(), "ETHUSDT", nil); err == nil {
		t.Error("expected error when every member fails")
	}
}

func TestNewSelectsKind(t *testing.T) {
	for _, kind := range []string{"rule", "ensemble", "mock"} {
		if _, err := New(kind); err != nil {
			t.Errorf("New(%q): %v", kind, err)
		}
	}
	if _, err := New("xgboost"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
