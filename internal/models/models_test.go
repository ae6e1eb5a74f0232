package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSignalJSONRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	sig := Signal{
		ID:           "0f4a7c2e-9b1d-4e6f-8a3b-5c7d9e1f2a4b",
		Symbol:       "BTCUSDT",
		Direction:    DirectionBuy,
		Confidence:   0.82,
		Price:        87438.50,
		ModelVersion: "rule_v1",
		Status:       SignalActive,
		CreatedAt:    created,
	}

	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Signal
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(sig, got) {
		t.Errorf("round trip mismatch:\n want %+v\n got  %+v", sig, got)
	}
}

func TestPositionJSONRoundTrip(t *testing.T) {
	closed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	pos := Position{
		ID:           "pos-1",
		Symbol:       "ETHUSDT",
		Side:         SideLong,
		EntryPrice:   100,
		Quantity:     2,
		RemainingQty: 0,
		TP1Price:     103,
		TP2Price:     105,
		TP3Price:     108,
		InitialStop:  98,
		CurrentStop:  103,
		TierReached:  TierTP2,
		Status:       PositionClosed,
		RealizedPnL:  7.4,
		SignalID:     "sig-9",
		CloseReason:  "stop_loss",
		OpenedAt:     closed.Add(-4 * time.Hour),
		ClosedAt:     &closed,
	}

	data, err := json.Marshal(pos)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Position
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(pos, got) {
		t.Errorf("round trip mismatch:\n want %+v\n got  %+v", pos, got)
	}
}

func TestDirectionHelpers(t *testing.T) {
	if !DirectionBuy.IsValid() || !DirectionSell.IsValid() {
		t.Error("BUY/SELL should be valid directions")
	}
	if SignalDirection("HOLD").IsValid() {
		t.Error("HOLD is not an emittable direction")
	}
	if DirectionBuy.Opposite() != DirectionSell || DirectionSell.Opposite() != DirectionBuy {
		t.Error("Opposite should flip the direction")
	}
	if SideFor(DirectionBuy) != SideLong || SideFor(DirectionSell) != SideShort {
		t.Error("SideFor should map BUY->LONG, SELL->SHORT")
	}
}
