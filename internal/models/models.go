// Package models holds the shared data model for the trading engine:
// signals, positions, candles and their lifecycle enums.
package models

import (
	"time"
)

// SignalDirection is the actionable direction of a trading signal.
type SignalDirection string

const (
	DirectionBuy  SignalDirection = "BUY"
	DirectionSell SignalDirection = "SELL"
)

// IsValid reports whether the direction is a known value.
func (d SignalDirection) IsValid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Opposite returns the reversed direction.
func (d SignalDirection) Opposite() SignalDirection {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// SignalStatus tracks a signal through its lifecycle.
type SignalStatus string

const (
	SignalActive   SignalStatus = "ACTIVE"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalExpired  SignalStatus = "EXPIRED"
)

// Signal is an actionable trading decision produced by the emitter.
// Immutable once created except for Status.
type Signal struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    SignalDirection `json:"direction"`
	Confidence   float64         `json:"confidence"`
	Price        float64         `json:"price"`
	ModelVersion string          `json:"model_version"`
	Status       SignalStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PositionSide is the market exposure of a position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// SideFor maps a signal direction to the position side it opens.
func SideFor(d SignalDirection) PositionSide {
	if d == DirectionBuy {
		return SideLong
	}
	return SideShort
}

// Tier is the highest take-profit level a position has reached.
type Tier string

const (
	TierNone Tier = "NONE"
	TierTP1  Tier = "TP1"
	TierTP2  Tier = "TP2"
	TierTP3  Tier = "TP3"
)

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionOpen PositionStatus = "OPEN"
	// PositionPendingClose marks a position whose close order has not yet
	// been confirmed by the executor; retried until filled or FAILED.
	PositionPendingClose PositionStatus = "PENDING_CLOSE"
	PositionClosed       PositionStatus = "CLOSED"
	// PositionFailed means close retries were exhausted; the position must
	// be reconciled manually, it is never silently dropped.
	PositionFailed PositionStatus = "FAILED"
)

// Position is a managed trading position with a tiered TP/SL ladder.
//
// Invariants held by the position manager:
//   - LONG:  entry < tp1 < tp2 < tp3, CurrentStop never decreases
//   - SHORT: entry > tp1 > tp2 > tp3, CurrentStop never increases
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          PositionSide   `json:"side"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      float64        `json:"quantity"`
	RemainingQty  float64        `json:"remaining_qty"`
	TP1Price      float64        `json:"tp1_price"`
	TP2Price      float64        `json:"tp2_price"`
	TP3Price      float64        `json:"tp3_price"`
	InitialStop   float64        `json:"initial_stop"`
	CurrentStop   float64        `json:"current_stop"`
	TierReached   Tier           `json:"tier_reached"`
	Status        PositionStatus `json:"status"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	SignalID      string         `json:"signal_id,omitempty"`
	CloseReason   string         `json:"close_reason,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position still has market exposure.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen || p.Status == PositionPendingClose
}

// Candle is one OHLCV bar for a fixed interval.
type Candle struct {
	Symbol    string    `json:"symbol"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PriceTick is a point-in-time price observation.
type PriceTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Fill is a confirmed execution of (part of) an order.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Prediction is the output of the predictor capability for one symbol/interval.
type Prediction struct {
	Symbol       string    `json:"symbol"`
	Probability  float64   `json:"probability"` // P(price up) in [0,1]
	Confidence   float64   `json:"confidence"`  // model certainty in [0,1]
	ModelVersion string    `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// SourceStatus describes the health of a market-data source.
type SourceStatus string

const (
	SourceHealthy  SourceStatus = "HEALTHY"
	SourceDegraded SourceStatus = "DEGRADED"
	SourceFailed   SourceStatus = "FAILED"
)

// DataSourceHealth is the tracked state of one market-data provider.
type DataSourceHealth struct {
	Name                 string       `json:"name"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastSuccess          time.Time    `json:"last_success"`
	Status               SourceStatus `json:"status"`
	Active               bool         `json:"active"`
}
