// Package execution handles order placement for position entries and exits.
// The demo executor fills everything instantly against a paper balance;
// live exchange routing plugs in behind the same interface.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/models"
)

// Executor places and closes orders. Implementations must be safe for
// concurrent use. OpenPosition returns the fill whose OrderID becomes the
// position identifier used for later closes.
type Executor interface {
	OpenPosition(ctx context.Context, symbol string, side models.PositionSide, qty, price float64) (models.Fill, error)
	// ClosePosition retires qty of the identified position at price.
	ClosePosition(ctx context.Context, positionID, symbol string, side models.PositionSide, qty, price float64) (models.Fill, error)
	// Balance returns the available account balance in quote currency.
	Balance() float64
}

// DemoExecutor is a paper-trading executor with instant fills.
type DemoExecutor struct {
	log zerolog.Logger

	mu      sync.Mutex
	balance float64
	entries map[string]float64 // positionID -> entry price
}

// NewDemoExecutor starts a paper account with the given balance.
func NewDemoExecutor(balance float64, log zerolog.Logger) *DemoExecutor {
	return &DemoExecutor{
		log:     log.With().Str("component", "execution").Logger(),
		balance: balance,
		entries: make(map[string]float64),
	}
}

func (d *DemoExecutor) Balance() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balance
}

// OpenPosition reserves notional from the paper balance and fills at the
// requested price.
func (d *DemoExecutor) OpenPosition(ctx context.Context, symbol string, side models.PositionSide, qty, price float64) (models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return models.Fill{}, err
	}
	if qty <= 0 || price <= 0 {
		return models.Fill{}, fmt.Errorf("open %s: invalid qty %v or price %v", symbol, qty, price)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	notional := qty * price
	if notional > d.balance {
		return models.Fill{}, fmt.Errorf("open %s: insufficient balance %.2f for notional %.2f", symbol, d.balance, notional)
	}

	fill := models.Fill{
		OrderID:   uuid.NewString(),
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now(),
	}
	d.balance -= notional
	d.entries[fill.OrderID] = price

	d.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Float64("price", price).Msg("demo entry filled")
	return fill, nil
}

// ClosePosition returns the retired quantity's entry notional plus its PnL
// to the balance.
func (d *DemoExecutor) ClosePosition(ctx context.Context, positionID, symbol string, side models.PositionSide, qty, price float64) (models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return models.Fill{}, err
	}
	if qty <= 0 || price <= 0 {
		return models.Fill{}, fmt.Errorf("close %s: invalid qty %v or price %v", symbol, qty, price)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Positions restored from snapshots predate this process; their entry
	// notional was never reserved here, so credit exit proceeds directly.
	entry, known := d.entries[positionID]
	if !known {
		entry = price
	}
	if side == models.SideLong {
		d.balance += qty * price
	} else {
		d.balance += qty*entry + (entry-price)*qty
	}

	fill := models.Fill{
		OrderID:   uuid.NewString(),
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now(),
	}
	d.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Float64("price", price).Msg("demo exit filled")
	return fill, nil
}

var _ Executor = (*DemoExecutor)(nil)
