package position

import (
	"github.com/amirsofali3/TB/config"
	"github.com/amirsofali3/TB/internal/models"
)

// tierStep describes one row of the tier state machine: reaching `level`
// while in the `from` tier realizes `fraction` of the original quantity and
// moves the stop to `stopAfter`.
type tierStep struct {
	from      models.Tier
	to        models.Tier
	level     func(p *models.Position) float64
	stopAfter func(p *models.Position) float64
	fraction  float64
}

// ladderSteps builds the transition table for a position. The table is
// ordered; a single tick can walk multiple rows when price gaps across
// levels. Stops only ever move toward the entry-side profit lock:
// TP1 -> breakeven, TP2 -> TP1, TP3 -> full close.
func ladderSteps(tiers config.TierConfig) []tierStep {
	return []tierStep{
		{
			from:      models.TierNone,
			to:        models.TierTP1,
			level:     func(p *models.Position) float64 { return p.TP1Price },
			stopAfter: func(p *models.Position) float64 { return p.EntryPrice },
			fraction:  tiers.CloseFractions[0],
		},
		{
			from:      models.TierTP1,
			to:        models.TierTP2,
			level:     func(p *models.Position) float64 { return p.TP2Price },
			stopAfter: func(p *models.Position) float64 { return p.TP1Price },
			fraction:  tiers.CloseFractions[1],
		},
		{
			from:      models.TierTP2,
			to:        models.TierTP3,
			level:     func(p *models.Position) float64 { return p.TP3Price },
			stopAfter: func(p *models.Position) float64 { return p.TP3Price },
			// TP3 retires whatever remains regardless of the configured
			// fraction; the position is done.
			fraction: 1.0,
		},
	}
}

// ladderPrices computes the side-mirrored TP/SL levels from the entry.
func ladderPrices(entry float64, side models.PositionSide, tiers config.TierConfig) (tp1, tp2, tp3, stop float64) {
	if side == models.SideLong {
		return entry * (1 + tiers.TP1Pct), entry * (1 + tiers.TP2Pct), entry * (1 + tiers.TP3Pct), entry * (1 - tiers.StopPct)
	}
	return entry * (1 - tiers.TP1Pct), entry * (1 - tiers.TP2Pct), entry * (1 - tiers.TP3Pct), entry * (1 + tiers.StopPct)
}

// crossedFavorable reports whether price has reached a take-profit level.
func crossedFavorable(side models.PositionSide, price, level float64) bool {
	if side == models.SideLong {
		return price >= level
	}
	return price <= level
}

// crossedStop reports whether price has breached the protective stop.
func crossedStop(side models.PositionSide, price, stop float64) bool {
	if side == models.SideLong {
		return price <= stop
	}
	return price >= stop
}

// tightenStop returns the new stop, never loosening the existing one:
// monotone non-decreasing for LONG, non-increasing for SHORT.
func tightenStop(side models.PositionSide, current, proposed float64) float64 {
	if side == models.SideLong {
		if proposed > current {
			return proposed
		}
		return current
	}
	if proposed < current {
		return proposed
	}
	return current
}

// realizedDelta is the PnL from retiring qty at exit against the entry.
func realizedDelta(side models.PositionSide, entry, exit, qty float64) float64 {
	if side == models.SideLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
