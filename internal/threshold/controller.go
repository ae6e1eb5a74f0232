// Package threshold maintains the per-symbol adaptive confidence bar that
// gates signal emission. The bar auto-tunes toward a target signal rate so
// cadence stays stable even as model calibration drifts across symbols,
// regimes and model versions.
package threshold

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/metrics"
)

// Config controls the controller behavior for all symbols.
type Config struct {
	TargetSignalsPer24h int
	MinThreshold        float64
	MaxThreshold        float64
	AdjustmentRate      float64
	LowBand             float64 // adjust down below target*LowBand
	HighBand            float64 // adjust up above target*HighBand
	Window              time.Duration
}

// State is the tracked threshold state for one symbol.
type State struct {
	Symbol         string      `json:"symbol"`
	Threshold      float64     `json:"threshold"`
	SignalTimes    []time.Time `json:"signal_times"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastAdjustment time.Time   `json:"last_adjustment"`
}

// Controller owns the per-symbol threshold states. All mutation is
// serialized behind one lock, so concurrent decision ticks never interleave
// a read-adjust-write.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// New creates a controller. A zero Window defaults to 24h.
func New(cfg Config, log zerolog.Logger) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Controller{
		cfg:    cfg,
		log:    log.With().Str("component", "threshold").Logger(),
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// defaultThreshold is the cold-start value: the midpoint of the bounds.
func (c *Controller) defaultThreshold() float64 {
	return (c.cfg.MinThreshold + c.cfg.MaxThreshold) / 2
}

func (c *Controller) state(symbol string) *State {
	st, ok := c.states[symbol]
	if !ok {
		st = &State{
			Symbol:    symbol,
			Threshold: c.defaultThreshold(),
			FirstSeen: c.now(),
		}
		c.states[symbol] = st
		metrics.ConfidenceThreshold.WithLabelValues(symbol).Set(st.Threshold)
	}
	return st
}

// Threshold returns the current confidence bar for a symbol, creating the
// state at its default on first observation.
func (c *Controller) Threshold(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(symbol).Threshold
}

// RecordSignal appends an emitted signal timestamp to the rolling window.
func (c *Controller) RecordSignal(symbol string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(symbol)
	st.SignalTimes = append(st.SignalTimes, ts)
	c.pruneLocked(st, c.now())
}

func (c *Controller) pruneLocked(st *State, now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(st.SignalTimes) && st.SignalTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		st.SignalTimes = append(st.SignalTimes[:0], st.SignalTimes[i:]...)
	}
}

// Tick recomputes the threshold for a symbol. During warmup (before the
// symbol has a full window of history) the threshold stays at its default
// so sparse early data cannot cause premature swings.
func (c *Controller) Tick(symbol string, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(symbol)
	c.pruneLocked(st, now)

	if now.Sub(st.FirstSeen) < c.cfg.Window {
		return st.Threshold
	}

	rate := float64(len(st.SignalTimes))
	target := float64(c.cfg.TargetSignalsPer24h)
	old := st.Threshold

	switch {
	case rate < target*c.cfg.LowBand:
		st.Threshold -= c.cfg.AdjustmentRate
	case rate > target*c.cfg.HighBand:
		st.Threshold += c.cfg.AdjustmentRate
	default:
		return st.Threshold
	}

	st.Threshold = clamp(st.Threshold, c.cfg.MinThreshold, c.cfg.MaxThreshold)
	st.LastAdjustment = now

	if st.Threshold != old {
		c.log.Info().Str("symbol", symbol).
			Float64("old", old).Float64("new", st.Threshold).
			Float64("rate_24h", rate).Float64("target", target).
			Msg("threshold adjusted")
		metrics.ConfidenceThreshold.WithLabelValues(symbol).Set(st.Threshold)
	}
	return st.Threshold
}

// Snapshot copies all states for persistence on shutdown.
func (c *Controller) Snapshot() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, 0, len(c.states))
	for _, st := range c.states {
		cp := *st
		cp.SignalTimes = append([]time.Time(nil), st.SignalTimes...)
		out = append(out, cp)
	}
	return out
}

// Restore loads previously persisted states, clamping thresholds into the
// configured bounds in case the bounds changed between runs.
func (c *Controller) Restore(states []State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range states {
		cp := st
		cp.Threshold = clamp(cp.Threshold, c.cfg.MinThreshold, c.cfg.MaxThreshold)
		if cp.FirstSeen.IsZero() {
			cp.FirstSeen = c.now()
		}
		c.states[cp.Symbol] = &cp
		metrics.ConfidenceThreshold.WithLabelValues(cp.Symbol).Set(cp.Threshold)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
