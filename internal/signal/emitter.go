// Package signal turns model predictions into actionable trading signals.
// The emitter gates on the adaptive confidence threshold, deduplicates
// same-direction signals, and forwards emergency-exit intent when a fresh
// signal opposes an open position.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/metrics"
	"github.com/amirsofali3/TB/internal/models"
)

// Thresholds provides the per-symbol confidence gate.
type Thresholds interface {
	Threshold(symbol string) float64
	RecordSignal(symbol string, ts time.Time)
}

// Positions is the slice of the position manager the emitter needs.
type Positions interface {
	OpenSide(symbol string) (models.PositionSide, bool)
	EmergencyExit(ctx context.Context, symbol string, price float64, reason string) int
}

// Store persists signals without blocking the decision path.
type Store interface {
	SaveSignal(ctx context.Context, sig *models.Signal)
	UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus)
}

// Config tunes dedup and expiry.
type Config struct {
	DedupCooldown time.Duration
	TTL           time.Duration
}

// Emitter is the signal decision gate.
type Emitter struct {
	cfg        Config
	thresholds Thresholds
	positions  Positions
	store      Store
	bus        *events.Bus
	log        zerolog.Logger

	mu     sync.Mutex
	last   map[string]*models.Signal // most recent non-expired signal per symbol
	active map[string]*models.Signal // by id, for the expiry sweep

	now func() time.Time
}

// NewEmitter wires the emitter. store may be nil in tests.
func NewEmitter(cfg Config, thresholds Thresholds, positions Positions, store Store, bus *events.Bus, log zerolog.Logger) *Emitter {
	return &Emitter{
		cfg:        cfg,
		thresholds: thresholds,
		positions:  positions,
		store:      store,
		bus:        bus,
		log:        log.With().Str("component", "signal").Logger(),
		last:       make(map[string]*models.Signal),
		active:     make(map[string]*models.Signal),
		now:        time.Now,
	}
}

// OnPrediction evaluates one prediction at the current market price and
// emits a signal when it clears the gate. A nil signal with nil error
// means HOLD.
func (e *Emitter) OnPrediction(ctx context.Context, pred models.Prediction, price float64) (*models.Signal, error) {
	threshold := e.thresholds.Threshold(pred.Symbol)
	metrics.ConfidenceThreshold.WithLabelValues(pred.Symbol).Set(threshold)

	if pred.Confidence < threshold {
		e.log.Debug().Str("symbol", pred.Symbol).
			Float64("confidence", pred.Confidence).Float64("threshold", threshold).
			Msg("hold: below threshold")
		metrics.SignalsSuppressed.WithLabelValues(pred.Symbol, "below_threshold").Inc()
		return nil, nil
	}

	direction := models.DirectionSell
	if pred.Probability > 0.5 {
		direction = models.DirectionBuy
	}

	now := e.now()

	e.mu.Lock()
	if prev, ok := e.last[pred.Symbol]; ok &&
		prev.Status != models.SignalExpired &&
		prev.Direction == direction &&
		now.Sub(prev.CreatedAt) < e.cfg.DedupCooldown {
		e.mu.Unlock()
		metrics.SignalsSuppressed.WithLabelValues(pred.Symbol, "duplicate").Inc()
		e.log.Debug().Str("symbol", pred.Symbol).Str("direction", string(direction)).
			Msg("suppressed: duplicate within cooldown")
		return nil, nil
	}

	sig := &models.Signal{
		ID:           uuid.NewString(),
		Symbol:       pred.Symbol,
		Direction:    direction,
		Confidence:   pred.Confidence,
		Price:        price,
		ModelVersion: pred.ModelVersion,
		Status:       models.SignalActive,
		CreatedAt:    now,
	}
	e.last[pred.Symbol] = sig
	e.active[sig.ID] = sig
	e.mu.Unlock()

	if e.store != nil {
		e.store.SaveSignal(ctx, sig)
	}
	e.thresholds.RecordSignal(sig.Symbol, now)
	metrics.SignalsTotal.WithLabelValues(sig.Symbol, string(direction)).Inc()
	e.bus.Publish(events.EventSignalGenerated, map[string]interface{}{
		"id":         sig.ID,
		"symbol":     sig.Symbol,
		"direction":  string(sig.Direction),
		"confidence": sig.Confidence,
		"price":      sig.Price,
	})
	e.log.Info().Str("symbol", sig.Symbol).Str("direction", string(direction)).
		Float64("confidence", sig.Confidence).Float64("threshold", threshold).
		Msg("signal emitted")

	// a signal opposing an open position triggers an immediate full exit
	if side, open := e.positions.OpenSide(sig.Symbol); open && side != models.SideFor(direction) {
		closed := e.positions.EmergencyExit(ctx, sig.Symbol, sig.Price, "emergency_exit")
		e.log.Warn().Str("symbol", sig.Symbol).Int("closed", closed).
			Msg("opposing signal forced emergency exit")
	}
	return sig, nil
}

// MarkExecuted transitions a signal that drove a position action.
func (e *Emitter) MarkExecuted(ctx context.Context, id string) {
	e.mu.Lock()
	sig, ok := e.active[id]
	if ok {
		sig.Status = models.SignalExecuted
		delete(e.active, id)
	}
	e.mu.Unlock()
	if ok && e.store != nil {
		e.store.UpdateSignalStatus(ctx, id, models.SignalExecuted)
	}
}

// ExpireStale sweeps ACTIVE signals older than the TTL and returns how many
// were expired.
func (e *Emitter) ExpireStale(ctx context.Context, now time.Time) int {
	var expired []*models.Signal
	e.mu.Lock()
	for id, sig := range e.active {
		if now.Sub(sig.CreatedAt) >= e.cfg.TTL {
			sig.Status = models.SignalExpired
			delete(e.active, id)
			expired = append(expired, sig)
		}
	}
	e.mu.Unlock()

	for _, sig := range expired {
		if e.store != nil {
			e.store.UpdateSignalStatus(ctx, sig.ID, models.SignalExpired)
		}
		e.bus.Publish(events.EventSignalExpired, map[string]interface{}{
			"id":     sig.ID,
			"symbol": sig.Symbol,
		})
		e.log.Debug().Str("symbol", sig.Symbol).Str("id", sig.ID).Msg("signal expired")
	}
	return len(expired)
}
