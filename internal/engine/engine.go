// Package engine runs the trading loops: a per-interval decision cycle
// that turns candles into predictions and signals, and a faster price
// loop that feeds the position manager.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/models"
	"github.com/amirsofali3/TB/internal/predictor"
	"github.com/amirsofali3/TB/internal/signal"
)

// candleHistory is how much history each prediction sees.
const candleHistory = 50

// MarketData is the slice of the health monitor the engine consumes.
type MarketData interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	PriceTick(ctx context.Context, symbol string) (models.PriceTick, error)
}

// Positions is the slice of the position manager the engine drives.
type Positions interface {
	Open(ctx context.Context, sig *models.Signal) (*models.Position, error)
	OnTick(ctx context.Context, tick models.PriceTick)
	OpenSide(symbol string) (models.PositionSide, bool)
	FlushAll(ctx context.Context)
}

// Thresholds is the adaptive controller surface the engine ticks.
type Thresholds interface {
	Tick(symbol string, now time.Time) float64
}

// Config carries loop timings.
type Config struct {
	CandleInterval   string
	DecisionInterval time.Duration
	PriceTickEvery   time.Duration
	PredictTimeout   time.Duration
	ShutdownGrace    time.Duration
	SymbolList       []string
}

// Engine owns the loops and their shutdown.
type Engine struct {
	cfg        Config
	log        zerolog.Logger
	market     MarketData
	predict    predictor.Predictor
	emitter    *signal.Emitter
	positions  Positions
	thresholds Thresholds
	bus        *events.Bus
	flush      func(ctx context.Context)

	lastThreshold map[string]float64

	wg sync.WaitGroup
}

// New wires the engine. flush is invoked once during shutdown for
// best-effort state persistence; it may be nil.
func New(cfg Config, market MarketData, pred predictor.Predictor, emitter *signal.Emitter, positions Positions, thresholds Thresholds, bus *events.Bus, flush func(ctx context.Context), log zerolog.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		log:           log.With().Str("component", "engine").Logger(),
		market:        market,
		predict:       pred,
		emitter:       emitter,
		positions:     positions,
		thresholds:    thresholds,
		bus:           bus,
		flush:         flush,
		lastThreshold: make(map[string]float64),
	}
}

// Run starts all loops and blocks until ctx is canceled, then drains with
// the configured grace period.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().Strs("symbols", e.cfg.SymbolList).
		Dur("decision_interval", e.cfg.DecisionInterval).
		Dur("price_tick_every", e.cfg.PriceTickEvery).
		Msg("engine starting")

	e.wg.Add(3)
	go e.decisionLoop(ctx)
	go e.priceLoop(ctx)
	go e.expiryLoop(ctx)

	<-ctx.Done()
	e.wg.Wait()
	e.shutdown()
}

func (e *Engine) shutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
	defer cancel()
	e.positions.FlushAll(graceCtx)
	if e.flush != nil {
		e.flush(graceCtx)
	}
	e.log.Info().Msg("engine stopped")
}

// decisionLoop runs one decision cycle per symbol each interval. The
// first cycle fires immediately so a restart does not wait out a full
// interval.
func (e *Engine) decisionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DecisionInterval)
	defer ticker.Stop()

	e.decideAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.decideAll(ctx)
		}
	}
}

func (e *Engine) decideAll(ctx context.Context) {
	now := time.Now()
	for _, symbol := range e.cfg.SymbolList {
		if ctx.Err() != nil {
			return
		}
		current := e.thresholds.Tick(symbol, now)
		if prev, seen := e.lastThreshold[symbol]; !seen || prev != current {
			e.lastThreshold[symbol] = current
			e.bus.Publish(events.EventThresholdUpdate, map[string]interface{}{
				"symbol":    symbol,
				"threshold": current,
			})
		}
		e.decide(ctx, symbol)
	}
}

// decide runs candles -> predict -> emit -> entry for one symbol. Any
// failure holds; the loop never dies on a bad cycle.
func (e *Engine) decide(ctx context.Context, symbol string) {
	candles, err := e.market.Candles(ctx, symbol, e.cfg.CandleInterval, candleHistory)
	if err != nil {
		e.log.Warn().Str("symbol", symbol).Err(err).Msg("candle fetch failed, holding")
		return
	}
	if len(candles) < predictor.MinCandles {
		e.log.Debug().Str("symbol", symbol).Int("have", len(candles)).
			Msg("insufficient history, holding")
		return
	}

	predCtx, cancel := context.WithTimeout(ctx, e.cfg.PredictTimeout)
	pred, err := e.predict.Predict(predCtx, symbol, candles)
	cancel()
	if err != nil {
		e.log.Warn().Str("symbol", symbol).Err(err).Msg("prediction failed, holding")
		return
	}

	price := candles[len(candles)-1].Close
	sig, err := e.emitter.OnPrediction(ctx, pred, price)
	if err != nil {
		e.log.Error().Str("symbol", symbol).Err(err).Msg("signal evaluation failed")
		return
	}
	if sig == nil {
		return
	}

	// an aligned open position means the signal only confirms exposure;
	// the emitter already handled the opposing case via emergency exit
	if _, open := e.positions.OpenSide(symbol); open {
		return
	}

	if _, err := e.positions.Open(ctx, sig); err != nil {
		e.log.Warn().Str("symbol", symbol).Err(err).Msg("entry skipped")
		return
	}
	e.emitter.MarkExecuted(ctx, sig.ID)
}

// priceLoop polls ticks and feeds the position manager. Only symbols with
// open positions are polled to keep request volume down.
func (e *Engine) priceLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PriceTickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range e.cfg.SymbolList {
				if ctx.Err() != nil {
					return
				}
				if _, open := e.positions.OpenSide(symbol); !open {
					continue
				}
				tick, err := e.market.PriceTick(ctx, symbol)
				if err != nil {
					e.log.Warn().Str("symbol", symbol).Err(err).Msg("price tick failed")
					continue
				}
				e.positions.OnTick(ctx, tick)
			}
		}
	}
}

// expiryLoop sweeps stale signals once a minute.
func (e *Engine) expiryLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.emitter.ExpireStale(ctx, time.Now()); n > 0 {
				e.log.Debug().Int("expired", n).Msg("stale signals swept")
			}
		}
	}
}
