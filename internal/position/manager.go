// Package position owns the tiered take-profit/stop-loss state machine for
// every open position. All transitions for a symbol are serialized behind a
// per-symbol lock, so price-tick evaluation and signal-driven exits never
// interleave destructively.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/config"
	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/execution"
	"github.com/amirsofali3/TB/internal/metrics"
	"github.com/amirsofali3/TB/internal/models"
)

var (
	// ErrPositionLimit means the symbol already holds the maximum number
	// of open positions.
	ErrPositionLimit = errors.New("open position limit reached")
	// ErrInsufficientBalance means sizing produced no tradable quantity.
	ErrInsufficientBalance = errors.New("insufficient balance for entry")
)

// Persister receives position and signal state changes. Writes must not
// block the decision path; the database writer queues failures internally.
type Persister interface {
	SavePosition(ctx context.Context, pos *models.Position)
}

// Snapshotter keeps hot position state for crash recovery.
type Snapshotter interface {
	Save(ctx context.Context, pos *models.Position) error
}

// Config tunes entry sizing and close retry behavior.
type Config struct {
	TiersFor           func(symbol string) config.TierConfig
	MaxRiskPerTrade    float64
	MaxOpenPerSymbol   int
	CloseRetryMax      int
	CloseRetryInterval time.Duration
}

// Manager is the position lifecycle engine.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	executor execution.Executor
	bus      *events.Bus
	store    Persister
	snaps    Snapshotter

	mu     sync.Mutex
	locks  map[string]*sync.Mutex        // per-symbol transition locks
	open   map[string][]*models.Position // symbol -> open positions
	closed map[string]bool               // retired position ids, for idempotence
}

// NewManager wires the manager. snaps may be nil when Redis is disabled.
func NewManager(cfg Config, executor execution.Executor, store Persister, snaps Snapshotter, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "position").Logger(),
		executor: executor,
		bus:      bus,
		store:    store,
		snaps:    snaps,
		locks:    make(map[string]*sync.Mutex),
		open:     make(map[string][]*models.Position),
		closed:   make(map[string]bool),
	}
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// Restore re-indexes open positions recovered from snapshots or the store.
func (m *Manager) Restore(positions []*models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		m.open[pos.Symbol] = append(m.open[pos.Symbol], pos)
		metrics.OpenPositions.WithLabelValues(pos.Symbol).Inc()
		m.log.Info().Str("symbol", pos.Symbol).Str("id", pos.ID).
			Str("tier", string(pos.TierReached)).Msg("position restored")
	}
}

// OpenPositions returns copies of the open positions, all symbols when
// symbol is empty. Copies are taken under each symbol's transition lock so
// a concurrent tick never yields a torn snapshot.
func (m *Manager) OpenPositions(symbol string) []*models.Position {
	var out []*models.Position
	for _, s := range m.indexedSymbols(symbol) {
		lock := m.symbolLock(s)
		lock.Lock()
		for _, p := range m.openList(s) {
			cp := *p
			out = append(out, &cp)
		}
		lock.Unlock()
	}
	return out
}

func (m *Manager) indexedSymbols(filter string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if filter != "" {
		return []string{filter}
	}
	out := make([]string, 0, len(m.open))
	for s := range m.open {
		out = append(out, s)
	}
	return out
}

// OpenSide reports whether the symbol has an open position and on which
// side. Used by the emitter to detect opposing signals.
func (m *Manager) OpenSide(symbol string) (models.PositionSide, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.open[symbol]
	if len(list) == 0 {
		return "", false
	}
	return list[0].Side, true
}

// sizeQuantity sizes the entry so the loss at the initial stop does not
// exceed the per-trade risk fraction of the balance, capped by notional.
func (m *Manager) sizeQuantity(entry, stop float64) float64 {
	balance := m.executor.Balance()
	riskAmount := balance * m.cfg.MaxRiskPerTrade
	stopDistance := entry - stop
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	if stopDistance == 0 {
		return 0
	}
	qty := riskAmount / stopDistance
	if maxQty := balance / entry; qty > maxQty {
		qty = maxQty
	}
	return qty
}

// Open enters a position from a qualifying signal.
func (m *Manager) Open(ctx context.Context, sig *models.Signal) (*models.Position, error) {
	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	count := len(m.open[sig.Symbol])
	m.mu.Unlock()
	if count >= m.cfg.MaxOpenPerSymbol {
		return nil, fmt.Errorf("%w: %s has %d open", ErrPositionLimit, sig.Symbol, count)
	}

	side := models.SideFor(sig.Direction)
	tiers := m.cfg.TiersFor(sig.Symbol)
	tp1, tp2, tp3, stop := ladderPrices(sig.Price, side, tiers)

	qty := m.sizeQuantity(sig.Price, stop)
	if qty <= 0 {
		return nil, ErrInsufficientBalance
	}

	fill, err := m.executor.OpenPosition(ctx, sig.Symbol, side, qty, sig.Price)
	if err != nil {
		return nil, fmt.Errorf("entry execution: %w", err)
	}

	pos := &models.Position{
		ID:           fill.OrderID,
		Symbol:       sig.Symbol,
		Side:         side,
		EntryPrice:   fill.Price,
		Quantity:     fill.Quantity,
		RemainingQty: fill.Quantity,
		TP1Price:     tp1,
		TP2Price:     tp2,
		TP3Price:     tp3,
		InitialStop:  stop,
		CurrentStop:  stop,
		TierReached:  models.TierNone,
		Status:       models.PositionOpen,
		SignalID:     sig.ID,
		OpenedAt:     fill.Timestamp,
	}

	m.mu.Lock()
	m.open[pos.Symbol] = append(m.open[pos.Symbol], pos)
	m.mu.Unlock()

	metrics.OpenPositions.WithLabelValues(pos.Symbol).Inc()
	m.persist(ctx, pos)
	m.bus.Publish(events.EventPositionOpened, positionPayload(pos))
	m.log.Info().Str("symbol", pos.Symbol).Str("side", string(side)).
		Float64("entry", pos.EntryPrice).Float64("qty", pos.Quantity).
		Float64("stop", pos.CurrentStop).Msg("position opened")
	return pos, nil
}

// OnTick evaluates tier and stop levels for every open position of the
// tick's symbol. Favorable levels are checked before the stop, and a
// gapping tick may advance multiple tiers in one evaluation.
func (m *Manager) OnTick(ctx context.Context, tick models.PriceTick) {
	lock := m.symbolLock(tick.Symbol)
	lock.Lock()
	defer lock.Unlock()

	metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()

	for _, pos := range m.openList(tick.Symbol) {
		m.evaluate(ctx, pos, tick.Price)
	}
}

func (m *Manager) openList(symbol string) []*models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Position(nil), m.open[symbol]...)
}

// evaluate runs the state machine for one position against one price.
// Caller holds the symbol lock.
func (m *Manager) evaluate(ctx context.Context, pos *models.Position, price float64) {
	if pos.Status != models.PositionOpen || m.retired(pos.ID) {
		return // ticks on closed or pending positions are no-ops
	}

	steps := ladderSteps(m.cfg.TiersFor(pos.Symbol))
	advanced := false
	for _, step := range steps {
		if pos.TierReached != step.from {
			continue
		}
		if !crossedFavorable(pos.Side, price, step.level(pos)) {
			break
		}
		m.advanceTier(ctx, pos, step)
		advanced = true
		if pos.Status != models.PositionOpen {
			return
		}
	}

	if crossedStop(pos.Side, price, pos.CurrentStop) {
		m.closeRemaining(ctx, pos, pos.CurrentStop, "stop_loss")
		return
	}

	pos.UnrealizedPnL = realizedDelta(pos.Side, pos.EntryPrice, price, pos.RemainingQty)
	if advanced {
		m.persist(ctx, pos)
	}
}

// advanceTier realizes the step's fraction at its level and tightens the
// stop. Caller holds the symbol lock.
func (m *Manager) advanceTier(ctx context.Context, pos *models.Position, step tierStep) {
	level := step.level(pos)

	closeQty := pos.Quantity * step.fraction
	if step.to == models.TierTP3 || closeQty > pos.RemainingQty {
		closeQty = pos.RemainingQty
	}

	if _, err := m.executor.ClosePosition(ctx, pos.ID, pos.Symbol, pos.Side, closeQty, level); err != nil {
		m.beginPendingClose(pos, closeQty, level, err, func() {
			m.applyTier(context.Background(), pos, step, closeQty, level)
		})
		return
	}
	m.applyTier(ctx, pos, step, closeQty, level)
}

// applyTier records a confirmed partial fill at a tier level. Caller holds
// the symbol lock.
func (m *Manager) applyTier(ctx context.Context, pos *models.Position, step tierStep, closeQty, level float64) {
	pos.Status = models.PositionOpen
	pos.CloseReason = ""
	pos.RemainingQty -= closeQty
	pos.RealizedPnL += realizedDelta(pos.Side, pos.EntryPrice, level, closeQty)
	pos.TierReached = step.to
	pos.CurrentStop = tightenStop(pos.Side, pos.CurrentStop, step.stopAfter(pos))

	m.log.Info().Str("symbol", pos.Symbol).Str("tier", string(step.to)).
		Float64("level", level).Float64("closed_qty", closeQty).
		Float64("stop", pos.CurrentStop).Float64("realized", pos.RealizedPnL).
		Msg("tier reached")
	m.bus.Publish(events.EventTierReached, positionPayload(pos))

	if step.to == models.TierTP3 || pos.RemainingQty <= 1e-12 {
		m.finalize(ctx, pos, "tp3")
	}
}

// EmergencyExit force-closes every open position on the symbol at the
// given market price, regardless of tier. Triggered by an opposing
// high-confidence signal.
func (m *Manager) EmergencyExit(ctx context.Context, symbol string, price float64, reason string) int {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	n := 0
	for _, pos := range m.openList(symbol) {
		if pos.Status != models.PositionOpen {
			continue
		}
		m.bus.Publish(events.EventEmergencyExit, positionPayload(pos))
		m.closeRemaining(ctx, pos, price, reason)
		n++
	}
	return n
}

// closeRemaining retires all remaining quantity at price. Caller holds the
// symbol lock.
func (m *Manager) closeRemaining(ctx context.Context, pos *models.Position, price float64, reason string) {
	if pos.Status != models.PositionOpen {
		return
	}
	qty := pos.RemainingQty
	if _, err := m.executor.ClosePosition(ctx, pos.ID, pos.Symbol, pos.Side, qty, price); err != nil {
		pos.CloseReason = reason
		m.beginPendingClose(pos, qty, price, err, func() {
			pos.RealizedPnL += realizedDelta(pos.Side, pos.EntryPrice, price, qty)
			pos.RemainingQty = 0
			m.finalize(context.Background(), pos, reason)
		})
		return
	}

	pos.RealizedPnL += realizedDelta(pos.Side, pos.EntryPrice, price, qty)
	pos.RemainingQty = 0
	pos.CloseReason = reason
	m.finalize(ctx, pos, reason)
}

// finalize marks a fully-retired position CLOSED and de-indexes it.
// Caller holds the symbol lock.
func (m *Manager) finalize(ctx context.Context, pos *models.Position, reason string) {
	now := time.Now()
	pos.Status = models.PositionClosed
	pos.UnrealizedPnL = 0
	pos.ClosedAt = &now
	if pos.CloseReason == "" {
		pos.CloseReason = reason
	}
	m.deindex(pos)

	metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()
	metrics.PositionsClosed.WithLabelValues(pos.Symbol, pos.CloseReason).Inc()
	m.persist(ctx, pos)
	m.bus.Publish(events.EventPositionClosed, positionPayload(pos))
	m.log.Info().Str("symbol", pos.Symbol).Str("reason", pos.CloseReason).
		Float64("realized_pnl", pos.RealizedPnL).Msg("position closed")
}

// deindex removes the position from the open index and marks it retired.
func (m *Manager) deindex(pos *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[pos.ID] = true
	list := m.open[pos.Symbol]
	for i, p := range list {
		if p.ID == pos.ID {
			m.open[pos.Symbol] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (m *Manager) retired(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[id]
}

// beginPendingClose parks a position whose close order failed and retries
// in the background until it fills or retries are exhausted. A position is
// never silently dropped or marked CLOSED without a confirmed fill;
// onFilled applies the state change under the symbol lock once a retry
// confirms the fill.
func (m *Manager) beginPendingClose(pos *models.Position, qty, price float64, cause error, onFilled func()) {
	pos.Status = models.PositionPendingClose
	m.persist(context.Background(), pos)
	m.log.Warn().Str("symbol", pos.Symbol).Str("id", pos.ID).Err(cause).
		Msg("close execution failed, entering PENDING_CLOSE")

	go m.retryClose(pos, qty, price, onFilled)
}

func (m *Manager) retryClose(pos *models.Position, qty, price float64, onFilled func()) {
	for attempt := 1; attempt <= m.cfg.CloseRetryMax; attempt++ {
		time.Sleep(m.cfg.CloseRetryInterval)

		lock := m.symbolLock(pos.Symbol)
		lock.Lock()
		if pos.Status != models.PositionPendingClose {
			lock.Unlock()
			return
		}
		_, err := m.executor.ClosePosition(context.Background(), pos.ID, pos.Symbol, pos.Side, qty, price)
		if err == nil {
			onFilled()
			lock.Unlock()
			return
		}
		m.log.Warn().Str("symbol", pos.Symbol).Int("attempt", attempt).Err(err).
			Msg("pending close retry failed")
		lock.Unlock()
	}

	lock := m.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()
	pos.Status = models.PositionFailed
	m.deindex(pos)
	metrics.OpenPositions.WithLabelValues(pos.Symbol).Dec()
	m.persist(context.Background(), pos)
	m.bus.Publish(events.EventPositionUpdate, positionPayload(pos))
	m.log.Error().Str("symbol", pos.Symbol).Str("id", pos.ID).
		Msg("close retries exhausted, position FAILED for manual reconciliation")
}

// FlushAll persists every open position, used during shutdown.
func (m *Manager) FlushAll(ctx context.Context) {
	for _, pos := range m.OpenPositions("") {
		m.persist(ctx, pos)
	}
}

func (m *Manager) persist(ctx context.Context, pos *models.Position) {
	if m.store != nil {
		m.store.SavePosition(ctx, pos)
	}
	if m.snaps != nil {
		if err := m.snaps.Save(ctx, pos); err != nil {
			m.log.Warn().Str("id", pos.ID).Err(err).Msg("snapshot save failed")
		}
	}
}

func positionPayload(pos *models.Position) map[string]interface{} {
	return map[string]interface{}{
		"id":           pos.ID,
		"symbol":       pos.Symbol,
		"side":         string(pos.Side),
		"entry_price":  pos.EntryPrice,
		"remaining":    pos.RemainingQty,
		"current_stop": pos.CurrentStop,
		"tier":         string(pos.TierReached),
		"status":       string(pos.Status),
		"realized_pnl": pos.RealizedPnL,
		"close_reason": pos.CloseReason,
	}
}
