package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/amirsofali3/TB/internal/models"
	"github.com/amirsofali3/TB/internal/threshold"
)

// Repository provides data access methods.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// SIGNALS
// ============================================================================

// SaveSignal upserts a signal; the upsert makes async retries idempotent.
func (r *Repository) SaveSignal(ctx context.Context, sig *models.Signal) error {
	query := `
		INSERT INTO signals (id, symbol, direction, confidence, price, model_version, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		sig.ID, sig.Symbol, sig.Direction, sig.Confidence, sig.Price,
		sig.ModelVersion, sig.Status, sig.CreatedAt,
	)
	return err
}

// UpdateSignalStatus moves a signal to a new lifecycle state.
func (r *Repository) UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE signals SET status = $2 WHERE id = $1`, id, status)
	return err
}

// RecentSignals returns the newest signals for a symbol.
func (r *Repository) RecentSignals(ctx context.Context, symbol string, limit int) ([]*models.Signal, error) {
	query := `
		SELECT id, symbol, direction, confidence, price, model_version, status, created_at
		FROM signals
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		sig := &models.Signal{}
		if err := rows.Scan(
			&sig.ID, &sig.Symbol, &sig.Direction, &sig.Confidence, &sig.Price,
			&sig.ModelVersion, &sig.Status, &sig.CreatedAt,
		); err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// SavePosition upserts the full position row.
func (r *Repository) SavePosition(ctx context.Context, pos *models.Position) error {
	query := `
		INSERT INTO positions (id, symbol, side, entry_price, quantity, remaining_qty,
			tp1_price, tp2_price, tp3_price, initial_stop, current_stop,
			tier_reached, status, realized_pnl, signal_id, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			remaining_qty = EXCLUDED.remaining_qty,
			current_stop = EXCLUDED.current_stop,
			tier_reached = EXCLUDED.tier_reached,
			status = EXCLUDED.status,
			realized_pnl = EXCLUDED.realized_pnl,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at
	`
	var signalID interface{}
	if pos.SignalID != "" {
		signalID = pos.SignalID
	}
	_, err := r.db.Pool.Exec(
		ctx, query,
		pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.RemainingQty,
		pos.TP1Price, pos.TP2Price, pos.TP3Price, pos.InitialStop, pos.CurrentStop,
		pos.TierReached, pos.Status, pos.RealizedPnL, signalID, nullIfEmpty(pos.CloseReason),
		pos.OpenedAt, pos.ClosedAt,
	)
	return err
}

// OpenPositions returns positions still holding exposure for a symbol;
// an empty symbol returns them for all symbols.
func (r *Repository) OpenPositions(ctx context.Context, symbol string) ([]*models.Position, error) {
	query := `
		SELECT id, symbol, side, entry_price, quantity, remaining_qty,
		       tp1_price, tp2_price, tp3_price, initial_stop, current_stop,
		       tier_reached, status, realized_pnl, COALESCE(signal_id::text, ''),
		       COALESCE(close_reason, ''), opened_at, closed_at
		FROM positions
		WHERE status IN ('OPEN', 'PENDING_CLOSE')
	`
	var (
		rows pgx.Rows
		err  error
	)
	if symbol == "" {
		rows, err = r.db.Pool.Query(ctx, query+` ORDER BY opened_at`)
	} else {
		rows, err = r.db.Pool.Query(ctx, query+` AND symbol = $1 ORDER BY opened_at`, symbol)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		pos := &models.Position{}
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &pos.Side, &pos.EntryPrice, &pos.Quantity, &pos.RemainingQty,
			&pos.TP1Price, &pos.TP2Price, &pos.TP3Price, &pos.InitialStop, &pos.CurrentStop,
			&pos.TierReached, &pos.Status, &pos.RealizedPnL, &pos.SignalID,
			&pos.CloseReason, &pos.OpenedAt, &pos.ClosedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ============================================================================
// THRESHOLD STATES
// ============================================================================

// SaveThresholdState upserts one symbol's adaptive threshold state.
func (r *Repository) SaveThresholdState(ctx context.Context, st threshold.State) error {
	times, err := json.Marshal(st.SignalTimes)
	if err != nil {
		return fmt.Errorf("encode signal times: %w", err)
	}
	query := `
		INSERT INTO threshold_states (symbol, threshold, signal_times, first_seen, last_adjustment, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			threshold = EXCLUDED.threshold,
			signal_times = EXCLUDED.signal_times,
			last_adjustment = EXCLUDED.last_adjustment,
			updated_at = NOW()
	`
	var lastAdj interface{}
	if !st.LastAdjustment.IsZero() {
		lastAdj = st.LastAdjustment
	}
	_, err = r.db.Pool.Exec(ctx, query, st.Symbol, st.Threshold, times, st.FirstSeen, lastAdj)
	return err
}

// LoadThresholdStates reads every persisted threshold state.
func (r *Repository) LoadThresholdStates(ctx context.Context) ([]threshold.State, error) {
	query := `SELECT symbol, threshold, signal_times, first_seen, COALESCE(last_adjustment, 'epoch'::timestamptz) FROM threshold_states`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []threshold.State
	for rows.Next() {
		var st threshold.State
		var times []byte
		var lastAdj time.Time
		if err := rows.Scan(&st.Symbol, &st.Threshold, &times, &st.FirstSeen, &lastAdj); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(times, &st.SignalTimes); err != nil {
			return nil, fmt.Errorf("decode signal times for %s: %w", st.Symbol, err)
		}
		if lastAdj.Unix() > 0 {
			st.LastAdjustment = lastAdj
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
