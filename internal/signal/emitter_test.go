package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/models"
)

type fixedThresholds struct {
	mu       sync.Mutex
	value    float64
	recorded []time.Time
}

func (f *fixedThresholds) Threshold(string) float64 { return f.value }

func (f *fixedThresholds) RecordSignal(_ string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, ts)
}

type fakePositions struct {
	side     models.PositionSide
	open     bool
	exitArgs []string
}

func (f *fakePositions) OpenSide(string) (models.PositionSide, bool) { return f.side, f.open }

func (f *fakePositions) EmergencyExit(_ context.Context, symbol string, _ float64, reason string) int {
	f.exitArgs = append(f.exitArgs, symbol+"/"+reason)
	return 1
}

type memStore struct {
	mu      sync.Mutex
	saved   []models.Signal
	updates map[string]models.SignalStatus
}

func newMemStore() *memStore {
	return &memStore{updates: make(map[string]models.SignalStatus)}
}

func (s *memStore) SaveSignal(_ context.Context, sig *models.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *sig)
}

func (s *memStore) UpdateSignalStatus(_ context.Context, id string, status models.SignalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = status
}

func newTestEmitter(thresholdValue float64) (*Emitter, *fixedThresholds, *fakePositions, *memStore) {
	th := &fixedThresholds{value: thresholdValue}
	pos := &fakePositions{}
	store := newMemStore()
	cfg := Config{DedupCooldown: 4 * time.Hour, TTL: 4 * time.Hour}
	e := NewEmitter(cfg, th, pos, store, events.NewBus(64), zerolog.Nop())
	return e, th, pos, store
}

func pred(symbol string, prob, conf float64) models.Prediction {
	return models.Prediction{
		Symbol:       symbol,
		Probability:  prob,
		Confidence:   conf,
		ModelVersion: "rule-v1",
		Timestamp:    time.Now(),
	}
}

func TestBelowThresholdHolds(t *testing.T) {
	e, _, _, store := newTestEmitter(0.7)

	sig, err := e.OnPrediction(context.Background(), pred("BTCUSDT", 0.8, 0.65), 100)
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Empty(t, store.saved)
}

func TestDirectionFromProbability(t *testing.T) {
	tests := []struct {
		name string
		prob float64
		want models.SignalDirection
	}{
		{"bullish", 0.9, models.DirectionBuy},
		{"bearish", 0.1, models.DirectionSell},
		{"exactly half is bearish", 0.5, models.DirectionSell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, _ := newTestEmitter(0.5)
			sig, err := e.OnPrediction(context.Background(), pred("BTCUSDT", tt.prob, 0.9), 100)
			require.NoError(t, err)
			require.NotNil(t, sig)
			assert.Equal(t, tt.want, sig.Direction)
		})
	}
}

// The dedup law: a same-direction signal inside the cooldown is suppressed,
// a direction change always emits, and after the cooldown the same
// direction emits again.
func TestDedupLaw(t *testing.T) {
	e, th, _, _ := newTestEmitter(0.5)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	first, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.9, 0.9), 100)
	require.NoError(t, err)
	require.NotNil(t, first)

	e.now = func() time.Time { return base.Add(time.Hour) }
	dup, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.9, 0.9), 101)
	require.NoError(t, err)
	assert.Nil(t, dup, "same direction within cooldown must be suppressed")

	flip, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.1, 0.9), 101)
	require.NoError(t, err)
	require.NotNil(t, flip, "direction change must always emit")
	assert.Equal(t, models.DirectionSell, flip.Direction)

	e.now = func() time.Time { return base.Add(6 * time.Hour) }
	again, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.1, 0.9), 102)
	require.NoError(t, err)
	require.NotNil(t, again, "cooldown elapsed, same direction emits again")

	th.mu.Lock()
	assert.Len(t, th.recorded, 3, "only emitted signals feed the rate window")
	th.mu.Unlock()
}

func TestEmitPersistsAndRecords(t *testing.T) {
	e, th, _, store := newTestEmitter(0.5)

	sig, err := e.OnPrediction(context.Background(), pred("ETHUSDT", 0.8, 0.9), 2500)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, models.SignalActive, sig.Status)
	assert.Equal(t, 2500.0, sig.Price)
	assert.Equal(t, "rule-v1", sig.ModelVersion)

	store.mu.Lock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, sig.ID, store.saved[0].ID)
	store.mu.Unlock()

	th.mu.Lock()
	assert.Len(t, th.recorded, 1)
	th.mu.Unlock()
}

func TestOpposingSignalForwardsEmergencyExit(t *testing.T) {
	e, _, pos, _ := newTestEmitter(0.5)
	pos.open = true
	pos.side = models.SideLong

	sig, err := e.OnPrediction(context.Background(), pred("BTCUSDT", 0.1, 0.9), 100)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, []string{"BTCUSDT/emergency_exit"}, pos.exitArgs)
}

func TestAlignedSignalDoesNotExit(t *testing.T) {
	e, _, pos, _ := newTestEmitter(0.5)
	pos.open = true
	pos.side = models.SideLong

	sig, err := e.OnPrediction(context.Background(), pred("BTCUSDT", 0.9, 0.9), 100)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Empty(t, pos.exitArgs)
}

func TestMarkExecuted(t *testing.T) {
	e, _, _, store := newTestEmitter(0.5)

	sig, err := e.OnPrediction(context.Background(), pred("BTCUSDT", 0.9, 0.9), 100)
	require.NoError(t, err)
	require.NotNil(t, sig)

	e.MarkExecuted(context.Background(), sig.ID)
	store.mu.Lock()
	assert.Equal(t, models.SignalExecuted, store.updates[sig.ID])
	store.mu.Unlock()

	// idempotent on unknown or already-executed ids
	e.MarkExecuted(context.Background(), sig.ID)
	e.MarkExecuted(context.Background(), "missing")
}

func TestExpireStaleSweep(t *testing.T) {
	e, _, _, store := newTestEmitter(0.5)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	sig, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.9, 0.9), 100)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, 0, e.ExpireStale(ctx, base.Add(time.Hour)), "within TTL")
	assert.Equal(t, 1, e.ExpireStale(ctx, base.Add(5*time.Hour)))
	assert.Equal(t, 0, e.ExpireStale(ctx, base.Add(6*time.Hour)), "sweep is idempotent")

	store.mu.Lock()
	assert.Equal(t, models.SignalExpired, store.updates[sig.ID])
	store.mu.Unlock()

	// an expired predecessor no longer suppresses
	e.now = func() time.Time { return base.Add(5*time.Hour + time.Minute) }
	again, err := e.OnPrediction(ctx, pred("BTCUSDT", 0.9, 0.9), 100)
	require.NoError(t, err)
	assert.NotNil(t, again)
}
