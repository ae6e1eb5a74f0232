package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/models"
)

// fakeSource is a scriptable Source for failover tests.
type fakeSource struct {
	name  string
	fail  bool
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Candles(_ context.Context, symbol, _ string, limit int) ([]models.Candle, error) {
	f.calls++
	if f.fail {
		return nil, errors.New(f.name + " unavailable")
	}
	out := make([]models.Candle, limit)
	for i := range out {
		out[i] = models.Candle{Symbol: symbol, Close: 100, OpenTime: time.Now()}
	}
	return out, nil
}

func (f *fakeSource) LatestCandle(_ context.Context, symbol, _ string) (models.Candle, error) {
	f.calls++
	if f.fail {
		return models.Candle{}, errors.New(f.name + " unavailable")
	}
	return models.Candle{Symbol: symbol, Close: 100, OpenTime: time.Now()}, nil
}

func (f *fakeSource) PriceTick(_ context.Context, symbol string) (models.PriceTick, error) {
	f.calls++
	if f.fail {
		return models.PriceTick{}, errors.New(f.name + " unavailable")
	}
	return models.PriceTick{Symbol: symbol, Price: 100, Timestamp: time.Now()}, nil
}

func newTestMonitor(primary, secondary *fakeSource) *Monitor {
	cfg := MonitorConfig{
		FailoverAfterFailures: 3,
		RecoverySuccesses:     5,
		ProbeInterval:         time.Second,
		MaxRetries:            0, // no in-request retries: one call per report
		ProbeSymbol:           "BTCUSDT",
	}
	return NewMonitor(cfg, primary, secondary, events.NewBus(16), zerolog.Nop())
}

func TestPrimaryActiveByDefault(t *testing.T) {
	m := newTestMonitor(&fakeSource{name: "coinex"}, &fakeSource{name: "binance"})
	if got := m.ActiveSource(); got != "coinex" {
		t.Errorf("active = %q, want coinex", got)
	}
}

func TestFailoverAfterConsecutiveFailures(t *testing.T) {
	m := newTestMonitor(&fakeSource{name: "coinex"}, &fakeSource{name: "binance"})

	m.Report("coinex", false)
	m.Report("coinex", false)
	if m.ActiveSource() != "coinex" {
		t.Fatal("must not fail over before the threshold")
	}
	m.Report("coinex", false)
	if got := m.ActiveSource(); got != "binance" {
		t.Errorf("active = %q, want binance after 3 failures", got)
	}

	for _, h := range m.Health() {
		if h.Name == "coinex" {
			if h.Status != models.SourceDegraded {
				t.Errorf("primary status = %q, want DEGRADED", h.Status)
			}
			if h.Active {
				t.Error("primary must be inactive after failover")
			}
		}
		if h.Name == "binance" && !h.Active {
			t.Error("secondary must be active after failover")
		}
	}
}

func TestRecoveryRequiresConsecutiveSuccesses(t *testing.T) {
	m := newTestMonitor(&fakeSource{name: "coinex"}, &fakeSource{name: "binance"})
	for i := 0; i < 3; i++ {
		m.Report("coinex", false)
	}
	if m.ActiveSource() != "binance" {
		t.Fatal("failover precondition not met")
	}

	// Four successes then a failure: hysteresis resets, no switch back.
	for i := 0; i < 4; i++ {
		m.Report("coinex", true)
	}
	m.Report("coinex", false)
	for i := 0; i < 4; i++ {
		m.Report("coinex", true)
	}
	if m.ActiveSource() != "binance" {
		t.Error("must not recover before 5 consecutive successes")
	}

	m.Report("coinex", true)
	if got := m.ActiveSource(); got != "coinex" {
		t.Errorf("active = %q, want coinex after 5 consecutive probe successes", got)
	}
}

func TestRequestFailsOverAndServesFromSecondary(t *testing.T) {
	primary := &fakeSource{name: "coinex", fail: true}
	secondary := &fakeSource{name: "binance"}
	m := newTestMonitor(primary, secondary)
	ctx := context.Background()

	// Three failed ticks degrade the primary and trigger failover; the
	// third request is immediately retried on the secondary.
	var lastErr error
	var tick models.PriceTick
	for i := 0; i < 3; i++ {
		tick, lastErr = m.PriceTick(ctx, "BTCUSDT")
	}
	if m.ActiveSource() != "binance" {
		t.Fatalf("active = %q, want binance", m.ActiveSource())
	}
	if lastErr != nil {
		t.Fatalf("request after failover should succeed via secondary: %v", lastErr)
	}
	if tick.Price != 100 {
		t.Errorf("tick price = %v, want 100", tick.Price)
	}
	if secondary.calls == 0 {
		t.Error("secondary was never consulted")
	}
}

func TestBothSourcesDownReturnsError(t *testing.T) {
	m := newTestMonitor(&fakeSource{name: "coinex", fail: true}, &fakeSource{name: "binance", fail: true})

	for i := 0; i < 4; i++ {
		if _, err := m.LatestCandle(context.Background(), "BTCUSDT", "4h"); err == nil {
			t.Fatal("expected error with both sources down")
		}
	}
	// The loop must survive: the monitor keeps serving errors, not panics,
	// and health reflects the degradation.
	for _, h := range m.Health() {
		if h.ConsecutiveFailures == 0 {
			t.Errorf("source %s should have recorded failures", h.Name)
		}
	}
}

func TestExactlyOneActiveSource(t *testing.T) {
	m := newTestMonitor(&fakeSource{name: "coinex"}, &fakeSource{name: "binance"})
	for i := 0; i < 3; i++ {
		m.Report("coinex", false)
	}
	active := 0
	for _, h := range m.Health() {
		if h.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active sources = %d, want exactly 1", active)
	}
}
