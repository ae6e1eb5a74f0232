package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/metrics"
	"github.com/amirsofali3/TB/internal/models"
)

// MonitorConfig controls failover behavior.
type MonitorConfig struct {
	// FailoverAfterFailures consecutive failures on the active primary
	// switch the feed to the secondary.
	FailoverAfterFailures int
	// RecoverySuccesses consecutive background probe successes switch the
	// feed back to the primary (hysteresis against flapping).
	RecoverySuccesses int
	// ProbeInterval paces the background probes of the inactive primary.
	ProbeInterval time.Duration
	// MaxRetries bounds the in-request exponential backoff retries; an
	// exhausted request counts as one failure.
	MaxRetries uint64
	// ProbeSymbol is the symbol used by recovery probes.
	ProbeSymbol string
}

// Monitor tracks the health of a primary and secondary market-data source
// and routes all requests through whichever is active. Consumers never
// branch on the serving source.
type Monitor struct {
	cfg       MonitorConfig
	log       zerolog.Logger
	bus       *events.Bus
	primary   Source
	secondary Source

	mu     sync.Mutex
	health map[string]*models.DataSourceHealth
	active string
}

// NewMonitor creates a monitor with the primary active.
func NewMonitor(cfg MonitorConfig, primary, secondary Source, bus *events.Bus, log zerolog.Logger) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		log:       log.With().Str("component", "marketdata").Logger(),
		bus:       bus,
		primary:   primary,
		secondary: secondary,
		health: map[string]*models.DataSourceHealth{
			primary.Name():   {Name: primary.Name(), Status: models.SourceHealthy, Active: true},
			secondary.Name(): {Name: secondary.Name(), Status: models.SourceHealthy},
		},
		active: primary.Name(),
	}
	return m
}

// ActiveSource returns the name of the source currently serving requests.
func (m *Monitor) ActiveSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Health returns a copy of the per-source health state.
func (m *Monitor) Health() []models.DataSourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DataSourceHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	return out
}

// Report records the outcome of one request against a source and applies
// the failover/recovery transitions.
func (m *Monitor) Report(name string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportLocked(name, ok)
}

func (m *Monitor) reportLocked(name string, ok bool) {
	h, exists := m.health[name]
	if !exists {
		return
	}

	if ok {
		h.ConsecutiveFailures = 0
		h.ConsecutiveSuccesses++
		h.LastSuccess = time.Now()
		if h.Status == models.SourceFailed || h.Status == models.SourceDegraded {
			if name != m.active && name == m.primary.Name() &&
				h.ConsecutiveSuccesses >= m.cfg.RecoverySuccesses {
				m.switchToLocked(m.primary.Name(), "primary recovered")
				h.Status = models.SourceHealthy
			}
		} else {
			h.Status = models.SourceHealthy
		}
		metrics.SourceRequests.WithLabelValues(name, "success").Inc()
		return
	}

	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures++
	metrics.SourceRequests.WithLabelValues(name, "failure").Inc()

	if h.ConsecutiveFailures >= m.cfg.FailoverAfterFailures {
		h.Status = models.SourceDegraded
		if h.ConsecutiveFailures >= 2*m.cfg.FailoverAfterFailures {
			h.Status = models.SourceFailed
		}
		if name == m.active && name == m.primary.Name() {
			m.switchToLocked(m.secondary.Name(), "primary degraded")
		}
	}
}

func (m *Monitor) switchToLocked(name, reason string) {
	if m.active == name {
		return
	}
	from := m.active
	m.active = name
	for n, h := range m.health {
		h.Active = n == name
	}
	// Fresh hysteresis window for the source we just left.
	m.health[from].ConsecutiveSuccesses = 0

	m.log.Warn().Str("from", from).Str("to", name).Str("reason", reason).Msg("data source switch")
	metrics.SourceFailovers.WithLabelValues(from, name).Inc()
	evt := events.EventSourceFailover
	if name == m.primary.Name() {
		evt = events.EventSourceRecovered
	}
	m.bus.Publish(evt, map[string]interface{}{"from": from, "to": name, "reason": reason})
}

func (m *Monitor) source(name string) Source {
	if name == m.primary.Name() {
		return m.primary
	}
	return m.secondary
}

// request runs fn against the active source with bounded exponential
// backoff, reporting one outcome per exhausted attempt chain. When the
// active source fails, the request is retried once on whichever source is
// active afterwards, so a single failover does not lose the tick.
func (m *Monitor) request(ctx context.Context, fn func(Source) error) error {
	tried := make(map[string]bool)
	for attempt := 0; attempt < 2; attempt++ {
		name := m.ActiveSource()
		if tried[name] {
			break
		}
		tried[name] = true
		src := m.source(name)

		bo := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.cfg.MaxRetries), ctx)
		err := backoff.Retry(func() error { return fn(src) }, bo)
		m.Report(name, err == nil)
		if err == nil {
			return nil
		}
		m.log.Warn().Str("source", name).Err(err).Msg("market data request failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	m.bus.Publish(events.EventFeedDegraded, map[string]interface{}{"active": m.ActiveSource()})
	return fmt.Errorf("all market data sources failed")
}

// Candles fetches recent candle history through the active source.
func (m *Monitor) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var out []models.Candle
	err := m.request(ctx, func(s Source) error {
		cs, err := s.Candles(ctx, symbol, interval, limit)
		if err == nil {
			out = cs
		}
		return err
	})
	return out, err
}

// LatestCandle fetches the newest candle through the active source.
func (m *Monitor) LatestCandle(ctx context.Context, symbol, interval string) (models.Candle, error) {
	var out models.Candle
	err := m.request(ctx, func(s Source) error {
		c, err := s.LatestCandle(ctx, symbol, interval)
		if err == nil {
			out = c
		}
		return err
	})
	return out, err
}

// PriceTick fetches the latest price through the active source.
func (m *Monitor) PriceTick(ctx context.Context, symbol string) (models.PriceTick, error) {
	var out models.PriceTick
	err := m.request(ctx, func(s Source) error {
		t, err := s.PriceTick(ctx, symbol)
		if err == nil {
			out = t
		}
		return err
	})
	return out, err
}

// Start runs the background recovery probe until ctx is cancelled. While
// the primary is inactive it is probed every ProbeInterval; enough
// consecutive successes switch the feed back.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probePrimary(ctx)
			}
		}
	}()
}

func (m *Monitor) probePrimary(ctx context.Context) {
	if m.ActiveSource() == m.primary.Name() {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
	defer cancel()
	_, err := m.primary.PriceTick(probeCtx, m.cfg.ProbeSymbol)
	m.Report(m.primary.Name(), err == nil)
	if err != nil {
		m.log.Debug().Err(err).Msg("primary probe failed")
	}
}
