package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/models"
)

type stubThresholds struct{ value float64 }

func (s stubThresholds) Threshold(string) float64 { return s.value }

type stubPositions struct{ open []*models.Position }

func (s stubPositions) OpenPositions(symbol string) []*models.Position {
	if symbol == "" {
		return s.open
	}
	var out []*models.Position
	for _, p := range s.open {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

type stubSignals struct {
	sigs []*models.Signal
	err  error
}

func (s stubSignals) RecentSignals(_ context.Context, _ string, limit int) ([]*models.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.sigs) > limit {
		return s.sigs[:limit], nil
	}
	return s.sigs, nil
}

type stubSources struct{}

func (stubSources) ActiveSource() string { return "coinex" }

func (stubSources) Health() []models.DataSourceHealth {
	return []models.DataSourceHealth{
		{Name: "coinex", Status: models.SourceHealthy},
		{Name: "binance", Status: models.SourceHealthy},
	}
}

type stubExecutor struct{ balance float64 }

func (s stubExecutor) Balance() float64 { return s.balance }

func newTestServer(t *testing.T, positions stubPositions, signals Signals) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	cfg := Config{Addr: ":0", Symbols: []string{"BTCUSDT", "ETHUSDT"}}
	srv := NewServer(cfg, stubThresholds{value: 0.675}, positions, signals, stubSources{}, stubExecutor{balance: 100}, bus, zerolog.Nop())
	return srv, bus
}

func getJSON(t *testing.T, srv *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.Handler().ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{open: []*models.Position{
		{ID: "a", Symbol: "BTCUSDT", Status: models.PositionOpen},
	}}, stubSignals{})

	code, body := getJSON(t, srv, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["open_positions"])
	assert.Equal(t, float64(100), body["balance"])
	assert.Equal(t, "coinex", body["active_source"])
}

func TestSignalsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{}, stubSignals{sigs: []*models.Signal{
		{ID: "s1", Symbol: "BTCUSDT", Direction: models.DirectionBuy, Status: models.SignalActive},
	}})

	code, body := getJSON(t, srv, "/api/signals?limit=10")
	require.Equal(t, http.StatusOK, code)
	sigs := body["signals"].([]interface{})
	require.Len(t, sigs, 1)

	code, _ = getJSON(t, srv, "/api/signals?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getJSON(t, srv, "/api/signals?limit=nope")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSignalsEndpointWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{}, nil)
	code, body := getJSON(t, srv, "/api/signals")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["signals"])
}

func TestPositionsEndpointFiltersBySymbol(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{open: []*models.Position{
		{ID: "a", Symbol: "BTCUSDT", Status: models.PositionOpen},
		{ID: "b", Symbol: "ETHUSDT", Status: models.PositionOpen},
	}}, stubSignals{})

	code, body := getJSON(t, srv, "/api/positions?symbol=ETHUSDT")
	require.Equal(t, http.StatusOK, code)
	positions := body["positions"].([]interface{})
	require.Len(t, positions, 1)
	first := positions[0].(map[string]interface{})
	assert.Equal(t, "ETHUSDT", first["symbol"])
}

func TestThresholdsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{}, stubSignals{})
	code, body := getJSON(t, srv, "/api/thresholds")
	require.Equal(t, http.StatusOK, code)
	thresholds := body["thresholds"].(map[string]interface{})
	assert.Equal(t, 0.675, thresholds["BTCUSDT"])
	assert.Equal(t, 0.675, thresholds["ETHUSDT"])
}

func TestWebsocketReceivesBusEvents(t *testing.T) {
	srv, bus := newTestServer(t, stubPositions{}, stubSignals{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// wait for the hub to register the client before publishing
	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(events.EventSignalGenerated, map[string]interface{}{
		"symbol": "BTCUSDT", "direction": "BUY",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, events.EventSignalGenerated, ev.Type)
	assert.Equal(t, "BTCUSDT", ev.Data["symbol"])
}

// Canceling the hub must close connected clients so their pump goroutines
// exit instead of blocking on an unregister nobody services.
func TestWebsocketShutdownClosesClients(t *testing.T) {
	srv, _ := newTestServer(t, stubPositions{}, stubSignals{})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()

	// the server closes the connection, so the client read unblocks
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, srv.hub.ClientCount())

	// late connects after shutdown are refused, not stranded
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := late.ReadMessage()
		assert.Error(t, readErr)
		late.Close()
	}
	assert.Equal(t, 0, srv.hub.ClientCount())
}
