// Package api exposes the read-only HTTP surface and the websocket event
// stream. The API never mutates trading state; it observes it.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/amirsofali3/TB/internal/events"
	"github.com/amirsofali3/TB/internal/models"
)

// Thresholds exposes the current confidence gates.
type Thresholds interface {
	Threshold(symbol string) float64
}

// Positions exposes open position state.
type Positions interface {
	OpenPositions(symbol string) []*models.Position
}

// Signals exposes recent signal history.
type Signals interface {
	RecentSignals(ctx context.Context, symbol string, limit int) ([]*models.Signal, error)
}

// Sources exposes data-source health.
type Sources interface {
	ActiveSource() string
	Health() []models.DataSourceHealth
}

// Executor exposes the account balance for the status endpoint.
type Executor interface {
	Balance() float64
}

// Config carries the server listen settings.
type Config struct {
	Addr    string
	Symbols []string
}

// Server is the HTTP/websocket front end.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	engine     *gin.Engine
	hub        *Hub
	thresholds Thresholds
	positions  Positions
	signals    Signals
	sources    Sources
	executor   Executor
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer builds the router. signals may be nil when the database is not
// configured; the endpoint then serves an empty list.
func NewServer(cfg Config, thresholds Thresholds, positions Positions, signals Signals, sources Sources, executor Executor, bus *events.Bus, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "api").Logger(),
		engine:     engine,
		hub:        NewHub(bus, log),
		thresholds: thresholds,
		positions:  positions,
		signals:    signals,
		sources:    sources,
		executor:   executor,
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/signals", s.handleSignals)
	api.GET("/signals/:symbol", s.handleSignals)
	api.GET("/positions", s.handlePositions)
	api.GET("/sources", s.handleSources)
	api.GET("/thresholds", s.handleThresholds)
	s.engine.GET("/ws", s.hub.HandleWS)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	open := s.positions.OpenPositions("")
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"balance":        s.executor.Balance(),
		"open_positions": len(open),
		"active_source":  s.sources.ActiveSource(),
		"symbols":        s.cfg.Symbols,
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleSignals(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusOK, gin.H{"signals": []*models.Signal{}})
		return
	}
	symbol := c.Param("symbol")
	if symbol == "" {
		symbol = c.Query("symbol")
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}
	sigs, err := s.signals.RecentSignals(c.Request.Context(), symbol, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("recent signals query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs})
}

func (s *Server) handlePositions(c *gin.Context) {
	symbol := c.Query("symbol")
	open := s.positions.OpenPositions(symbol)
	if open == nil {
		open = []*models.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": open})
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  s.sources.ActiveSource(),
		"sources": s.sources.Health(),
	})
}

func (s *Server) handleThresholds(c *gin.Context) {
	out := make(map[string]float64, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		out[symbol] = s.thresholds.Threshold(symbol)
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": out})
}

// Start runs the hub bridge and the HTTP listener until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }
