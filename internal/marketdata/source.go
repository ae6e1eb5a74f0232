// Package marketdata routes candle and tick requests through a health
// monitor that fails over between a primary and secondary provider.
package marketdata

import (
	"context"

	"github.com/amirsofali3/TB/internal/models"
)

// Source is one market-data provider. Implementations must honor ctx
// deadlines; the monitor counts an exhausted request as one failure.
type Source interface {
	Name() string
	Candles(ctx context.Context, symbol string, interval string, limit int) ([]models.Candle, error)
	LatestCandle(ctx context.Context, symbol string, interval string) (models.Candle, error)
	PriceTick(ctx context.Context, symbol string) (models.PriceTick, error)
}
