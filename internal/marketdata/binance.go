package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/amirsofali3/TB/internal/models"
)

// BinanceClient fetches public market data from Binance spot endpoints.
// It is the secondary source behind the health monitor.
type BinanceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinanceClient creates a client against the given base URL
// (e.g. https://api.binance.com).
func NewBinanceClient(baseURL string, timeout time.Duration) *BinanceClient {
	return &BinanceClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *BinanceClient) Name() string { return "binance" }

func (c *BinanceClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Candles returns up to limit closed candles, oldest first, for the
// interval (Binance notation, e.g. "4h").
func (c *BinanceClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	// Rows: [openTime, open, high, low, close, volume, closeTime, ...].
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance decode klines: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("binance: no klines for %s", symbol)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("binance: malformed kline row for %s", symbol)
		}
		openMs, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("binance: bad kline open time for %s", symbol)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			s, ok := row[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("binance: bad kline field %d for %s", i+1, symbol)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("binance kline field %d: %w", i+1, err)
			}
			vals[i] = v
		}
		candles = append(candles, models.Candle{
			Symbol:   symbol,
			OpenTime: time.UnixMilli(int64(openMs)).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

// LatestCandle returns the most recent closed candle.
func (c *BinanceClient) LatestCandle(ctx context.Context, symbol, interval string) (models.Candle, error) {
	candles, err := c.Candles(ctx, symbol, interval, 2)
	if err != nil {
		return models.Candle{}, err
	}
	return candles[len(candles)-1], nil
}

// PriceTick returns the latest traded price.
func (c *BinanceClient) PriceTick(ctx context.Context, symbol string) (models.PriceTick, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return models.PriceTick{}, err
	}

	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return models.PriceTick{}, fmt.Errorf("binance decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return models.PriceTick{}, fmt.Errorf("binance ticker price: %w", err)
	}
	return models.PriceTick{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()}, nil
}
