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

// CoinExClient fetches public market data from CoinEx (v1 API).
type CoinExClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinExClient creates a client against the given base URL
// (e.g. https://api.coinex.com/v1).
func NewCoinExClient(baseURL string, timeout time.Duration) *CoinExClient {
	return &CoinExClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *CoinExClient) Name() string { return "coinex" }

// coinexEnvelope is the common CoinEx response wrapper.
type coinexEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *CoinExClient) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coinex request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coinex read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coinex status %d: %s", resp.StatusCode, string(body))
	}

	var env coinexEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("coinex decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("coinex api error %d: %s", env.Code, env.Message)
	}
	return env.Data, nil
}

// Candles returns up to limit closed candles, oldest first, for the
// interval (CoinEx "type", e.g. "4hour").
func (c *CoinExClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("market", symbol)
	params.Set("type", coinexInterval(interval))
	params.Set("limit", strconv.Itoa(limit))

	data, err := c.get(ctx, "market/kline", params)
	if err != nil {
		return nil, err
	}

	// Rows: [timestamp, open, close, high, low, volume, amount] as strings.
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("coinex decode klines: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("coinex: no klines for %s", symbol)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("coinex: malformed kline row for %s", symbol)
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, fmt.Errorf("coinex kline timestamp: %w", err)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("coinex kline field %d: %w", i+1, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("coinex kline field %d: %w", i+1, err)
			}
			vals[i] = v
		}
		candles = append(candles, models.Candle{
			Symbol:   symbol,
			OpenTime: time.Unix(ts, 0).UTC(),
			Open:     vals[0],
			Close:    vals[1],
			High:     vals[2],
			Low:      vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

// LatestCandle returns the most recent closed candle.
func (c *CoinExClient) LatestCandle(ctx context.Context, symbol, interval string) (models.Candle, error) {
	candles, err := c.Candles(ctx, symbol, interval, 2)
	if err != nil {
		return models.Candle{}, err
	}
	return candles[len(candles)-1], nil
}

// PriceTick returns the latest traded price.
func (c *CoinExClient) PriceTick(ctx context.Context, symbol string) (models.PriceTick, error) {
	params := url.Values{}
	params.Set("market", symbol)

	data, err := c.get(ctx, "market/ticker", params)
	if err != nil {
		return models.PriceTick{}, err
	}

	var out struct {
		Date   int64 `json:"date"`
		Ticker struct {
			Last string `json:"last"`
		} `json:"ticker"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return models.PriceTick{}, fmt.Errorf("coinex decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(out.Ticker.Last, 64)
	if err != nil {
		return models.PriceTick{}, fmt.Errorf("coinex ticker price: %w", err)
	}

	ts := time.Now().UTC()
	if out.Date > 0 {
		ts = time.UnixMilli(out.Date).UTC()
	}
	return models.PriceTick{Symbol: symbol, Price: price, Timestamp: ts}, nil
}

// coinexInterval maps canonical intervals to CoinEx kline types.
func coinexInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "1h":
		return "1hour"
	case "4h":
		return "4hour"
	case "1d":
		return "1day"
	default:
		return "4hour"
	}
}
