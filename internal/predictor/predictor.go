// Package predictor exposes the directional prediction capability consumed
// by the signal emitter. The concrete strategy (rule-based, ensembled, mock)
// is selected behind one constructor so the decision path never branches on
// which model is active.
package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/amirsofali3/TB/internal/models"
)

// Predictor produces a directional probability and confidence for a symbol
// given recent candles. Implementations must respect ctx deadlines; callers
// treat a timeout as HOLD for that tick.
type Predictor interface {
	Predict(ctx context.Context, symbol string, candles []models.Candle) (models.Prediction, error)
	Version() string
}

// New builds a predictor of the given kind: "rule", "ensemble" or "mock".
func New(kind string) (Predictor, error) {
	switch kind {
	case "rule":
		return NewRuleBased(), nil
	case "ensemble":
		return NewEnsemble(NewRuleBased(), NewRuleBasedWindow(6), NewRuleBasedWindow(24)), nil
	case "mock":
		return NewMock(0.65, 0.75), nil
	default:
		return nil, fmt.Errorf("unknown predictor kind %q", kind)
	}
}

// MinCandles is the least history a prediction needs to be meaningful.
const MinCandles = 20

// RuleBased scores momentum and volatility over a lookback window of
// candles. It stands in for the trained model with the same contract.
type RuleBased struct {
	window  int
	version string
}

// NewRuleBased returns the default 12-candle rule predictor.
func NewRuleBased() *RuleBased { return NewRuleBasedWindow(12) }

// NewRuleBasedWindow returns a rule predictor with a custom lookback.
func NewRuleBasedWindow(window int) *RuleBased {
	return &RuleBased{window: window, version: fmt.Sprintf("rule_w%d_v1", window)}
}

func (r *RuleBased) Version() string { return r.version }

// Predict scores the candle window. Probability leans toward the direction
// of recent returns; confidence grows with trend consistency and shrinks
// with volatility.
func (r *RuleBased) Predict(ctx context.Context, symbol string, candles []models.Candle) (models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return models.Prediction{}, err
	}
	if len(candles) < MinCandles {
		return models.Prediction{}, fmt.Errorf("predict %s: need %d candles, have %d", symbol, MinCandles, len(candles))
	}

	window := candles
	if len(window) > r.window {
		window = window[len(window)-r.window:]
	}

	var up, down int
	var sumRet, sumAbs float64
	for i := 1; i < len(window); i++ {
		prev := window[i-1].Close
		if prev == 0 {
			continue
		}
		ret := (window[i].Close - prev) / prev
		sumRet += ret
		if ret >= 0 {
			up++
			sumAbs += ret
		} else {
			down++
			sumAbs -= ret
		}
	}

	n := len(window) - 1
	if n == 0 {
		return models.Prediction{}, fmt.Errorf("predict %s: degenerate candle window", symbol)
	}

	// Map cumulative return onto [0,1] around 0.5; saturate at +-5%.
	prob := 0.5 + clamp(sumRet/0.05, -1, 1)*0.5
	prob = clamp(prob, 0, 1)

	// Consistency: share of candles agreeing with the dominant direction.
	consistency := float64(max(up, down)) / float64(n)
	// Volatility penalty: choppy windows are less trustworthy.
	avgMove := sumAbs / float64(n)
	penalty := clamp(avgMove/0.02, 0, 0.3)
	confidence := clamp(consistency-penalty, 0, 1)

	return models.Prediction{
		Symbol:       symbol,
		Probability:  prob,
		Confidence:   confidence,
		ModelVersion: r.version,
		Timestamp:    time.Now(),
	}, nil
}

// Ensemble averages the probability and confidence of member predictors.
// A member error discards that member; all members failing fails the tick.
type Ensemble struct {
	members []Predictor
	version string
}

func NewEnsemble(members ...Predictor) *Ensemble {
	return &Ensemble{members: members, version: fmt.Sprintf("ensemble_%d_v1", len(members))}
}

func (e *Ensemble) Version() string { return e.version }

func (e *Ensemble) Predict(ctx context.Context, symbol string, candles []models.Candle) (models.Prediction, error) {
	var probSum, confSum float64
	var ok int
	var lastErr error
	for _, m := range e.members {
		p, err := m.Predict(ctx, symbol, candles)
		if err != nil {
			lastErr = err
			continue
		}
		probSum += p.Probability
		confSum += p.Confidence
		ok++
	}
	if ok == 0 {
		return models.Prediction{}, fmt.Errorf("ensemble %s: all members failed: %w", symbol, lastErr)
	}
	return models.Prediction{
		Symbol:       symbol,
		Probability:  probSum / float64(ok),
		Confidence:   confSum / float64(ok),
		ModelVersion: e.version,
		Timestamp:    time.Now(),
	}, nil
}

// Mock returns fixed values; used by tests and the demo wiring.
type Mock struct {
	Probability float64
	Confidence  float64
	Err         error
}

func NewMock(probability, confidence float64) *Mock {
	return &Mock{Probability: probability, Confidence: confidence}
}

func (m *Mock) Version() string { return "mock_v1" }

func (m *Mock) Predict(ctx context.Context, symbol string, _ []models.Candle) (models.Prediction, error) {
	if m.Err != nil {
		return models.Prediction{}, m.Err
	}
	return models.Prediction{
		Symbol:       symbol,
		Probability:  m.Probability,
		Confidence:   m.Confidence,
		ModelVersion: m.Version(),
		Timestamp:    time.Now(),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
