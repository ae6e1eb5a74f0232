package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	symbols, excluded := cfg.ValidSymbols()
	assert.Len(t, symbols, 4)
	assert.Empty(t, excluded)
}

func TestThresholdBoundsMustBeOrdered(t *testing.T) {
	cfg := Default()
	cfg.ThresholdConfig.MinThreshold = 0.9
	cfg.ThresholdConfig.MaxThreshold = 0.6

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_threshold")
}

func TestTierLadderMustIncrease(t *testing.T) {
	cfg := Default()
	cfg.TradingConfig.Tiers.TP1Pct = 0.05
	cfg.TradingConfig.Tiers.TP2Pct = 0.03 // tp1 >= tp2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestBrokenPerSymbolOverrideExcludesOnlyThatSymbol(t *testing.T) {
	cfg := Default()
	cfg.TradingConfig.PerSymbolTiers = map[string]TierConfig{
		"DOGEUSDT": {TP1Pct: 0.08, TP2Pct: 0.05, TP3Pct: 0.03, StopPct: 0.02, CloseFractions: [3]float64{0.5, 0.3, 0.2}},
	}
	require.NoError(t, cfg.Validate()) // process config is fine

	symbols, excluded := cfg.ValidSymbols()
	assert.NotContains(t, symbols, "DOGEUSDT")
	assert.Len(t, symbols, 3)
	require.Contains(t, excluded, "DOGEUSDT")
	assert.Contains(t, excluded["DOGEUSDT"].Error(), "strictly increasing")
}

func TestCloseFractionsMustNotExceedWholePosition(t *testing.T) {
	cfg := Default()
	cfg.TradingConfig.Tiers.CloseFractions = [3]float64{0.6, 0.4, 0.2}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 1")
}

func TestTiersForFallsBackToDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.TradingConfig.Tiers, cfg.TiersFor("BTCUSDT"))

	override := TierConfig{TP1Pct: 0.02, TP2Pct: 0.04, TP3Pct: 0.06, StopPct: 0.015, CloseFractions: [3]float64{0.4, 0.3, 0.3}}
	cfg.TradingConfig.PerSymbolTiers = map[string]TierConfig{"ETHUSDT": override}
	assert.Equal(t, override, cfg.TiersFor("ETHUSDT"))
}
