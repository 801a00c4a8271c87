package config

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestResolve_LayerPrecedence(t *testing.T) {
	champion := json.RawMessage(`{
		"replay": {"starting_capital": 50000, "warmup_bars": 100},
		"gate": {"cooldown_bars": 5}
	}`)
	overrides := json.RawMessage(`{
		"replay": {"warmup_bars": 30}
	}`)

	cfg, err := Resolve(champion, overrides)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Replay.StartingCapital != 50000 {
		t.Errorf("champion layer lost: capital %f", cfg.Replay.StartingCapital)
	}
	if cfg.Replay.WarmupBars != 30 {
		t.Errorf("override layer must win: warmup %d", cfg.Replay.WarmupBars)
	}
	if cfg.Gate.CooldownBars != 5 {
		t.Errorf("champion gate field lost: cooldown %d", cfg.Gate.CooldownBars)
	}
	// Untouched defaults survive through both layers.
	if cfg.Replay.CommissionRate != 0.001 {
		t.Errorf("default commission lost: %f", cfg.Replay.CommissionRate)
	}
}

func TestResolve_FailsFast(t *testing.T) {
	tests := []struct {
		name      string
		overrides string
		wantErr   error
	}{
		{
			"unknown timeframe",
			`{"replay": {"timeframe": "7m"}}`,
			ErrBadTimeframe,
		},
		{
			"non-ascending risk map",
			`{"gate": {"risk_map": [[0.5, 0.1], [0.3, 0.2]]}}`,
			ErrBadRiskMap,
		},
		{
			"risk size above one",
			`{"gate": {"risk_map": [[0.5, 1.5]]}}`,
			ErrBadRiskMap,
		},
		{
			"partial fraction above one",
			`{"exits": {"first_fraction": 1.2}}`,
			ErrBadFraction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(nil, json.RawMessage(tt.overrides))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolve_LookbackCoversWarmup(t *testing.T) {
	overrides := json.RawMessage(`{"replay": {"warmup_bars": 300}}`)
	if _, err := Resolve(nil, overrides); err == nil {
		t.Fatal("warmup beyond the lookback window must fail validation")
	}

	overrides = json.RawMessage(`{"replay": {"warmup_bars": 300, "lookback_window": 400}}`)
	if _, err := Resolve(nil, overrides); err != nil {
		t.Fatalf("enlarged window must validate: %v", err)
	}
}

func TestResolve_DefaultsValid(t *testing.T) {
	if _, err := Resolve(nil, nil); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
