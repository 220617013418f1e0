package allocation

import (
	"fmt"
	"os"

	"github.com/quantdesk/rebalancer/internal/domain"
	"gopkg.in/yaml.v3"
)

// Bounds holds the per-stock clamps and risk-profile adjustments used by the planner
type Bounds struct {
	MinStockPct float64 `yaml:"min_stock_pct"`
	MaxStockPct float64 `yaml:"max_stock_pct"`

	// Conservative profiles shrink high-risk BUYs
	ConservativeRiskThreshold float64 `yaml:"conservative_risk_threshold"`
	ConservativeMultiplier    float64 `yaml:"conservative_multiplier"`

	// Aggressive profiles grow high-confidence BUYs
	AggressiveConfidenceThreshold float64 `yaml:"aggressive_confidence_threshold"`
	AggressiveMultiplier          float64 `yaml:"aggressive_multiplier"`

	HoldCaps       map[domain.RiskProfile]float64 `yaml:"hold_caps"`
	UnanalyzedCaps map[domain.RiskProfile]float64 `yaml:"unanalyzed_caps"`
}

// DefaultBounds returns the built-in planner constants
func DefaultBounds() Bounds {
	return Bounds{
		MinStockPct:                   5,
		MaxStockPct:                   25,
		ConservativeRiskThreshold:     8,
		ConservativeMultiplier:        0.8,
		AggressiveConfidenceThreshold: 75,
		AggressiveMultiplier:          1.1,
		HoldCaps: map[domain.RiskProfile]float64{
			domain.RiskProfileConservative: 8,
			domain.RiskProfileModerate:     10,
			domain.RiskProfileAggressive:   12,
		},
		UnanalyzedCaps: map[domain.RiskProfile]float64{
			domain.RiskProfileConservative: 5,
			domain.RiskProfileModerate:     6,
			domain.RiskProfileAggressive:   8,
		},
	}
}

// LoadBounds reads a YAML override file on top of DefaultBounds.
// An empty path returns the defaults.
func LoadBounds(path string) (Bounds, error) {
	bounds := DefaultBounds()
	if path == "" {
		return bounds, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return bounds, fmt.Errorf("failed to read allocation profile %s: %w", path, err)
	}

	var override Bounds
	if err := yaml.Unmarshal(data, &override); err != nil {
		return bounds, fmt.Errorf("failed to parse allocation profile %s: %w", path, err)
	}

	bounds.merge(override)
	if err := bounds.Validate(); err != nil {
		return DefaultBounds(), fmt.Errorf("invalid allocation profile %s: %w", path, err)
	}
	return bounds, nil
}

func (b *Bounds) merge(o Bounds) {
	if o.MinStockPct > 0 {
		b.MinStockPct = o.MinStockPct
	}
	if o.MaxStockPct > 0 {
		b.MaxStockPct = o.MaxStockPct
	}
	if o.ConservativeRiskThreshold > 0 {
		b.ConservativeRiskThreshold = o.ConservativeRiskThreshold
	}
	if o.ConservativeMultiplier > 0 {
		b.ConservativeMultiplier = o.ConservativeMultiplier
	}
	if o.AggressiveConfidenceThreshold > 0 {
		b.AggressiveConfidenceThreshold = o.AggressiveConfidenceThreshold
	}
	if o.AggressiveMultiplier > 0 {
		b.AggressiveMultiplier = o.AggressiveMultiplier
	}
	for profile, v := range o.HoldCaps {
		b.HoldCaps[profile] = v
	}
	for profile, v := range o.UnanalyzedCaps {
		b.UnanalyzedCaps[profile] = v
	}
}

// Validate rejects bounds the planner cannot honor
func (b Bounds) Validate() error {
	if b.MinStockPct <= 0 || b.MaxStockPct > 100 || b.MinStockPct > b.MaxStockPct {
		return fmt.Errorf("stock bounds must satisfy 0 < min <= max <= 100, got [%.2f, %.2f]", b.MinStockPct, b.MaxStockPct)
	}
	for profile, v := range b.HoldCaps {
		if v < 0 || v > b.MaxStockPct {
			return fmt.Errorf("hold cap for %s out of range: %.2f", profile, v)
		}
	}
	for profile, v := range b.UnanalyzedCaps {
		if v < 0 || v > b.HoldCaps[profile] {
			return fmt.Errorf("unanalyzed cap for %s must not exceed its hold cap: %.2f", profile, v)
		}
	}
	return nil
}

func (b Bounds) holdCap(profile domain.RiskProfile) float64 {
	if v, ok := b.HoldCaps[profile]; ok {
		return v
	}
	return b.HoldCaps[domain.RiskProfileModerate]
}

func (b Bounds) unanalyzedCap(profile domain.RiskProfile) float64 {
	if v, ok := b.UnanalyzedCaps[profile]; ok {
		return v
	}
	return b.UnanalyzedCaps[domain.RiskProfileModerate]
}
