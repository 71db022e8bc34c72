package rate

import (
	"errors"
	"fmt"
	"time"
)

// Endpoint categories.
const (
	CategoryAuth    = "auth"
	CategoryOTP     = "otp"
	CategoryUpload  = "upload"
	CategoryExport  = "export"
	CategoryPayment = "payment"
	CategoryGeneral = "general"
)

// Rule is the base quota for one category before tier and adaptive scaling.
type Rule struct {
	Window      time.Duration `toml:"window"`
	Limit       int           `toml:"limit"`
	BurstWindow time.Duration `toml:"burst_window"`
	BurstLimit  int           `toml:"burst_limit"`
}

// Adaptive controls the multiplier derived from trailing usage.
type Adaptive struct {
	Enabled        bool          `toml:"enabled"`
	StatsWindow    time.Duration `toml:"stats_window"`
	MinSamples     int           `toml:"min_samples"`
	HighRatio      float64       `toml:"high_ratio"`
	LowUsage       float64       `toml:"low_usage"`
	DecreaseFactor float64       `toml:"decrease_factor"`
	IncreaseFactor float64       `toml:"increase_factor"`
	Duration       time.Duration `toml:"duration"`
}

// Policy is the full limiter configuration. It is swapped atomically on
// reload and never mutated in place.
type Policy struct {
	Rules       map[string]Rule    `toml:"rules"`
	Tiers       map[string]float64 `toml:"tiers"`
	DefaultTier string             `toml:"default_tier"`
	Adaptive    Adaptive           `toml:"adaptive"`
}

// DefaultPolicy mirrors the production profile.
func DefaultPolicy() Policy {
	return Policy{
		Rules: map[string]Rule{
			CategoryAuth:    {Window: time.Minute, Limit: 10, BurstWindow: 5 * time.Second, BurstLimit: 5},
			CategoryOTP:     {Window: time.Hour, Limit: 10, BurstWindow: 10 * time.Second, BurstLimit: 2},
			CategoryUpload:  {Window: time.Minute, Limit: 30, BurstWindow: 5 * time.Second, BurstLimit: 10},
			CategoryExport:  {Window: time.Hour, Limit: 20, BurstWindow: 10 * time.Second, BurstLimit: 3},
			CategoryPayment: {Window: time.Minute, Limit: 10, BurstWindow: 5 * time.Second, BurstLimit: 3},
			CategoryGeneral: {Window: time.Minute, Limit: 300, BurstWindow: time.Second, BurstLimit: 50},
		},
		Tiers: map[string]float64{
			"free":       1,
			"pro":        3,
			"enterprise": 10,
		},
		DefaultTier: "free",
		Adaptive: Adaptive{
			Enabled:        true,
			StatsWindow:    time.Hour,
			MinSamples:     50,
			HighRatio:      0.2,
			LowUsage:       0.1,
			DecreaseFactor: 0.5,
			IncreaseFactor: 1.5,
			Duration:       30 * time.Minute,
		},
	}
}

// Validate checks every rule and factor.
func (p Policy) Validate() error {
	if len(p.Rules) == 0 {
		return errors.New("rate policy needs at least one rule")
	}
	if _, ok := p.Rules[CategoryGeneral]; !ok {
		return errors.New("rate policy must define the general category")
	}
	for name, r := range p.Rules {
		if r.Window <= 0 || r.Limit <= 0 {
			return fmt.Errorf("rate rule %q: window and limit must be > 0", name)
		}
		if r.BurstLimit < 0 || (r.BurstLimit > 0 && r.BurstWindow <= 0) {
			return fmt.Errorf("rate rule %q: burst window must be > 0 when burst limit is set", name)
		}
		if r.BurstLimit > 0 && r.BurstWindow >= r.Window {
			return fmt.Errorf("rate rule %q: burst window must be shorter than window", name)
		}
	}
	for tier, m := range p.Tiers {
		if m <= 0 {
			return fmt.Errorf("rate tier %q: multiplier must be > 0", tier)
		}
	}
	if p.DefaultTier != "" {
		if _, ok := p.Tiers[p.DefaultTier]; !ok {
			return fmt.Errorf("rate default tier %q is not defined", p.DefaultTier)
		}
	}
	a := p.Adaptive
	if a.Enabled {
		if a.StatsWindow <= 0 || a.Duration <= 0 || a.MinSamples <= 0 {
			return errors.New("adaptive rate limiting needs stats window, duration and min samples > 0")
		}
		if a.DecreaseFactor <= 0 || a.DecreaseFactor >= 1 {
			return errors.New("adaptive decrease factor must be in (0,1)")
		}
		if a.IncreaseFactor <= 1 {
			return errors.New("adaptive increase factor must be > 1")
		}
		if a.HighRatio <= 0 || a.HighRatio > 1 || a.LowUsage < 0 || a.LowUsage >= 1 {
			return errors.New("adaptive ratios must be fractions")
		}
	}
	return nil
}

func (p Policy) rule(category string) (Rule, string) {
	if r, ok := p.Rules[category]; ok {
		return r, category
	}
	return p.Rules[CategoryGeneral], CategoryGeneral
}

func (p Policy) tierMultiplier(tier string) float64 {
	if m, ok := p.Tiers[tier]; ok {
		return m
	}
	if m, ok := p.Tiers[p.DefaultTier]; ok {
		return m
	}
	return 1
}

// Clone returns a deep copy so callers can edit maps freely.
func (p Policy) Clone() Policy {
	out := p
	out.Rules = make(map[string]Rule, len(p.Rules))
	for k, v := range p.Rules {
		out.Rules[k] = v
	}
	out.Tiers = make(map[string]float64, len(p.Tiers))
	for k, v := range p.Tiers {
		out.Tiers[k] = v
	}
	return out
}
