package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy carries operator-tunable knobs that ship with sane defaults and can
// be overridden from a YAML file. Unlike Config these are not secrets; they
// shape rate limits, privacy budgets, and trust scoring.
type Policy struct {
	RateLimits struct {
		DSRRequests    WindowPolicy `yaml:"dsr_requests"`
		InsightQueries WindowPolicy `yaml:"insight_queries"`
	} `yaml:"rate_limits"`

	Privacy struct {
		// EpsilonMin rejects queries whose noise would drown the signal;
		// EpsilonMax rejects queries that would add almost none.
		EpsilonMin float64 `yaml:"epsilon_min"`
		EpsilonMax float64 `yaml:"epsilon_max"`
		// ClampFactor bounds noised results to [0, factor*observed_max].
		ClampFactor float64 `yaml:"clamp_factor"`
		// SMPCParties is the number of simulated compute nodes.
		SMPCParties int `yaml:"smpc_parties"`
	} `yaml:"privacy"`

	Trust struct {
		PrivacyWeight     float64 `yaml:"privacy_weight"`
		TrustWeight       float64 `yaml:"trust_weight"`
		ComplexityWeight  float64 `yaml:"complexity_weight"`
		AlternativeWeight float64 `yaml:"alternative_weight"`
		UnspecifiedWeight float64 `yaml:"unspecified_weight"`
		// OfferPolicy is an optional CEL expression evaluated per
		// (offer, buyer) pair on top of the access-level filter.
		OfferPolicy string `yaml:"offer_policy"`
	} `yaml:"trust"`

	Insight struct {
		// MaxConcurrent caps in-flight insight computations per user.
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"insight"`
}

// WindowPolicy is a fixed-window rate limit: at most Limit requests per
// Window.
type WindowPolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultPolicy returns the built-in policy used when no overlay file is
// configured.
func DefaultPolicy() *Policy {
	p := &Policy{}
	p.RateLimits.DSRRequests = WindowPolicy{Limit: 1, Window: 24 * time.Hour}
	p.RateLimits.InsightQueries = WindowPolicy{Limit: 5, Window: 5 * time.Minute}
	p.Privacy.EpsilonMin = 0.01
	p.Privacy.EpsilonMax = 10.0
	p.Privacy.ClampFactor = 1.1
	p.Privacy.SMPCParties = 3
	p.Trust.PrivacyWeight = 0.15
	p.Trust.TrustWeight = 0.15
	p.Trust.ComplexityWeight = 0.15
	p.Trust.AlternativeWeight = 0.05
	p.Trust.UnspecifiedWeight = 0.05
	p.Insight.MaxConcurrent = 2
	return p
}

// LoadPolicy reads the overlay at path on top of the defaults. An empty path
// returns the defaults unchanged.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

func (p *Policy) validate() error {
	if p.RateLimits.DSRRequests.Limit < 1 || p.RateLimits.InsightQueries.Limit < 1 {
		return fmt.Errorf("rate limits must allow at least one request per window")
	}
	if p.RateLimits.DSRRequests.Window <= 0 || p.RateLimits.InsightQueries.Window <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if p.Privacy.EpsilonMin <= 0 || p.Privacy.EpsilonMax <= p.Privacy.EpsilonMin {
		return fmt.Errorf("epsilon bounds must satisfy 0 < min < max")
	}
	if p.Privacy.ClampFactor < 1.0 {
		return fmt.Errorf("clamp_factor must be at least 1.0")
	}
	if p.Privacy.SMPCParties < 2 {
		return fmt.Errorf("smpc_parties must be at least 2")
	}
	if p.Insight.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	return nil
}
