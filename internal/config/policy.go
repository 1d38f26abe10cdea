package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PortfolioPolicy drives the delinquency overview: how days-past-due map
// into aging buckets and how outstanding exposure maps into risk levels.
// Reloaded at runtime when the mounted policy file changes.
type PortfolioPolicy struct {
	AgingBuckets []AgingBucket `mapstructure:"agingBuckets"`
	RiskLevels   []RiskLevel   `mapstructure:"riskLevels"`
}

type AgingBucket struct {
	Label   string `mapstructure:"label"`
	MinDays int    `mapstructure:"minDays"`
	MaxDays *int   `mapstructure:"maxDays"`
}

type RiskLevel struct {
	Level          string `mapstructure:"level"`
	MinOutstanding int64  `mapstructure:"minOutstanding"`
	MinDaysLate    int    `mapstructure:"minDaysLate"`
}

func DefaultPortfolioPolicy() PortfolioPolicy {
	return PortfolioPolicy{
		AgingBuckets: []AgingBucket{
			{Label: "current", MinDays: 0, MaxDays: intPtr(0)},
			{Label: "1-30", MinDays: 1, MaxDays: intPtr(30)},
			{Label: "31-60", MinDays: 31, MaxDays: intPtr(60)},
			{Label: "61-90", MinDays: 61, MaxDays: intPtr(90)},
			{Label: "90+", MinDays: 91, MaxDays: nil},
		},
		RiskLevels: []RiskLevel{
			{Level: "high", MinOutstanding: 1_000_000, MinDaysLate: 60},
			{Level: "medium", MinOutstanding: 250_000, MinDaysLate: 31},
			{Level: "low", MinOutstanding: 0, MinDaysLate: 0},
		},
	}
}

func intPtr(v int) *int { return &v }

type PortfolioPolicyHolder struct {
	current atomic.Value // holds PortfolioPolicy
}

func NewPortfolioPolicyHolder() (*PortfolioPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/credo/config") // Volume-mounted config
	v.AddConfigPath("/etc/credo")            // System config
	v.AddConfigPath(".")                     // Current directory (dev mode)

	v.SetEnvPrefix("CREDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPortfolioPolicy()
		v.SetDefault("portfolio.agingBuckets", defaults.AgingBuckets)
		v.SetDefault("portfolio.riskLevels", defaults.RiskLevels)
	}

	var policy PortfolioPolicy
	if err := v.UnmarshalKey("portfolio", &policy); err != nil {
		return nil, err
	}
	if err := validatePortfolioPolicy(policy); err != nil {
		return nil, err
	}

	holder := &PortfolioPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PortfolioPolicy
		if err := v.UnmarshalKey("portfolio", &updated); err != nil {
			log.Printf("[portfolio-policy] reload failed: %v", err)
			return
		}
		if err := validatePortfolioPolicy(updated); err != nil {
			log.Printf("[portfolio-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[portfolio-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PortfolioPolicyHolder) Get() PortfolioPolicy {
	return h.current.Load().(PortfolioPolicy)
}

// NewStaticPortfolioPolicyHolder wraps a fixed policy with no file watch.
// Used by tests and one-shot tools.
func NewStaticPortfolioPolicyHolder(policy PortfolioPolicy) *PortfolioPolicyHolder {
	holder := &PortfolioPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validatePortfolioPolicy(policy PortfolioPolicy) error {
	if len(policy.AgingBuckets) == 0 {
		return errors.New("portfolio.agingBuckets cannot be empty")
	}
	if len(policy.RiskLevels) == 0 {
		return errors.New("portfolio.riskLevels cannot be empty")
	}
	return nil
}
