package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PayoutPolicy is the deployment-owned payout configuration: how long funds
// are held after a session ends and how the platform fee is computed. It is
// injected, never derived, and may be reloaded at runtime.
type PayoutPolicy struct {
	HoldingPeriodDays int `mapstructure:"holdingPeriodDays"`
	PlatformFeeBps    int `mapstructure:"platformFeeBps"`
}

func DefaultPayoutPolicy() PayoutPolicy {
	return PayoutPolicy{
		HoldingPeriodDays: 7,
		PlatformFeeBps:    1500,
	}
}

// HoldingPeriod returns the holding period as a duration.
func (p PayoutPolicy) HoldingPeriod() time.Duration {
	return time.Duration(p.HoldingPeriodDays) * 24 * time.Hour
}

// PlatformFee splits a gross amount into (fee, providerNet). The fee is
// truncated toward zero so the provider net never loses more than the
// configured share.
func (p PayoutPolicy) PlatformFee(amount int64) (int64, int64) {
	if amount <= 0 {
		return 0, 0
	}
	fee := amount * int64(p.PlatformFeeBps) / 10_000
	return fee, amount - fee
}

type PayoutPolicyHolder struct {
	current atomic.Value // holds PayoutPolicy
}

// NewPayoutPolicyHolder reads the payout policy file and watches it for
// changes. A missing file falls back to defaults; an invalid reload is
// ignored and the previous policy stays active.
func NewPayoutPolicyHolder() (*PayoutPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("payout")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/paylane/config")
	v.AddConfigPath("/etc/paylane")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAYLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPayoutPolicy()
		v.SetDefault("payout.holdingPeriodDays", defaults.HoldingPeriodDays)
		v.SetDefault("payout.platformFeeBps", defaults.PlatformFeeBps)
	}

	var policy PayoutPolicy
	if err := v.UnmarshalKey("payout", &policy); err != nil {
		return nil, err
	}
	if err := validatePayoutPolicy(policy); err != nil {
		return nil, err
	}

	holder := &PayoutPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PayoutPolicy
		if err := v.UnmarshalKey("payout", &updated); err != nil {
			log.Printf("[payout-config] reload failed: %v", err)
			return
		}
		if err := validatePayoutPolicy(updated); err != nil {
			log.Printf("[payout-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[payout-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPayoutPolicyHolder wraps a fixed policy, for tests.
func NewStaticPayoutPolicyHolder(policy PayoutPolicy) *PayoutPolicyHolder {
	holder := &PayoutPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *PayoutPolicyHolder) Get() PayoutPolicy {
	return h.current.Load().(PayoutPolicy)
}

func validatePayoutPolicy(policy PayoutPolicy) error {
	if policy.HoldingPeriodDays < 0 {
		return errors.New("payout.holdingPeriodDays cannot be negative")
	}
	if policy.PlatformFeeBps < 0 || policy.PlatformFeeBps >= 10_000 {
		return errors.New("payout.platformFeeBps must be in [0, 10000)")
	}
	return nil
}
