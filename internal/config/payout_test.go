package config

import (
	"testing"
	"time"
)

func TestPlatformFeeSplit(t *testing.T) {
	policy := PayoutPolicy{PlatformFeeBps: 1500}

	cases := []struct {
		amount  int64
		wantFee int64
		wantNet int64
	}{
		{10000, 1500, 8500},
		{9999, 1499, 8500}, // fee truncates toward zero
		{1, 0, 1},
		{0, 0, 0},
		{-500, 0, 0},
	}
	for _, tc := range cases {
		fee, net := policy.PlatformFee(tc.amount)
		if fee != tc.wantFee || net != tc.wantNet {
			t.Errorf("PlatformFee(%d) = (%d, %d), want (%d, %d)", tc.amount, fee, net, tc.wantFee, tc.wantNet)
		}
		if fee+net != tc.amount && tc.amount > 0 {
			t.Errorf("PlatformFee(%d) loses money: fee %d + net %d", tc.amount, fee, net)
		}
	}
}

func TestPlatformFeeZeroBps(t *testing.T) {
	policy := PayoutPolicy{PlatformFeeBps: 0}
	fee, net := policy.PlatformFee(10000)
	if fee != 0 || net != 10000 {
		t.Fatalf("fee split = (%d, %d), want (0, 10000)", fee, net)
	}
}

func TestHoldingPeriod(t *testing.T) {
	policy := PayoutPolicy{HoldingPeriodDays: 7}
	if got := policy.HoldingPeriod(); got != 7*24*time.Hour {
		t.Fatalf("holding period = %v", got)
	}
}

func TestValidatePayoutPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy PayoutPolicy
		ok     bool
	}{
		{"defaults", DefaultPayoutPolicy(), true},
		{"zero hold", PayoutPolicy{HoldingPeriodDays: 0, PlatformFeeBps: 100}, true},
		{"negative hold", PayoutPolicy{HoldingPeriodDays: -1, PlatformFeeBps: 100}, false},
		{"negative fee", PayoutPolicy{HoldingPeriodDays: 1, PlatformFeeBps: -1}, false},
		{"fee at cap", PayoutPolicy{HoldingPeriodDays: 1, PlatformFeeBps: 10_000}, false},
	}
	for _, tc := range cases {
		err := validatePayoutPolicy(tc.policy)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestStaticHolderReturnsFixedPolicy(t *testing.T) {
	holder := NewStaticPayoutPolicyHolder(PayoutPolicy{HoldingPeriodDays: 3, PlatformFeeBps: 250})
	got := holder.Get()
	if got.HoldingPeriodDays != 3 || got.PlatformFeeBps != 250 {
		t.Fatalf("policy = %+v", got)
	}
}
