package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCommissionSplit(t *testing.T) {
	price := decimal.RequireFromString("100.00")
	rate := decimal.RequireFromString("0.20")

	unit := ToMinorUnits(price)
	if unit != 10000 {
		t.Fatalf("expected 10000 minor units got %d", unit)
	}
	if fee := ApplicationFee(unit, rate); fee != 2000 {
		t.Fatalf("expected fee 2000 got %d", fee)
	}
	net := SellerNet(price, rate)
	if !net.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("expected net 80.00 got %s", net)
	}
}

func TestCommissionSplitHasNoDrift(t *testing.T) {
	rate := decimal.RequireFromString("0.20")
	for cents := int64(1); cents <= 100000; cents += 7 {
		price := FromMinorUnits(cents)
		unit := ToMinorUnits(price)
		if unit != cents {
			t.Fatalf("round trip %d -> %s -> %d", cents, price, unit)
		}
		fee := ApplicationFee(unit, rate)
		net := ToMinorUnits(SellerNet(price, rate))
		// fee rounds the platform share; net rounds the seller share.
		if diff := unit - fee - net; diff < -1 || diff > 1 {
			t.Fatalf("price %s: fee %d + net %d drifted from %d", price, fee, net, unit)
		}
		again := ApplicationFee(ToMinorUnits(price), rate)
		if again != fee {
			t.Fatalf("price %s: fee not stable across runs (%d vs %d)", price, fee, again)
		}
	}
}

func TestParseRate(t *testing.T) {
	if _, err := ParseRate("0.12"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"-0.1", "1.5", "abc"} {
		if _, err := ParseRate(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestRateOrDefault(t *testing.T) {
	got := RateOrDefault(decimal.NullDecimal{}, DefaultCommissionRate)
	if !got.Equal(DefaultCommissionRate) {
		t.Fatalf("expected default rate got %s", got)
	}
	set := decimal.NewNullDecimal(decimal.RequireFromString("0.08"))
	if got := RateOrDefault(set, DefaultCommissionRate); !got.Equal(set.Decimal) {
		t.Fatalf("expected configured rate got %s", got)
	}
}
