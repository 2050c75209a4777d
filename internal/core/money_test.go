package core_test

import (
	"testing"

	"ledgercore/internal/core"

	"github.com/shopspring/decimal"
)

func TestMoney_RoundHalfUp(t *testing.T) {
	cases := []struct {
		in     string
		places int32
		want   string
	}{
		{"1.005", 2, "1.01"},
		{"1.004", 2, "1.00"},
		{"-1.005", 2, "-1.01"},
		{"2.675", 2, "2.68"},
	}
	for _, c := range cases {
		d, err := decimal.NewFromString(c.in)
		if err != nil {
			t.Fatalf("parse %s: %v", c.in, err)
		}
		got := core.RoundHalfUp(d, c.places)
		if got.StringFixed(c.places) != c.want {
			t.Errorf("RoundHalfUp(%s, %d) = %s, want %s", c.in, c.places, got.StringFixed(c.places), c.want)
		}
	}
}

func TestMoney_ParseAndString(t *testing.T) {
	m, err := core.ParseMoney("150")
	if err != nil {
		t.Fatalf("ParseMoney: %v", err)
	}
	if m.String() != "150.00" {
		t.Errorf("String() = %s, want 150.00", m.String())
	}

	if _, err := core.ParseMoney("not-a-number"); err == nil {
		t.Error("expected error for malformed money string")
	}
}

func TestMoney_AddSubNeverLoseScale(t *testing.T) {
	a := core.MustParseMoney("10.10")
	b := core.MustParseMoney("0.05")
	if got := a.Add(b).String(); got != "10.15" {
		t.Errorf("Add = %s, want 10.15", got)
	}
	if got := a.Sub(b).String(); got != "10.05" {
		t.Errorf("Sub = %s, want 10.05", got)
	}
}

func TestMoney_MulDivRatePercentRoundTrip(t *testing.T) {
	gross := core.MustParseMoney("121.00")
	rate := decimal.RequireFromString("21.00")

	base := gross.DivRatePercentPlusOne(rate)
	if base.String() != "100.00" {
		t.Errorf("base = %s, want 100.00", base.String())
	}

	vat := gross.Sub(base)
	if vat.String() != "21.00" {
		t.Errorf("vat = %s, want 21.00", vat.String())
	}

	if !base.Add(vat).Equal(gross) {
		t.Errorf("base + vat = %s, want %s", base.Add(vat), gross)
	}
}

func TestMoney_WithinTolerance(t *testing.T) {
	a := core.MustParseMoney("100.00")
	b := core.MustParseMoney("100.04")
	tol := core.MustParseMoney("0.05")
	if !a.WithinTolerance(b, tol) {
		t.Error("expected 100.00 to be within 0.05 of 100.04")
	}

	c := core.MustParseMoney("100.06")
	if a.WithinTolerance(c, tol) {
		t.Error("expected 100.00 to NOT be within 0.05 of 100.06")
	}
}

func TestMoney_Sum(t *testing.T) {
	values := []core.Money{
		core.MustParseMoney("10.00"),
		core.MustParseMoney("20.50"),
		core.MustParseMoney("-5.25"),
	}
	if got := core.Sum(values).String(); got != "25.25" {
		t.Errorf("Sum = %s, want 25.25", got)
	}
}
