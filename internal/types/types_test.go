package types

import (
	"testing"
	"time"
)

func TestSlotOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	slot := func(startMin, endMin int) Slot {
		return Slot{Start: base.Add(time.Duration(startMin) * time.Minute), End: base.Add(time.Duration(endMin) * time.Minute)}
	}
	cases := []struct {
		name string
		a, b Slot
		want bool
	}{
		{"identical", slot(0, 60), slot(0, 60), true},
		{"partial", slot(0, 60), slot(30, 90), true},
		{"contained", slot(0, 120), slot(30, 60), true},
		{"adjacent", slot(0, 60), slot(60, 120), false},
		{"disjoint", slot(0, 60), slot(90, 120), false},
	}
	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%s: Overlaps = %v, want %v", tc.name, got, tc.want)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Errorf("%s (reversed): Overlaps = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPointIsZero(t *testing.T) {
	if !(Point{}).IsZero() {
		t.Fatal("zero point should report IsZero")
	}
	if (Point{Lat: 25.03, Lng: 121.56}).IsZero() {
		t.Fatal("set point should not report IsZero")
	}
}

func TestMoneyString(t *testing.T) {
	cases := []struct {
		m    Money
		want string
	}{
		{Money{Amount: 250050, Currency: "TWD"}, "2500.50 TWD"},
		{Money{Amount: 7, Currency: "USD"}, "0.07 USD"},
		{Money{Amount: -1999, Currency: "EUR"}, "-19.99 EUR"},
	}
	for _, tc := range cases {
		if got := tc.m.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
	if !(Money{Currency: "TWD"}).IsZero() {
		t.Fatal("zero amount should report IsZero")
	}
}
