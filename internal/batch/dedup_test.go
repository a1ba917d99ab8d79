package batch

import (
	"sort"
	"testing"
)

func TestDedupGroupsEqualKeys(t *testing.T) {
	items := []string{"Nike", "nike", " NIKE ", "Adidas", "Nike"}
	units := Dedup(items, NormalizeBrand)

	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if units[0].Key != "nike" || units[1].Key != "adidas" {
		t.Errorf("keys = %q, %q; want first-seen order nike, adidas", units[0].Key, units[1].Key)
	}
	wantPositions := []int{0, 1, 2, 4}
	if len(units[0].Positions) != len(wantPositions) {
		t.Fatalf("nike positions = %v, want %v", units[0].Positions, wantPositions)
	}
	for i, pos := range wantPositions {
		if units[0].Positions[i] != pos {
			t.Errorf("nike positions = %v, want %v", units[0].Positions, wantPositions)
			break
		}
	}
	if units[0].Item != "Nike" {
		t.Errorf("representative item = %q, want first-seen %q", units[0].Item, "Nike")
	}
}

func TestDedupCoversEveryPositionExactlyOnce(t *testing.T) {
	items := []string{"a", "b", "a", "c", "b", "a", "d"}
	units := Dedup(items, func(s string) string { return s })

	var all []int
	for _, u := range units {
		all = append(all, u.Positions...)
	}
	sort.Ints(all)
	if len(all) != len(items) {
		t.Fatalf("covered %d positions, want %d", len(all), len(items))
	}
	for i, pos := range all {
		if pos != i {
			t.Fatalf("positions union = %v, want every index exactly once", all)
		}
	}
}

func TestDedupIdempotentUnderPermutation(t *testing.T) {
	a := []string{"x", "y", "x", "z"}
	b := []string{"z", "x", "y", "x"}

	unitsA := Dedup(a, func(s string) string { return s })
	unitsB := Dedup(b, func(s string) string { return s })
	if len(unitsA) != 3 || len(unitsB) != 3 {
		t.Errorf("distinct key counts = %d, %d; want 3, 3", len(unitsA), len(unitsB))
	}
}

func TestDedupEmpty(t *testing.T) {
	units := Dedup(nil, func(s string) string { return s })
	if len(units) != 0 {
		t.Errorf("units = %d, want 0", len(units))
	}
}

func TestNormalizeBrand(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Nike", "nike"},
		{"  Coca   Cola ", "coca cola"},
		{"ACME\tCorp", "acme corp"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeBrand(tt.in); got != tt.want {
			t.Errorf("NormalizeBrand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
