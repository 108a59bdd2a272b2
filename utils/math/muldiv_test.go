package math

import (
	"math/big"
	"testing"
)

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"TestExactQuotient", testExactQuotient},
		{"TestRoundDown", testRoundDown},
		{"TestRoundUp", testRoundUp},
		{"TestFullPrecision", testFullPrecision},
		{"TestDivisionByZero", testDivisionByZero},
		{"TestNegativeInput", testNegativeInput},
		{"TestPowTen", testPowTen},
		{"TestAbsDiff", testAbsDiff},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testExactQuotient(t *testing.T) {
	got, err := MulDiv(big.NewInt(200000), big.NewInt(10000), big.NewInt(160000), RoundDown)
	if err != nil {
		t.Fatalf("MulDiv returned error: %v", err)
	}
	if got.Int64() != 12500 {
		t.Errorf("MulDiv(200000, 10000, 160000) = %v; want 12500", got)
	}
}

func testRoundDown(t *testing.T) {
	got, err := MulDiv(big.NewInt(10), big.NewInt(10), big.NewInt(3), RoundDown)
	if err != nil {
		t.Fatalf("MulDiv returned error: %v", err)
	}
	if got.Int64() != 33 {
		t.Errorf("MulDiv(10, 10, 3, down) = %v; want 33", got)
	}
}

func testRoundUp(t *testing.T) {
	got, err := MulDiv(big.NewInt(10), big.NewInt(10), big.NewInt(3), RoundUp)
	if err != nil {
		t.Fatalf("MulDiv returned error: %v", err)
	}
	if got.Int64() != 34 {
		t.Errorf("MulDiv(10, 10, 3, up) = %v; want 34", got)
	}

	// Exact quotients must not be bumped.
	got, err = MulDiv(big.NewInt(9), big.NewInt(10), big.NewInt(3), RoundUp)
	if err != nil {
		t.Fatalf("MulDiv returned error: %v", err)
	}
	if got.Int64() != 30 {
		t.Errorf("MulDiv(9, 10, 3, up) = %v; want 30", got)
	}
}

func testFullPrecision(t *testing.T) {
	// a * b overflows 256 bits; the intermediate product must not truncate.
	a := new(big.Int).Lsh(big.NewInt(1), 200)
	b := new(big.Int).Lsh(big.NewInt(1), 100)
	den := new(big.Int).Lsh(big.NewInt(1), 100)

	got, err := MulDiv(a, b, den, RoundDown)
	if err != nil {
		t.Fatalf("MulDiv returned error: %v", err)
	}
	if got.Cmp(a) != 0 {
		t.Errorf("MulDiv(2^200, 2^100, 2^100) = %v; want 2^200", got)
	}
}

func testDivisionByZero(t *testing.T) {
	_, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0), RoundDown)
	if err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func testNegativeInput(t *testing.T) {
	_, err := MulDiv(big.NewInt(-1), big.NewInt(1), big.NewInt(1), RoundDown)
	if err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput for negative a, got %v", err)
	}
	_, err = MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(-1), RoundUp)
	if err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput for negative denominator, got %v", err)
	}
}

func testPowTen(t *testing.T) {
	if got := PowTen(0); got.Int64() != 1 {
		t.Errorf("PowTen(0) = %v; want 1", got)
	}
	if got := PowTen(8); got.Int64() != 100000000 {
		t.Errorf("PowTen(8) = %v; want 1e8", got)
	}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if got := PowTen(18); got.Cmp(want) != 0 {
		t.Errorf("PowTen(18) = %v; want 1e18", got)
	}
}

func testAbsDiff(t *testing.T) {
	if got := AbsDiff(big.NewInt(10), big.NewInt(4)); got.Int64() != 6 {
		t.Errorf("AbsDiff(10, 4) = %v; want 6", got)
	}
	if got := AbsDiff(big.NewInt(4), big.NewInt(10)); got.Int64() != 6 {
		t.Errorf("AbsDiff(4, 10) = %v; want 6", got)
	}
	a := big.NewInt(7)
	b := big.NewInt(9)
	_ = AbsDiff(a, b)
	if a.Int64() != 7 || b.Int64() != 9 {
		t.Errorf("AbsDiff mutated its inputs: a=%v b=%v", a, b)
	}
}

func BenchmarkMulDiv(b *testing.B) {
	x := new(big.Int).Lsh(big.NewInt(1), 120)
	y := big.NewInt(10000)
	den := big.NewInt(9995)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := MulDiv(x, y, den, RoundUp); err != nil {
			b.Fatal(err)
		}
	}
}
