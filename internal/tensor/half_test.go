package tensor

import (
	"math"
	"testing"
)

func TestBF16RoundTripExact(t *testing.T) {
	// values whose mantissa fits in bf16 survive the round trip exactly
	for _, v := range []float32{0, 1, -1, 0.5, 2, -4, 256, 0.25} {
		got := BF16ToF32(F32ToBF16(v))
		if got != v {
			t.Fatalf("bf16 round trip of %v gave %v", v, got)
		}
	}
}

func TestBF16RoundTripTolerance(t *testing.T) {
	for _, v := range []float32{0.1, -0.3, 3.14159, 1e-3, 123.456} {
		got := BF16ToF32(F32ToBF16(v))
		rel := math.Abs(float64(got-v)) / math.Abs(float64(v))
		if rel > 1.0/128 {
			t.Fatalf("bf16 round trip of %v gave %v (rel err %v)", v, got, rel)
		}
	}
}

func TestF16RoundTripExact(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 2, -4, 0.25, 1024} {
		got := F16ToF32(F32ToF16(v))
		if got != v {
			t.Fatalf("f16 round trip of %v gave %v", v, got)
		}
	}
}

func TestF16RoundTripTolerance(t *testing.T) {
	for _, v := range []float32{0.1, -0.3, 3.14159, 123.456} {
		got := F16ToF32(F32ToF16(v))
		rel := math.Abs(float64(got-v)) / math.Abs(float64(v))
		if rel > 1.0/1024 {
			t.Fatalf("f16 round trip of %v gave %v (rel err %v)", v, got, rel)
		}
	}
}

func TestF16RoundsTiesToEven(t *testing.T) {
	cases := []struct {
		name string
		in   float32
		want uint16
	}{
		// 1 + 2^-11 sits exactly between 1.0 and the next f16 value;
		// the even mantissa (1.0, 0x3C00) wins
		{"normal tie down", 1 + 1.0/2048, 0x3C00},
		// 1 + 3*2^-11 ties with an odd mantissa below, so it rounds up
		{"normal tie up", 1 + 3.0/2048, 0x3C02},
		// just above the midpoint always rounds up
		{"normal above tie", math.Float32frombits(0x3F801001), 0x3C01},
		// 2^-25 ties between zero and the smallest subnormal
		{"subnormal tie down", 1.0 / (1 << 25), 0x0000},
		// 3*2^-25 ties with an odd subnormal mantissa below
		{"subnormal tie up", 3.0 / (1 << 25), 0x0002},
	}
	for _, tc := range cases {
		if got := F32ToF16(tc.in); got != tc.want {
			t.Fatalf("%s: F32ToF16(%v) = %#04x, want %#04x", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestHalfSpecialValues(t *testing.T) {
	if got := BF16ToF32(F32ToBF16(float32(math.Inf(1)))); !math.IsInf(float64(got), 1) {
		t.Fatalf("bf16 +inf became %v", got)
	}
	if got := F16ToF32(F32ToF16(float32(math.Inf(-1)))); !math.IsInf(float64(got), -1) {
		t.Fatalf("f16 -inf became %v", got)
	}
	if got := BF16ToF32(F32ToBF16(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Fatalf("bf16 nan became %v", got)
	}
}
