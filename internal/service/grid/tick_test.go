package grid

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTickSize(t *testing.T) {
	cases := []struct {
		price string
		tick  string
	}{
		{"50000000", "1000"},
		{"2000000", "1000"},
		{"1999999", "500"},
		{"1000000", "500"},
		{"500000", "100"},
		{"100000", "50"},
		{"99999", "10"},
		{"10000", "10"},
		{"5000", "1"},
		{"1000", "1"},
		{"999", "0.1"},
		{"100", "0.1"},
		{"10", "0.01"},
		{"1", "0.001"},
		{"0.5", "0.0001"},
		{"0.05", "0.00001"},
		{"0.005", "0.000001"},
		{"0.0005", "0.0000001"},
		{"0.00005", "0.00000001"},
	}
	for _, tc := range cases {
		assert.True(t, d(tc.tick).Equal(TickSize(d(tc.price))), "tick for %s", tc.price)
	}
}

func TestRoundToTick(t *testing.T) {
	cases := map[string]string{
		"50012345":     "50012000",
		"50012500":     "50013000", // half up
		"1234567":      "1234500",
		"1999990":      "2000000", // lands on a band edge
		"123456":       "123450",
		"123476":       "123500",
		"12345":        "12350",
		"1234.4":       "1234",
		"123.45":       "123.5",
		"110.00000001": "110",
		"1.23456":      "1.235",
	}
	for in, want := range cases {
		assert.True(t, d(want).Equal(RoundToTick(d(in))), "round %s: got %s", in, RoundToTick(d(in)))
	}
}

func TestRoundToTick_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		// spread samples across every band
		exp := rng.Intn(13) - 5
		p := decimal.NewFromFloat(rng.Float64() * 10).Shift(int32(exp))
		once := RoundToTick(p)
		assert.True(t, once.Equal(RoundToTick(once)), "not idempotent for %s", p)
	}
}

func TestRoundPrice(t *testing.T) {
	assert.Equal(t, 50012000.0, RoundPrice(50012345))
	assert.Equal(t, 123.5, RoundPrice(123.45))
}
