package swap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCalcFee tests that the swap fee is composed of the base fee and the
// proportional fee in parts per million.
func TestCalcFee(t *testing.T) {
	// 1% of 1_000_000 sat plus a base of 1000 sat.
	fee := CalcFee(1000000, 1000, 10000)
	require.EqualValues(t, 11000, fee)

	// A zero fee rate only charges the base fee.
	fee = CalcFee(500000, 1000, 0)
	require.EqualValues(t, 1000, fee)
}

// TestFeeRateAsPercentage tests conversion of a ppm fee rate to a percentage.
func TestFeeRateAsPercentage(t *testing.T) {
	require.Equal(t, 1.0, FeeRateAsPercentage(10000))
	require.Equal(t, 0.05, FeeRateAsPercentage(500))
}
