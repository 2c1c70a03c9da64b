package labels

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTxLabels tests that on-chain transaction labels embed the swap hash and
// the operation that produced the transaction.
func TestTxLabels(t *testing.T) {
	hash := "8b7a87b7e5b9b3d0d7a3e5e6f1c2d3a4"

	require.Equal(
		t, "loopd -- OutSweepSuccess(swap="+hash+")",
		LoopOutSweepSuccess(hash),
	)
	require.Equal(
		t, "loopd -- InHtlc(swap="+hash+")",
		LoopInHtlcLabel(hash),
	)
	require.Equal(
		t, "loopd -- InSweepTimeout(swap="+hash+")",
		LoopInSweepTimeout(hash),
	)
}
