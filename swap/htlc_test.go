package swap

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var (
	htlcSenderKey = [33]byte{
		2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
		2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	}

	htlcReceiverKey = [33]byte{
		3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
		3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
	}
)

// TestHtlcV2 tests that for the v2 htlc script the pkScript, address and
// witness sizes are derived consistently.
func TestHtlcV2(t *testing.T) {
	var preimage lntypes.Preimage
	preimage[0] = 1
	hash := preimage.Hash()

	htlc, err := NewHtlc(
		HtlcV2, 600000, htlcSenderKey, htlcReceiverKey, hash,
		HtlcP2WSH, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	// P2WSH pkScripts are version 0 witness programs of 34 bytes.
	require.Len(t, htlc.PkScript, 34)
	require.Nil(t, htlc.SigScript)
	require.Equal(
		t, "bc", htlc.Address.String()[:2],
	)

	// The success path commits to the preimage, the timeout path adds the
	// sender key instead. The two are told apart by stack size.
	successWitness, err := htlc.GenSuccessWitness(
		make([]byte, 64), preimage,
	)
	require.NoError(t, err)
	require.Len(t, successWitness, 3)
	require.True(t, htlc.IsSuccessWitness(successWitness))

	timeoutWitness, err := htlc.GenTimeoutWitness(make([]byte, 64))
	require.NoError(t, err)
	require.Len(t, timeoutWitness, 4)
	require.False(t, htlc.IsSuccessWitness(timeoutWitness))

	// The maximum witness sizes must cover the actual witnesses.
	require.LessOrEqual(
		t, witnessSize(successWitness), htlc.MaxSuccessWitnessSize(),
	)
	require.LessOrEqual(
		t, witnessSize(timeoutWitness), htlc.MaxTimeoutWitnessSize(),
	)
}

// TestHtlcV1SuccessWitness tests the witness classification of the v1 script.
func TestHtlcV1SuccessWitness(t *testing.T) {
	var preimage lntypes.Preimage
	preimage[0] = 2
	hash := preimage.Hash()

	htlc, err := NewHtlc(
		HtlcV1, 600000, htlcSenderKey, htlcReceiverKey, hash,
		HtlcNP2WSH, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	// Nested p2wsh outputs spend via a sigScript push.
	require.NotNil(t, htlc.SigScript)

	successWitness, err := htlc.GenSuccessWitness(
		make([]byte, 64), preimage,
	)
	require.NoError(t, err)
	require.True(t, htlc.IsSuccessWitness(successWitness))

	timeoutWitness, err := htlc.GenTimeoutWitness(make([]byte, 64))
	require.NoError(t, err)
	require.False(t, htlc.IsSuccessWitness(timeoutWitness))
}

// TestHtlcWrongPreimage tests that a witness cannot be generated for a
// preimage that doesn't match the swap hash.
func TestHtlcWrongPreimage(t *testing.T) {
	var preimage, otherPreimage lntypes.Preimage
	preimage[0] = 1
	otherPreimage[0] = 2

	htlc, err := NewHtlc(
		HtlcV2, 600000, htlcSenderKey, htlcReceiverKey,
		preimage.Hash(), HtlcP2WSH, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	_, err = htlc.GenSuccessWitness(make([]byte, 64), otherPreimage)
	require.Error(t, err)
}

// witnessSize returns the serialized size of a witness stack, excluding the
// element count varint.
func witnessSize(witness wire.TxWitness) int {
	size := 1
	for _, element := range witness {
		size += 1 + len(element)
	}
	return size
}
