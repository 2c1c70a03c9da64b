package loopdb

import (
	"math"

	"github.com/lightninglabs/loop/swapserverrpc"
)

// ProtocolVersion represents the swap protocol version negotiated with the
// server on the rpc level.
type ProtocolVersion uint32

const (
	// ProtocolVersionLegacy indicates a client that did not report its
	// protocol version.
	ProtocolVersionLegacy ProtocolVersion = 0

	// ProtocolVersionMultiLoopOut indicates that the client supports multi
	// loop out.
	ProtocolVersionMultiLoopOut ProtocolVersion = 1

	// ProtocolVersionSegwitLoopIn indicates that the client supports segwit
	// loop in.
	ProtocolVersionSegwitLoopIn ProtocolVersion = 2

	// ProtocolVersionPreimagePush indicates that the client will push loop
	// out preimages to the server to speed up claim.
	ProtocolVersionPreimagePush ProtocolVersion = 3

	// ProtocolVersionUserExpiryLoopOut indicates that the client will
	// propose a cltv expiry height for loop out.
	ProtocolVersionUserExpiryLoopOut ProtocolVersion = 4

	// ProtocolVersionHtlcV2 indicates that the client uses the improved
	// htlc scripts for swaps.
	ProtocolVersionHtlcV2 ProtocolVersion = 5

	// ProtocolVersionLoopOutCancel indicates that the client supports
	// canceling loop out swaps.
	ProtocolVersionLoopOutCancel ProtocolVersion = 7

	// ProtocolVersionUnrecorded is set for swaps that were created before
	// we started saving protocol version with swaps.
	ProtocolVersionUnrecorded ProtocolVersion = math.MaxUint32

	// currentRPCProtocolVersion defines the version of the RPC protocol
	// that the client uses for new swaps.
	currentRPCProtocolVersion = swapserverrpc.ProtocolVersion_LOOP_OUT_CANCEL
)

// CurrentRPCProtocolVersion returns the RPC protocol version selected to be
// used for new swaps.
func CurrentRPCProtocolVersion() swapserverrpc.ProtocolVersion {
	return currentRPCProtocolVersion
}

// CurrentProtocolVersion returns the internal protocol version selected to be
// used for new swaps.
func CurrentProtocolVersion() ProtocolVersion {
	return ProtocolVersion(currentRPCProtocolVersion)
}

// Valid returns true if the value of the ProtocolVersion is valid.
func (p ProtocolVersion) Valid() bool {
	return p <= ProtocolVersion(currentRPCProtocolVersion)
}

// String returns the string representation of a protocol version.
func (p ProtocolVersion) String() string {
	switch p {
	case ProtocolVersionUnrecorded:
		return "Unrecorded"

	case ProtocolVersionLegacy:
		return "Legacy"

	case ProtocolVersionMultiLoopOut:
		return "Multi Loop Out"

	case ProtocolVersionSegwitLoopIn:
		return "Segwit Loop In"

	case ProtocolVersionPreimagePush:
		return "Preimage Push"

	case ProtocolVersionUserExpiryLoopOut:
		return "User Expiry Loop Out"

	case ProtocolVersionHtlcV2:
		return "HTLC V2"

	case ProtocolVersionLoopOutCancel:
		return "Loop Out Cancel"

	default:
		return "Unknown"
	}
}
