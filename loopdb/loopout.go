package loopdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// LoopOutContract contains the data that is serialized to persistent storage
// for pending loop out swaps.
type LoopOutContract struct {
	// SwapContract contains basic information pertaining to this swap.
	// Each swap type has a base contract, then swap specific information
	// on top of it.
	SwapContract

	// DestAddr is the destination address of the loop out swap.
	DestAddr btcutil.Address

	// SwapInvoice is the invoice that is to be paid by the client to
	// initiate the loop out swap.
	SwapInvoice string

	// PrepayInvoice is the invoice that the client should pay to the
	// server to initiate the swap. Its amount is lost if the swap fails
	// after the server published the htlc.
	PrepayInvoice string

	// MaxSwapRoutingFee is the maximum off-chain fee in msat that may be
	// paid for the swap payment to the server.
	MaxSwapRoutingFee btcutil.Amount

	// MaxPrepayRoutingFee is the maximum off-chain fee in msat that may be
	// paid for the prepayment to the server.
	MaxPrepayRoutingFee btcutil.Amount

	// SweepConfTarget specifies the targeted confirmation target for the
	// client sweep tx.
	SweepConfTarget int32

	// OutgoingChannel is the channel that the swap payment must leave
	// through. If nil, any channel may be used.
	OutgoingChannel *uint64

	// SwapPublicationDeadline is a timestamp that the server commits to
	// have the on-chain swap published by. It allows the server to delay
	// the publication to save on chain fees.
	SwapPublicationDeadline time.Time
}

// LoopOut is a combination of the contract and the updates.
type LoopOut struct {
	Loop

	// Contract is the active contract for this swap. It describes the
	// precise details of the swap including the final fee, CLTV value,
	// etc.
	Contract *LoopOutContract
}

// LastUpdateTime returns the last update time of this swap.
func (s *LoopOut) LastUpdateTime() time.Time {
	lastUpdate := s.LastUpdate()
	if lastUpdate == nil {
		return s.Contract.InitiationTime
	}

	return lastUpdate.Time
}

// serializeLoopOutContract serializes the loop out contract into a byte slice.
func serializeLoopOutContract(swap *LoopOutContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&swap.SwapContract, &b); err != nil {
		return nil, err
	}

	addr := swap.DestAddr.String()
	if err := wire.WriteVarString(&b, 0, addr); err != nil {
		return nil, err
	}

	if err := wire.WriteVarString(&b, 0, swap.SwapInvoice); err != nil {
		return nil, err
	}

	if err := wire.WriteVarString(&b, 0, swap.PrepayInvoice); err != nil {
		return nil, err
	}

	err := binary.Write(&b, byteOrder, swap.MaxSwapRoutingFee)
	if err != nil {
		return nil, err
	}

	err = binary.Write(&b, byteOrder, swap.MaxPrepayRoutingFee)
	if err != nil {
		return nil, err
	}

	if err := binary.Write(&b, byteOrder, swap.SweepConfTarget); err != nil {
		return nil, err
	}

	var outgoingChannel uint64
	if swap.OutgoingChannel != nil {
		outgoingChannel = *swap.OutgoingChannel
	}
	if err := binary.Write(&b, byteOrder, outgoingChannel); err != nil {
		return nil, err
	}

	deadline := swap.SwapPublicationDeadline.UnixNano()
	if err := binary.Write(&b, byteOrder, deadline); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeLoopOutContract deserializes the loop out contract from a byte
// slice.
func deserializeLoopOutContract(value []byte, chainParams *chaincfg.Params) (
	*LoopOutContract, error) {

	r := bytes.NewReader(value)

	contract, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	swap := LoopOutContract{
		SwapContract: *contract,
	}

	addr, err := wire.ReadVarString(r, 0)
	if err != nil {
		return nil, err
	}
	swap.DestAddr, err = btcutil.DecodeAddress(addr, chainParams)
	if err != nil {
		return nil, err
	}

	swap.SwapInvoice, err = wire.ReadVarString(r, 0)
	if err != nil {
		return nil, err
	}

	swap.PrepayInvoice, err = wire.ReadVarString(r, 0)
	if err != nil {
		return nil, err
	}

	err = binary.Read(r, byteOrder, &swap.MaxSwapRoutingFee)
	if err != nil {
		return nil, err
	}

	err = binary.Read(r, byteOrder, &swap.MaxPrepayRoutingFee)
	if err != nil {
		return nil, err
	}

	if err := binary.Read(r, byteOrder, &swap.SweepConfTarget); err != nil {
		return nil, err
	}

	var outgoingChannel uint64
	if err := binary.Read(r, byteOrder, &outgoingChannel); err != nil {
		return nil, err
	}
	if outgoingChannel != 0 {
		swap.OutgoingChannel = &outgoingChannel
	}

	var deadline int64
	if err := binary.Read(r, byteOrder, &deadline); err != nil {
		return nil, err
	}
	swap.SwapPublicationDeadline = time.Unix(0, deadline)

	return &swap, nil
}
