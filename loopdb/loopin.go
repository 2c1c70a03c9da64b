package loopdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/routing/route"
)

// LoopInContract contains the data that is serialized to persistent storage
// for pending loop in swaps.
type LoopInContract struct {
	SwapContract

	// HtlcConfTarget specifies the targeted confirmation target for the
	// client htlc tx.
	HtlcConfTarget int32

	// LastHop is the last hop to use for the loop in swap (optional). If
	// nil, the server may settle the swap invoice through any channel.
	LastHop *route.Vertex

	// ExternalHtlc specifies whether the htlc is published by an external
	// source.
	ExternalHtlc bool
}

// LoopIn is a combination of the contract and the updates.
type LoopIn struct {
	Loop

	// Contract is the active contract for this swap. It describes the
	// precise details of the swap including the final fee, CLTV value,
	// etc.
	Contract *LoopInContract
}

// LastUpdateTime returns the last update time of this swap.
func (s *LoopIn) LastUpdateTime() time.Time {
	lastUpdate := s.LastUpdate()
	if lastUpdate == nil {
		return s.Contract.InitiationTime
	}

	return lastUpdate.Time
}

// serializeLoopInContract serializes the loop in contract into a byte slice.
func serializeLoopInContract(swap *LoopInContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&swap.SwapContract, &b); err != nil {
		return nil, err
	}

	if err := binary.Write(&b, byteOrder, swap.HtlcConfTarget); err != nil {
		return nil, err
	}

	lastHopPresent := swap.LastHop != nil
	if err := binary.Write(&b, byteOrder, lastHopPresent); err != nil {
		return nil, err
	}
	if lastHopPresent {
		if _, err := b.Write(swap.LastHop[:]); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&b, byteOrder, swap.ExternalHtlc); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeLoopInContract deserializes the loop in contract from a byte
// slice.
func deserializeLoopInContract(value []byte) (*LoopInContract, error) {
	r := bytes.NewReader(value)

	contract, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	swap := LoopInContract{
		SwapContract: *contract,
	}

	if err := binary.Read(r, byteOrder, &swap.HtlcConfTarget); err != nil {
		return nil, err
	}

	var lastHopPresent bool
	if err := binary.Read(r, byteOrder, &lastHopPresent); err != nil {
		return nil, err
	}
	if lastHopPresent {
		var lastHop route.Vertex
		if _, err := io.ReadFull(r, lastHop[:]); err != nil {
			return nil, err
		}
		swap.LastHop = &lastHop
	}

	if err := binary.Read(r, byteOrder, &swap.ExternalHtlc); err != nil {
		return nil, err
	}

	return &swap, nil
}
