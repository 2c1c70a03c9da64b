package loop

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/chainntnfs"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/test"
)

// testLoopInRequest is the base loop in request used in the loop in unit
// tests. Its fee limit covers the swap fee charged by the server mock.
var testLoopInRequest = LoopInRequest{
	Amount:         btcutil.Amount(50000),
	MaxSwapFee:     btcutil.Amount(1000),
	MaxMinerFee:    btcutil.Amount(50000),
	HtlcConfTarget: 2,
	Initiator:      "test",
}

// TestLoopInSuccess tests the loop in happy flow. The client publishes the
// on-chain htlc, the server pays the swap invoice and sweeps the htlc with
// the preimage.
func TestLoopInSuccess(t *testing.T) {
	defer test.Guard(t)()

	ctx := newLoopInTestContext(t)

	height := int32(600)

	cfg := newSwapConfig(&ctx.lnd.LndServices, ctx.store, ctx.server)

	initResult, err := newLoopInSwap(
		context.Background(), cfg, height, &testLoopInRequest,
	)
	require.NoError(t, err)
	s := initResult.swap

	ctx.store.assertLoopInStored()

	errChan := make(chan error)
	go func() {
		errChan <- s.execute(context.Background(), ctx.cfg, height)
	}()

	ctx.assertState(loopdb.StateInitiated)

	ctx.assertState(loopdb.StateHtlcPublished)
	ctx.store.assertLoopInState(loopdb.StateHtlcPublished)

	// Expect htlc to be published.
	htlcTx := <-ctx.lnd.SendOutputsChannel

	// Expect client to register for conf of the htlc output.
	confReg := <-ctx.lnd.RegisterConfChannel

	// Confirm the htlc.
	confReg.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}

	// After confirmation of the htlc, the client monitors the htlc spend
	// and subscribes to the swap invoice.
	spendReg := <-ctx.lnd.RegisterSpendChannel
	subscription := ctx.assertSubscribeInvoice(s.hash)

	// The server pays the swap invoice, deducting its fee from the
	// on-chain amount.
	amtPaid := testLoopInRequest.Amount - testSwapFee
	ctx.updateInvoiceState(
		subscription, amtPaid, invoices.ContractSettled,
	)

	ctx.assertState(loopdb.StateInvoiceSettled)
	ctx.store.assertLoopInState(loopdb.StateInvoiceSettled)

	// Server sweeps the htlc with the preimage.
	successTx := wire.MsgTx{
		Version: 2,
	}
	successTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  htlcTx.TxHash(),
			Index: 0,
		},
		Witness: [][]byte{s.Preimage[:]},
	})
	successTx.AddTxOut(&wire.TxOut{
		Value: int64(testLoopInRequest.Amount),
	})

	successTxHash := successTx.TxHash()
	spendReg.SpendChannel <- &chainntnfs.SpendDetail{
		SpendingTx:        &successTx,
		SpenderTxHash:     &successTxHash,
		SpenderInputIndex: 0,
	}

	ctx.assertState(loopdb.StateSuccess)
	ctx.store.assertLoopInState(loopdb.StateSuccess)

	require.NoError(t, <-errChan)
}

// TestLoopInTimeout tests scenarios in which the server doesn't sweep the
// htlc and the client is forced to reclaim the funds using the timeout tx.
func TestLoopInTimeout(t *testing.T) {
	testAmt := int64(testLoopInRequest.Amount)

	t.Run("internal htlc", func(t *testing.T) {
		testLoopInTimeout(t, 0)
	})
	t.Run("external htlc", func(t *testing.T) {
		testLoopInTimeout(t, testAmt)
	})
	t.Run("external htlc amount too high", func(t *testing.T) {
		testLoopInTimeout(t, testAmt+1)
	})
	t.Run("external htlc amount too low", func(t *testing.T) {
		testLoopInTimeout(t, testAmt-1)
	})
}

func testLoopInTimeout(t *testing.T, externalValue int64) {
	defer test.Guard(t)()

	ctx := newLoopInTestContext(t)

	height := int32(600)

	cfg := newSwapConfig(&ctx.lnd.LndServices, ctx.store, ctx.server)

	req := testLoopInRequest
	if externalValue != 0 {
		req.ExternalHtlc = true
	}

	initResult, err := newLoopInSwap(
		context.Background(), cfg, height, &req,
	)
	require.NoError(t, err)
	s := initResult.swap

	ctx.store.assertLoopInStored()

	errChan := make(chan error)
	go func() {
		errChan <- s.execute(context.Background(), ctx.cfg, height)
	}()

	ctx.assertState(loopdb.StateInitiated)

	var htlcTx wire.MsgTx
	if externalValue == 0 {
		ctx.assertState(loopdb.StateHtlcPublished)
		ctx.store.assertLoopInState(loopdb.StateHtlcPublished)

		// Expect htlc to be published.
		htlcTx = <-ctx.lnd.SendOutputsChannel
	} else {
		// Create an external htlc publish tx.
		htlcTx = wire.MsgTx{
			Version: 2,
		}
		htlcTx.AddTxOut(&wire.TxOut{
			PkScript: s.htlc.PkScript,
			Value:    externalValue,
		})
	}

	// Expect client to register for conf of the htlc output.
	confReg := <-ctx.lnd.RegisterConfChannel

	// Confirm the htlc.
	confReg.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}

	// For external htlcs, the client only transitions to HtlcPublished
	// after the htlc confirms on chain.
	if externalValue != 0 {
		ctx.assertState(loopdb.StateHtlcPublished)
		ctx.store.assertLoopInState(loopdb.StateHtlcPublished)
	}

	// An htlc amount that doesn't match the swap amount fails the swap.
	// The client still needs to wait out the timeout to get its funds
	// back.
	wrongAmt := externalValue != 0 &&
		externalValue != int64(s.AmountRequested)

	if wrongAmt {
		ctx.assertState(loopdb.StateFailIncorrectHtlcAmt)
		ctx.store.assertLoopInState(loopdb.StateFailIncorrectHtlcAmt)
	}

	// Client monitors the htlc spend and the swap invoice.
	spendReg := <-ctx.lnd.RegisterSpendChannel
	ctx.assertSubscribeInvoice(s.hash)

	// Let the on-chain htlc expire.
	ctx.blockEpochChan <- s.LoopInContract.CltvExpiry

	// Expect the timeout tx to be published.
	timeoutTx := <-ctx.lnd.TxPublishChannel

	// Confirm the timeout tx.
	timeoutTxHash := timeoutTx.TxHash()
	spendReg.SpendChannel <- &chainntnfs.SpendDetail{
		SpendingTx:        timeoutTx,
		SpenderTxHash:     &timeoutTxHash,
		SpenderInputIndex: 0,
	}

	// Since the server didn't pay the invoice, the client cancels it so
	// that the server cannot pay it after the timeout sweep.
	failedHash := <-ctx.lnd.FailInvoiceChannel
	require.Equal(t, s.hash, failedHash)

	expectedState := loopdb.StateFailTimeout
	if wrongAmt {
		expectedState = loopdb.StateFailIncorrectHtlcAmt
	}

	ctx.assertState(expectedState)
	ctx.store.assertLoopInState(expectedState)

	require.NoError(t, <-errChan)
}

// TestLoopInPublishFeeLimit tests that the client fails the swap without
// publishing the htlc when the fee estimate for the htlc tx exceeds the miner
// fee limit of the swap.
func TestLoopInPublishFeeLimit(t *testing.T) {
	defer test.Guard(t)()

	ctx := newLoopInTestContext(t)

	height := int32(600)

	cfg := newSwapConfig(&ctx.lnd.LndServices, ctx.store, ctx.server)

	req := testLoopInRequest
	req.MaxMinerFee = 1

	initResult, err := newLoopInSwap(
		context.Background(), cfg, height, &req,
	)
	require.NoError(t, err)
	s := initResult.swap

	ctx.store.assertLoopInStored()

	errChan := make(chan error)
	go func() {
		errChan <- s.execute(context.Background(), ctx.cfg, height)
	}()

	ctx.assertState(loopdb.StateInitiated)

	// The mocked fee estimate exceeds the miner fee limit, so the swap
	// fails before anything is sent on chain.
	ctx.assertState(loopdb.StateFailTimeout)
	ctx.store.assertLoopInState(loopdb.StateFailTimeout)

	require.NoError(t, <-errChan)
}

// TestLoopInFailMinerFee tests that a loop in request is rejected without
// creating a swap when the htlc publish fee estimate already exceeds the
// miner fee limit of the request.
func TestLoopInFailMinerFee(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := testLoopInRequest
	req.MaxMinerFee = 1

	_, err := ctx.swapClient.LoopIn(context.Background(), &req)
	require.ErrorIs(t, err, ErrMinerFeeTooHigh)

	ctx.finish()
}

// TestLoopInResume tests that a loop in swap that already published its htlc
// is resumed after a restart.
func TestLoopInResume(t *testing.T) {
	defer test.Guard(t)()

	ctx := newLoopInTestContext(t)

	height := int32(600)

	cfg := newSwapConfig(&ctx.lnd.LndServices, ctx.store, ctx.server)

	preimage := testPreimage
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	_, senderKey := test.CreateKey(1)
	_, receiverKey := test.CreateKey(2)

	var senderKeyArray, receiverKeyArray [33]byte
	copy(senderKeyArray[:], senderKey.SerializeCompressed())
	copy(receiverKeyArray[:], receiverKey.SerializeCompressed())

	contract := &loopdb.LoopInContract{
		HtlcConfTarget: 2,
		SwapContract: loopdb.SwapContract{
			Preimage:        preimage,
			AmountRequested: 100000,
			CltvExpiry:      744,
			SenderKey:       senderKeyArray,
			ReceiverKey:     receiverKeyArray,
			MaxSwapFee:      60000,
			MaxMinerFee:     50000,
			ProtocolVersion: loopdb.CurrentProtocolVersion(),
		},
	}

	pend := &loopdb.LoopIn{
		Contract: contract,
		Loop: loopdb.Loop{
			Hash: hash,
			Events: []*loopdb.LoopEvent{
				{
					SwapStateData: loopdb.SwapStateData{
						State: loopdb.StateHtlcPublished,
					},
				},
			},
		},
	}

	// Seed the store with the pending swap so that state updates can be
	// recorded against it.
	ctx.store.loopInSwaps[hash] = contract
	ctx.store.loopInUpdates[hash] = []loopdb.SwapStateData{
		{State: loopdb.StateHtlcPublished},
	}

	s, err := resumeLoopInSwap(context.Background(), cfg, pend)
	require.NoError(t, err)

	errChan := make(chan error)
	go func() {
		errChan <- s.execute(context.Background(), ctx.cfg, height)
	}()

	ctx.assertState(loopdb.StateHtlcPublished)

	// The client waits for the previously published htlc to confirm.
	confReg := <-ctx.lnd.RegisterConfChannel

	htlcTx := wire.MsgTx{
		Version: 2,
	}
	htlcTx.AddTxOut(&wire.TxOut{
		PkScript: s.htlc.PkScript,
		Value:    int64(s.AmountRequested),
	})

	confReg.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}

	spendReg := <-ctx.lnd.RegisterSpendChannel
	subscription := ctx.assertSubscribeInvoice(s.hash)

	// Server pays the swap invoice.
	ctx.updateInvoiceState(
		subscription, s.AmountRequested-testSwapFee,
		invoices.ContractSettled,
	)

	ctx.assertState(loopdb.StateInvoiceSettled)
	ctx.store.assertLoopInState(loopdb.StateInvoiceSettled)

	// Server sweeps the htlc.
	successTx := wire.MsgTx{
		Version: 2,
	}
	successTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  htlcTx.TxHash(),
			Index: 0,
		},
		Witness: [][]byte{preimage[:]},
	})
	successTx.AddTxOut(&wire.TxOut{
		Value: int64(s.AmountRequested),
	})

	successTxHash := successTx.TxHash()
	spendReg.SpendChannel <- &chainntnfs.SpendDetail{
		SpendingTx:        &successTx,
		SpenderTxHash:     &successTxHash,
		SpenderInputIndex: 0,
	}

	ctx.assertState(loopdb.StateSuccess)
	ctx.store.assertLoopInState(loopdb.StateSuccess)

	require.NoError(t, <-errChan)
}

// TestLoopInAbandon tests that an external htlc loop in swap can be abandoned
// by the client as long as no funds have been committed on chain.
func TestLoopInAbandon(t *testing.T) {
	defer test.Guard(t)()

	ctx := newLoopInTestContext(t)

	height := int32(600)

	cfg := newSwapConfig(&ctx.lnd.LndServices, ctx.store, ctx.server)

	req := testLoopInRequest
	req.ExternalHtlc = true

	initResult, err := newLoopInSwap(
		context.Background(), cfg, height, &req,
	)
	require.NoError(t, err)
	s := initResult.swap

	ctx.store.assertLoopInStored()

	errChan := make(chan error)
	go func() {
		errChan <- s.execute(context.Background(), ctx.cfg, height)
	}()

	ctx.assertState(loopdb.StateInitiated)

	// The client waits for the external htlc to appear on chain.
	<-ctx.lnd.RegisterConfChannel

	// Abandon the swap. The htlc hasn't been published, so no funds are
	// at risk.
	s.abandonChan <- struct{}{}

	ctx.assertState(loopdb.StateFailAbandoned)
	ctx.store.assertLoopInState(loopdb.StateFailAbandoned)

	require.NoError(t, <-errChan)
}
