package loop

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/chainntnfs"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/swap"
	"github.com/wbobeirne/loop/test"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testPreimage = lntypes.Preimage([32]byte{
	1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1,
})

// testRequest is the base loop out request used in the client unit tests. Its
// fee limits match the invoice amounts generated by the server mock.
var testRequest = &OutRequest{
	Amount:              btcutil.Amount(50000),
	SweepConfTarget:     2,
	MaxMinerFee:         50000,
	MaxPrepayAmount:     100,
	MaxSwapFee:          1050,
	MaxPrepayRoutingFee: 75000,
	MaxSwapRoutingFee:   30000,
	Initiator:           "test",
}

// TestLoopOutSuccess tests the loop out happy flow, from initiation to sweep
// of the confirmed htlc.
func TestLoopOutSuccess(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := *testRequest
	req.DestAddr = test.GetDestAddr(t, 0)

	// Initiate loop out.
	info, err := ctx.swapClient.LoopOut(context.Background(), &req)
	require.NoError(t, err)

	ctx.assertStored()
	ctx.assertStatus(loopdb.StateInitiated)

	signalSwapPaymentResult := ctx.AssertPaid(swapInvoiceDesc)
	signalPrepaymentResult := ctx.AssertPaid(prepayInvoiceDesc)

	// Expect client to register for conf of the htlc output.
	confIntent := ctx.AssertRegisterConf()

	testLoopOutSuccess(
		ctx, req.Amount, info.SwapHash, signalPrepaymentResult,
		signalSwapPaymentResult, false, 0, confIntent,
	)

	ctx.finish()
}

// TestLoopOutFailOffchain tests the case where the swap payment cannot be
// routed to the server. The swap should be canceled with the server and end
// up in a failed state.
func TestLoopOutFailOffchain(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := *testRequest
	req.DestAddr = test.GetDestAddr(t, 0)

	info, err := ctx.swapClient.LoopOut(context.Background(), &req)
	require.NoError(t, err)

	ctx.assertStored()
	ctx.assertStatus(loopdb.StateInitiated)

	signalSwapPaymentResult := ctx.AssertPaid(swapInvoiceDesc)
	signalPrepaymentResult := ctx.AssertPaid(prepayInvoiceDesc)

	ctx.AssertRegisterConf()

	// Fail the swap payment. The client should cancel the swap with the
	// server before waiting out the prepayment.
	signalSwapPaymentResult(errors.New("swap payment failed"))

	// Assert that the swap is canceled with the server, and that the
	// cancelation contains the payment address of the swap invoice.
	cancelDetails := <-ctx.serverMock.cancelSwap

	require.Equal(t, info.SwapHash, cancelDetails.hash)
	require.Equal(
		t, paymentTypeInvoice, cancelDetails.metadata.paymentType,
	)

	// The prepayment is failed by the server once it notices that the
	// swap isn't proceeding.
	signalPrepaymentResult(errors.New("prepayment failed"))

	ctx.assertStatus(loopdb.StateFailOffchainPayments)
	ctx.store.assertStoreFinished(loopdb.StateFailOffchainPayments)

	ctx.finish()
}

// TestLoopOutFailWrongAmount tests that the client aborts a swap if the
// server's invoices exceed the fee limits of the request.
func TestLoopOutFailWrongAmount(t *testing.T) {
	defer test.Guard(t)()

	runTest := func(t *testing.T, modifier func(*serverMock),
		expectedErr error) {

		ctx := createClientTestContext(t, nil)

		// Modify mock for this test case.
		modifier(ctx.serverMock)

		req := *testRequest
		req.DestAddr = test.GetDestAddr(t, 0)

		_, err := ctx.swapClient.LoopOut(context.Background(), &req)
		require.ErrorIs(t, err, expectedErr)

		ctx.finish()
	}

	t.Run("swap fee too high", func(t *testing.T) {
		runTest(t, func(m *serverMock) {
			m.swapInvoiceAmt += 10
		}, ErrSwapFeeTooHigh)
	})

	t.Run("prepay amount too high", func(t *testing.T) {
		runTest(t, func(m *serverMock) {
			// Keep the total swap fee below the maximum, but
			// increase the prepaid portion.
			m.swapInvoiceAmt -= 10
			m.prepayInvoiceAmt += 10
		}, ErrPrepayAmountTooHigh)
	})
}

// TestLoopOutFailMinerFee tests that a loop out request is rejected without
// creating a swap when the sweep fee estimate already exceeds the miner fee
// limit of the request.
func TestLoopOutFailMinerFee(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := *testRequest
	req.DestAddr = test.GetDestAddr(t, 0)
	req.MaxMinerFee = 1

	_, err := ctx.swapClient.LoopOut(context.Background(), &req)
	require.ErrorIs(t, err, ErrMinerFeeTooHigh)

	ctx.finish()
}

// TestLoopOutSweepFeeLimit tests the sweep behavior around the miner fee
// limit. As long as the preimage is unrevealed, a fee estimate above the
// limit holds off the sweep entirely. Once the preimage is revealed, sweep
// attempts continue with the fee clamped to the limit.
func TestLoopOutSweepFeeLimit(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := *testRequest
	req.DestAddr = test.GetDestAddr(t, 0)
	req.MaxMinerFee = 15000

	info, err := ctx.swapClient.LoopOut(context.Background(), &req)
	require.NoError(t, err)

	ctx.assertStored()
	ctx.assertStatus(loopdb.StateInitiated)

	signalSwapPaymentResult := ctx.AssertPaid(swapInvoiceDesc)
	signalPrepaymentResult := ctx.AssertPaid(prepayInvoiceDesc)

	confIntent := ctx.AssertRegisterConf()

	// Notify the confirmation of the htlc output.
	htlcTx := wire.MsgTx{
		Version: 2,
	}
	htlcTx.AddTxOut(&wire.TxOut{
		PkScript: confIntent.PkScript,
		Value:    int64(req.Amount),
	})

	confIntent.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}

	ctx.AssertRegisterSpendNtfn(confIntent.PkScript)
	ctx.trackPayment(lnrpc.Payment_IN_FLIGHT)

	// Raise the fee estimate above the miner fee limit and trigger a sweep
	// attempt. The preimage hasn't been revealed, so the client must hold
	// off and keep the swap in its initial state.
	ctx.Lnd.SetFeeEstimate(
		req.SweepConfTarget, chainfee.SatPerKWeight(100000),
	)

	ctx.expiryChan <- testTime

	// Drop the estimate below the limit again and trigger another attempt.
	// This tick is only consumed after the previous attempt has fully
	// completed, which shows that the high-fee attempt did not reveal the
	// preimage or publish a sweep.
	ctx.Lnd.SetFeeEstimate(
		req.SweepConfTarget, chainfee.SatPerKWeight(10000),
	)

	ctx.expiryChan <- testTime

	ctx.assertStatus(loopdb.StatePreimageRevealed)
	ctx.store.assertStorePreimageReveal()

	sweepTx := ctx.ReceiveTx()
	require.Equal(
		t, htlcTx.TxHash(), sweepTx.TxIn[0].PreviousOutPoint.Hash,
		"client not sweeping from htlc tx",
	)

	fee := req.Amount - btcutil.Amount(sweepTx.TxOut[0].Value)
	require.Less(t, fee, req.MaxMinerFee)

	preimage, err := lntypes.MakePreimage(sweepTx.TxIn[0].Witness[0])
	require.NoError(t, err)
	require.Equal(t, info.SwapHash, preimage.Hash())

	ctx.assertPreimagePush(preimage)

	// Raise the fee estimate above the limit once more and trigger a
	// republish. The preimage is out now, so the sweep proceeds with the
	// fee clamped to the miner fee limit.
	ctx.Lnd.SetFeeEstimate(
		req.SweepConfTarget, chainfee.SatPerKWeight(100000),
	)

	ctx.expiryChan <- testTime

	republishedTx := ctx.ReceiveTx()
	require.Equal(
		t, int64(req.Amount-req.MaxMinerFee),
		republishedTx.TxOut[0].Value,
	)

	ctx.assertPreimagePush(preimage)

	// Simulate server pulling both off-chain payments and confirm the
	// sweep spend.
	signalSwapPaymentResult(nil)
	signalPrepaymentResult(nil)

	ctx.NotifySpend(republishedTx, 0)

	ctx.assertStatus(loopdb.StateSuccess)
	ctx.store.assertStoreFinished(loopdb.StateSuccess)

	ctx.finish()
}

// TestLoopOutResume tests that swaps in various initial states are resumed
// after a restart.
func TestLoopOutResume(t *testing.T) {
	defer test.Guard(t)()

	storedVersion := []loopdb.ProtocolVersion{
		loopdb.ProtocolVersionUnrecorded,
		loopdb.CurrentProtocolVersion(),
	}

	for _, version := range storedVersion {
		version := version

		t.Run(version.String(), func(t *testing.T) {
			t.Run("not expired", func(t *testing.T) {
				testLoopOutResume(t, version, false, false)
			})
			t.Run("expired not revealed", func(t *testing.T) {
				testLoopOutResume(t, version, true, false)
			})
			t.Run("expired revealed", func(t *testing.T) {
				testLoopOutResume(t, version, true, true)
			})
		})
	}
}

func testLoopOutResume(t *testing.T, protocolVersion loopdb.ProtocolVersion,
	expired, preimageRevealed bool) {

	defer test.Guard(t)()

	preimage := testPreimage
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	_, senderKey := test.CreateKey(1)
	_, receiverKey := test.CreateKey(2)

	var senderKeyArray, receiverKeyArray [33]byte
	copy(senderKeyArray[:], senderKey.SerializeCompressed())
	copy(receiverKeyArray[:], receiverKey.SerializeCompressed())

	amt := btcutil.Amount(50000)
	swapPayReq, err := getInvoice(hash, amt, swapInvoiceDesc)
	require.NoError(t, err)

	prePayReq, err := getInvoice(hash, 100, prepayInvoiceDesc)
	require.NoError(t, err)

	// Create a pending swap with our custom preimage.
	pendingSwap := &loopdb.LoopOut{
		Contract: &loopdb.LoopOutContract{
			DestAddr:          test.GetDestAddr(t, 0),
			SwapInvoice:       swapPayReq,
			PrepayInvoice:     prePayReq,
			SweepConfTarget:   2,
			MaxSwapRoutingFee: 70000,
			SwapContract: loopdb.SwapContract{
				Preimage:        preimage,
				AmountRequested: amt,
				CltvExpiry:      744,
				ReceiverKey:     receiverKeyArray,
				SenderKey:       senderKeyArray,
				MaxSwapFee:      60000,
				MaxMinerFee:     50000,
				ProtocolVersion: protocolVersion,
			},
		},
		Loop: loopdb.Loop{
			Hash: hash,
		},
	}

	// The client starts at height 600. An expiry that leaves less than
	// the minimum reveal delta means the swap can no longer be started.
	if expired {
		pendingSwap.Contract.CltvExpiry = 610
	}

	if preimageRevealed {
		pendingSwap.Events = []*loopdb.LoopEvent{
			{
				SwapStateData: loopdb.SwapStateData{
					State: loopdb.StatePreimageRevealed,
				},
			},
		}
	}

	ctx := createClientTestContext(t, []*loopdb.LoopOut{pendingSwap})

	// The state of the swap itself is sent out as a status update when
	// execution resumes.
	if preimageRevealed {
		ctx.assertStatus(loopdb.StatePreimageRevealed)
	} else {
		ctx.assertStatus(loopdb.StateInitiated)
	}

	// Expect swap to be executed again, paying the invoices another time.
	signalSwapPaymentResult := ctx.AssertPaid(swapInvoiceDesc)
	signalPrepaymentResult := ctx.AssertPaid(prepayInvoiceDesc)

	// Expect client to register for conf of the htlc output.
	confIntent := ctx.AssertRegisterConf()

	signalSwapPaymentResult(nil)
	signalPrepaymentResult(nil)

	// Swaps that are expired before their preimage was revealed are
	// abandoned without sweeping.
	if expired && !preimageRevealed {
		ctx.assertStatus(loopdb.StateFailTimeout)
		ctx.store.assertStoreFinished(loopdb.StateFailTimeout)

		ctx.finish()
		return
	}

	// Spending witnesses differ between script versions.
	preimageIndex := 0
	if GetHtlcScriptVersion(protocolVersion) == swap.HtlcV1 {
		preimageIndex = 1
	}

	testLoopOutSuccess(
		ctx, amt, hash, func(error) {}, func(error) {},
		preimageRevealed, preimageIndex, confIntent,
	)

	ctx.finish()
}

// testLoopOutSuccess executes the happy flow for a swap whose invoices have
// already been dispatched off-chain, from htlc confirmation to completion.
func testLoopOutSuccess(ctx *testContext, amt btcutil.Amount,
	hash lntypes.Hash, signalPrepaymentResult,
	signalSwapPaymentResult func(error), preimageRevealed bool,
	preimageIndex int, confIntent *test.ConfRegistration) {

	t := ctx.Context.T

	// Notify the confirmation of the htlc output.
	htlcTx := wire.MsgTx{
		Version: 2,
	}
	htlcTx.AddTxOut(&wire.TxOut{
		PkScript: confIntent.PkScript,
		Value:    int64(amt),
	})

	confIntent.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}

	// The client registers for the htlc spend and starts tracking the
	// swap payment to detect settlement.
	ctx.AssertRegisterSpendNtfn(confIntent.PkScript)
	ctx.trackPayment(lnrpc.Payment_IN_FLIGHT)

	// Let the client think the sweep timer expired, triggering the sweep
	// of the htlc.
	ctx.expiryChan <- testTime

	// Expect the preimage to be marked as revealed just before the sweep
	// is published.
	if !preimageRevealed {
		ctx.assertStatus(loopdb.StatePreimageRevealed)
		ctx.store.assertStorePreimageReveal()
	}

	// Expect client on-chain sweep of htlc.
	sweepTx := ctx.ReceiveTx()

	require.Equal(
		t, htlcTx.TxHash(), sweepTx.TxIn[0].PreviousOutPoint.Hash,
		"client not sweeping from htlc tx",
	)

	// The sweep transaction should contain the preimage in its witness.
	preimage, err := lntypes.MakePreimage(
		sweepTx.TxIn[0].Witness[preimageIndex],
	)
	require.NoError(t, err)
	require.Equal(t, hash, preimage.Hash())

	// The client pushes the preimage to the server so that it can pull
	// the off-chain payments before the sweep confirms.
	ctx.assertPreimagePush(preimage)

	// Simulate server pulling both off-chain payments.
	signalSwapPaymentResult(nil)
	signalPrepaymentResult(nil)

	// Notify the confirmation of the sweep spending the htlc.
	ctx.NotifySpend(sweepTx, 0)

	ctx.assertStatus(loopdb.StateSuccess)
	ctx.store.assertStoreFinished(loopdb.StateSuccess)
}

// TestAbandonLoopOut tests that a loop out that hasn't revealed its preimage
// yet can be abandoned by the client.
func TestAbandonLoopOut(t *testing.T) {
	defer test.Guard(t)()

	ctx := createClientTestContext(t, nil)

	req := *testRequest
	req.DestAddr = test.GetDestAddr(t, 0)

	info, err := ctx.swapClient.LoopOut(context.Background(), &req)
	require.NoError(t, err)

	ctx.assertStored()
	ctx.assertStatus(loopdb.StateInitiated)

	ctx.AssertPaid(swapInvoiceDesc)
	ctx.AssertPaid(prepayInvoiceDesc)

	ctx.AssertRegisterConf()

	// Abandon the swap while it is waiting for its htlc to appear on
	// chain. No funds have been committed yet, so this is still safe.
	err = ctx.swapClient.AbandonSwap(
		context.Background(), &AbandonSwapRequest{
			SwapHash: info.SwapHash,
		},
	)
	require.NoError(t, err)

	ctx.assertStatus(loopdb.StateFailAbandoned)
	ctx.store.assertStoreFinished(loopdb.StateFailAbandoned)

	ctx.finish()
}

// TestWrapGrpcError tests grpc error wrapping in the case where a grpc error
// code is present, and when it is absent.
func TestWrapGrpcError(t *testing.T) {
	tests := []struct {
		name         string
		original     error
		expectedCode codes.Code
	}{
		{
			name: "out of range error",
			original: status.Error(
				codes.OutOfRange, "err string",
			),
			expectedCode: codes.OutOfRange,
		},
		{
			name:         "no grpc code",
			original:     errors.New("no error code"),
			expectedCode: codes.Unknown,
		},
	}

	for _, testCase := range tests {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			err := wrapGrpcError("", testCase.original)
			require.Error(t, err, "test only expects errors")

			status, ok := status.FromError(err)
			require.True(t, ok, "expected grpc error")
			require.Equal(t, testCase.expectedCode, status.Code())
		})
	}
}

// TestFetchSwaps tests fetching loop in and out swaps from the store,
// including their last hop and htlc address.
func TestFetchSwaps(t *testing.T) {
	defer test.Guard(t)()

	lastHop := route.Vertex{1, 2, 3}

	_, senderKey := test.CreateKey(1)
	_, receiverKey := test.CreateKey(2)

	var senderKeyArray, receiverKeyArray [33]byte
	copy(senderKeyArray[:], senderKey.SerializeCompressed())
	copy(receiverKeyArray[:], receiverKey.SerializeCompressed())

	contract := loopdb.SwapContract{
		Preimage:        testPreimage,
		SenderKey:       senderKeyArray,
		ReceiverKey:     receiverKeyArray,
		CltvExpiry:      744,
		ProtocolVersion: loopdb.CurrentProtocolVersion(),
	}

	hash := lntypes.Hash(sha256.Sum256(testPreimage[:]))

	lnd := test.NewMockLnd()
	store := newStoreMock(t)

	store.loopInSwaps[hash] = &loopdb.LoopInContract{
		SwapContract: contract,
		LastHop:      &lastHop,
	}
	store.loopInUpdates[hash] = []loopdb.SwapStateData{}

	store.loopOutSwaps[hash] = &loopdb.LoopOutContract{
		SwapContract: contract,
	}
	store.loopOutUpdates[hash] = []loopdb.SwapStateData{}

	client := newSwapClient(&clientConfig{
		LndServices: &lnd.LndServices,
		Store:       store,
	})

	swaps, err := client.FetchSwaps()
	require.NoError(t, err)
	require.Len(t, swaps, 2)

	for _, swapInfo := range swaps {
		require.Equal(t, hash, swapInfo.SwapHash)
		require.NotNil(t, swapInfo.HtlcAddress)
		require.Equal(t, loopdb.StateInitiated, swapInfo.State)
	}
}
