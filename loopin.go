package loop

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/chainntnfs"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/wbobeirne/loop/labels"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/swap"
)

const (
	// timeoutTxConfTarget is the confirmation target we'll use for the
	// timeout sweep after the on-chain htlc has expired.
	timeoutTxConfTarget = int32(2)

	// swapInvoiceExpiry is the invoice expiry we use for the swap invoice.
	// It is chosen long, because the swap payment is only made after the
	// on-chain htlc confirmed.
	swapInvoiceExpiry = 3600 * 24 * 365
)

var (
	// MaxLoopInAcceptDelta configures the maximum acceptable number of
	// remaining blocks until the on-chain htlc expires. This value is used
	// to decide whether we want to continue with the swap parameters as
	// proposed by the server. It is a protection to prevent the server
	// from getting us to lock up our funds to an arbitrary point in the
	// future.
	MaxLoopInAcceptDelta = int32(1500)

	// MinLoopInPublishDelta defines the minimum number of remaining blocks
	// until on-chain htlc expiry required to proceed to publishing the
	// htlc tx. This value isn't critical, as we could even safely publish
	// the htlc after expiry. The reason we do implement this check is to
	// prevent us from publishing an htlc that the server surely wouldn't
	// follow up to.
	MinLoopInPublishDelta = int32(10)
)

// loopInSwap contains all the in-memory state related to a pending loop in
// swap.
type loopInSwap struct {
	swapKit

	loopdb.LoopInContract

	executeConfig

	htlc *swap.Htlc

	timeoutAddr btcutil.Address

	// abandonChan is a channel that the client can signal on to abandon
	// the swap before any funds have been committed.
	abandonChan chan struct{}

	wg sync.WaitGroup
}

// loopInInitResult contains information about a just-initiated loop in swap.
type loopInInitResult struct {
	swap          *loopInSwap
	serverMessage string
}

// newLoopInSwap initiates a new loop in swap.
func newLoopInSwap(globalCtx context.Context, cfg *swapConfig,
	currentHeight int32, request *LoopInRequest) (*loopInInitResult,
	error) {

	// Request current server loop in terms and use these to calculate the
	// swap fee that we should subtract from the swap amount in the
	// payment request that we send to the server.
	quote, err := cfg.server.GetLoopInQuote(
		globalCtx, request.Amount, cfg.lnd.NodePubkey, request.LastHop,
		nil, request.Initiator,
	)
	if err != nil {
		return nil, wrapGrpcError("loop in terms", err)
	}

	swapFee := quote.SwapFee
	if swapFee > request.MaxSwapFee {
		log.Warnf("Swap fee %v exceeding maximum of %v",
			swapFee, request.MaxSwapFee)

		return nil, ErrSwapFeeTooHigh
	}

	// Calculate the swap invoice amount. The server subtracts its fee from
	// the amount that the client locks up on-chain.
	swapInvoiceAmt := request.Amount - swapFee

	// Generate random preimage.
	var swapPreimage lntypes.Preimage
	if _, err := rand.Read(swapPreimage[:]); err != nil {
		log.Error("Cannot generate preimage")
	}
	swapHash := lntypes.Hash(sha256.Sum256(swapPreimage[:]))

	// Derive a sender key for this swap.
	keyDesc, err := cfg.lnd.WalletKit.DeriveNextKey(
		globalCtx, swap.KeyFamily,
	)
	if err != nil {
		return nil, err
	}
	var senderKey [33]byte
	copy(senderKey[:], keyDesc.PubKey.SerializeCompressed())

	// Create the swap invoice in lnd.
	_, swapInvoice, err := cfg.lnd.Client.AddInvoice(
		globalCtx, &invoicesrpc.AddInvoiceData{
			Preimage: &swapPreimage,
			Value:    lnwire.NewMSatFromSatoshis(swapInvoiceAmt),
			Memo:     "swap",
			Expiry:   swapInvoiceExpiry,
		},
	)
	if err != nil {
		return nil, err
	}

	// Create the probe invoice in lnd. The server uses this to probe the
	// client's liquidity before it decides to accept the swap.
	var probePreimage lntypes.Preimage
	if _, err := rand.Read(probePreimage[:]); err != nil {
		return nil, err
	}

	_, probeInvoice, err := cfg.lnd.Client.AddInvoice(
		globalCtx, &invoicesrpc.AddInvoiceData{
			Preimage: &probePreimage,
			Value:    lnwire.NewMSatFromSatoshis(swapInvoiceAmt),
			Memo:     "probe",
			Expiry:   3600,
		},
	)
	if err != nil {
		return nil, err
	}

	// Post the swap parameters to the swap server. The response contains
	// the server key and the expiry height of the on-chain swap htlc.
	log.Infof("Initiating swap request at height %v", currentHeight)
	swapResp, err := cfg.server.NewLoopInSwap(
		globalCtx, swapHash, request.Amount, senderKey, swapInvoice,
		probeInvoice, request.LastHop, request.Initiator,
	)
	if err != nil {
		return nil, wrapGrpcError("cannot initiate swap", err)
	}

	// Validate the response parameters the prevent us continuing with a
	// swap that is based on parameters outside our allowed range.
	err = validateLoopInContract(currentHeight, swapResp)
	if err != nil {
		return nil, err
	}

	// Instantiate a struct that contains all required data to start the
	// swap.
	initiationTime := time.Now()

	contract := loopdb.LoopInContract{
		HtlcConfTarget: request.HtlcConfTarget,
		LastHop:        request.LastHop,
		ExternalHtlc:   request.ExternalHtlc,
		SwapContract: loopdb.SwapContract{
			InitiationHeight: currentHeight,
			InitiationTime:   initiationTime,
			ReceiverKey:      swapResp.receiverKey,
			SenderKey:        senderKey,
			Preimage:         swapPreimage,
			AmountRequested:  request.Amount,
			CltvExpiry:       swapResp.expiry,
			MaxMinerFee:      request.MaxMinerFee,
			MaxSwapFee:       request.MaxSwapFee,
			ProtocolVersion:  loopdb.CurrentProtocolVersion(),
		},
	}

	swapKit := newSwapKit(
		swapHash, swap.TypeIn, cfg, &contract.SwapContract,
	)

	swapKit.lastUpdateTime = initiationTime

	// Create the htlc.
	htlc, err := swap.NewHtlc(
		GetHtlcScriptVersion(contract.ProtocolVersion),
		contract.CltvExpiry, contract.SenderKey, contract.ReceiverKey,
		swapHash, swap.HtlcNP2WSH, cfg.lnd.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	// Log htlc address for debugging.
	swapKit.log.Infof("Htlc address: %v", htlc.Address)

	swap := &loopInSwap{
		LoopInContract: contract,
		swapKit:        *swapKit,
		htlc:           htlc,
		abandonChan:    make(chan struct{}, 1),
	}

	// Persist the data before exiting this function, so that the caller
	// can trust that this swap will be resumed on restart.
	err = cfg.store.CreateLoopIn(swapHash, &swap.LoopInContract)
	if err != nil {
		return nil, fmt.Errorf("cannot store swap: %v", err)
	}

	if swapResp.serverMessage != "" {
		swap.log.Infof("Server message: %v", swapResp.serverMessage)
	}

	return &loopInInitResult{
		swap:          swap,
		serverMessage: swapResp.serverMessage,
	}, nil
}

// resumeLoopInSwap returns a swap object representing a pending swap that has
// been restored from the database.
func resumeLoopInSwap(_ context.Context, cfg *swapConfig,
	pend *loopdb.LoopIn) (*loopInSwap, error) {

	hash := lntypes.Hash(sha256.Sum256(pend.Contract.Preimage[:]))

	log.Infof("Resuming loop in swap %v", hash)

	swapKit := newSwapKit(
		hash, swap.TypeIn, cfg, &pend.Contract.SwapContract,
	)

	// Create the htlc.
	htlc, err := swap.NewHtlc(
		GetHtlcScriptVersion(pend.Contract.ProtocolVersion),
		pend.Contract.CltvExpiry, pend.Contract.SenderKey,
		pend.Contract.ReceiverKey, hash, swap.HtlcNP2WSH,
		cfg.lnd.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	swap := &loopInSwap{
		LoopInContract: *pend.Contract,
		swapKit:        *swapKit,
		htlc:           htlc,
		abandonChan:    make(chan struct{}, 1),
	}

	lastUpdate := pend.LastUpdate()
	if lastUpdate == nil {
		swap.lastUpdateTime = pend.Contract.InitiationTime
	} else {
		swap.state = lastUpdate.State
		swap.lastUpdateTime = lastUpdate.Time
	}

	return swap, nil
}

// validateLoopInContract validates the contract parameters against our
// request.
func validateLoopInContract(height int32,
	response *newLoopInResponse) error {

	// Verify that we are not forced to publish an htlc that locks up our
	// funds for too long in case the server doesn't follow through.
	if response.expiry-height > MaxLoopInAcceptDelta {
		return ErrExpiryTooFar
	}

	return nil
}

// sendUpdate reports an update to the swap state.
func (s *loopInSwap) sendUpdate(ctx context.Context) error {
	info := s.swapInfo()
	s.log.Infof("Loop in swap state: %v", info.State)

	info.HtlcAddress = s.htlc.Address
	info.ExternalHtlc = s.ExternalHtlc

	select {
	case s.statusChan <- *info:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// execute starts/resumes the swap. It is a thin wrapper around executeSwap to
// conveniently handle the error case.
func (s *loopInSwap) execute(mainCtx context.Context,
	cfg *executeConfig, height int32) error {

	defer s.wg.Wait()

	s.executeConfig = *cfg
	s.height = height

	// Create context for our state subscription which we will cancel once
	// swap execution has completed, ensuring that we kill the subscribe
	// goroutine.
	subCtx, cancel := context.WithCancel(mainCtx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		subscribeAndLogUpdates(
			subCtx, s.hash, s.log, s.server.SubscribeLoopInUpdates,
		)
	}()

	// Announce swap by sending out an initial update.
	err := s.sendUpdate(mainCtx)
	if err != nil {
		return err
	}

	// Execute the swap until it either reaches a final state or a
	// temporary error occurs.
	err = s.executeSwap(mainCtx)

	// Sanity check. If there is no error, the swap must be in a final
	// state.
	if err == nil && s.state.Type() == loopdb.StateTypePending {
		err = fmt.Errorf("swap in non-final state %v", s.state)
	}

	// If an unexpected error happened, report a temporary failure but
	// don't persist the error. Otherwise for example a connection error
	// could lead to abandoning the swap permanently and losing funds.
	if err != nil {
		s.log.Errorf("Swap error: %v", err)
		s.state = loopdb.StateFailTemporary

		// If we cannot send out this update, there is nothing we can
		// do.
		_ = s.sendUpdate(mainCtx)

		return err
	}

	s.log.Infof("Loop in swap completed: %v "+
		"(final cost: server %v, onchain %v)",
		s.state,
		s.cost.Server,
		s.cost.Onchain,
	)

	return nil
}

// executeSwap executes the swap.
func (s *loopInSwap) executeSwap(globalCtx context.Context) error {
	// For loop in, the client takes the first step by publishing the
	// on-chain htlc. Only do this if we haven't already done so in a
	// previous run and if the htlc isn't published externally.
	if s.state == loopdb.StateInitiated {
		// If the client requested the swap to be abandoned while we
		// weren't running, handle it now before any funds are
		// committed.
		select {
		case <-s.abandonChan:
			return s.setStateAbandoned(globalCtx)
		default:
		}

		if !s.ExternalHtlc {
			published, err := s.publishOnChainHtlc(globalCtx)
			if err != nil {
				return err
			}
			if !published {
				return nil
			}
		}
	}

	// Wait for the htlc to confirm. After a restart this will pick up a
	// previously published or externally funded tx.
	conf, err := s.waitForHtlcConf(globalCtx)
	if err != nil {
		return err
	}

	// If no confirmation was received, the swap was abandoned while
	// waiting and the state has already been finalized.
	if conf == nil {
		return nil
	}

	// For external htlcs we haven't transitioned to StateHtlcPublished
	// yet, do so now that we've seen the htlc on chain.
	if s.state == loopdb.StateInitiated {
		s.state = loopdb.StateHtlcPublished
		if err := s.persistState(globalCtx); err != nil {
			return err
		}
	}

	// Determine the htlc outpoint by inspecting the htlc tx.
	htlcOutpoint, htlcValue, err := swap.GetScriptOutput(
		conf.Tx, s.htlc.PkScript,
	)
	if err != nil {
		return err
	}

	// Verify whether the confirmed htlc value matches the swap amount. If
	// the amounts don't match, the swap fails and we reclaim our funds
	// after the htlc has expired.
	if htlcValue != s.AmountRequested {
		s.log.Warnf("Incorrect htlc amount %v, expected %v",
			htlcValue, s.AmountRequested)

		s.state = loopdb.StateFailIncorrectHtlcAmt
		if err := s.persistState(globalCtx); err != nil {
			return err
		}
	}

	// The server is expected to see the htlc on-chain and knowing that it
	// can sweep that htlc with the preimage, it should pay our swap
	// invoice, receive the preimage and sweep the htlc. We are waiting for
	// this to happen and simultaneously watch the htlc expiry height. When
	// the htlc expires, we will publish a timeout tx to reclaim the funds.
	err = s.waitForSwapComplete(globalCtx, htlcOutpoint, htlcValue)
	if err != nil {
		return err
	}

	// Persist swap outcome.
	return s.persistState(globalCtx)
}

// waitForHtlcConf watches the chain until the htlc confirms. While the swap
// is still in its initial state it also watches for abandon signals.
func (s *loopInSwap) waitForHtlcConf(globalCtx context.Context) (
	*chainntnfs.TxConfirmation, error) {

	ctx, cancel := context.WithCancel(globalCtx)
	defer cancel()
	confChan, confErr, err := s.lnd.ChainNotifier.RegisterConfirmationsNtfn(
		ctx, nil, s.htlc.PkScript, 1, s.InitiationHeight,
	)
	if err != nil {
		return nil, err
	}
	for {
		select {
		// Htlc confirmed.
		case conf := <-confChan:
			return conf, nil

		// Conf ntfn error.
		case err := <-confErr:
			return nil, err

		// The client requested to abandon the swap. This is only
		// safe as long as we haven't published the htlc ourselves.
		case <-s.abandonChan:
			if s.state != loopdb.StateInitiated {
				s.log.Warnf("Ignoring abandon request, swap " +
					"already has funds committed")

				continue
			}

			return nil, s.setStateAbandoned(globalCtx)

		// Keep up with block height.
		case notification := <-s.blockEpochChan:
			s.height = notification.(int32)

		// Cancel.
		case <-globalCtx.Done():
			return nil, globalCtx.Err()
		}
	}
}

// setStateAbandoned stores the abandoned state and announces it.
func (s *loopInSwap) setStateAbandoned(ctx context.Context) error {
	s.log.Infof("Abandoning swap %v", s.hash)

	if !s.state.IsPending() {
		return fmt.Errorf("cannot abandon swap in state %v", s.state)
	}

	s.state = loopdb.StateFailAbandoned

	return s.persistState(ctx)
}

// publishOnChainHtlc checks whether there are still enough blocks left and if
// so, it publishes the htlc and advances the swap state.
func (s *loopInSwap) publishOnChainHtlc(ctx context.Context) (bool, error) {
	var err error

	blocksRemaining := s.CltvExpiry - s.height
	s.log.Infof("Blocks left until on-chain expiry: %v", blocksRemaining)

	// Verify whether it still makes sense to publish the htlc.
	if blocksRemaining < MinLoopInPublishDelta {
		s.state = loopdb.StateFailTimeout
		return false, s.persistState(ctx)
	}

	// Check the estimated fee for the htlc tx against the miner fee limit
	// of the contract. The swap fails without on-chain action when the
	// estimate exceeds the limit.
	fee, err := s.lnd.Client.EstimateFee(
		ctx, s.htlc.Address, s.AmountRequested, s.HtlcConfTarget,
	)
	if err != nil {
		return false, fmt.Errorf("estimate miner fee: %v", err)
	}
	if fee > s.MaxMinerFee {
		s.log.Warnf("Estimated miner fee %v exceeds limit of %v, "+
			"not publishing htlc", fee, s.MaxMinerFee)

		s.state = loopdb.StateFailTimeout
		return false, s.persistState(ctx)
	}

	// Get fee estimate from lnd.
	feeRate, err := s.lnd.WalletKit.EstimateFeeRate(
		ctx, s.HtlcConfTarget,
	)
	if err != nil {
		return false, fmt.Errorf("estimate fee: %v", err)
	}

	// Transition to state HtlcPublished before calling SendOutputs to
	// prevent us from ever paying multiple times after a crash.
	s.state = loopdb.StateHtlcPublished
	err = s.persistState(ctx)
	if err != nil {
		return false, err
	}

	s.log.Infof("Publishing on chain HTLC with fee rate %v", feeRate)
	tx, err := s.lnd.WalletKit.SendOutputs(
		ctx, []*wire.TxOut{{
			PkScript: s.htlc.PkScript,
			Value:    int64(s.AmountRequested),
		}},
		feeRate, labels.LoopInHtlcLabel(swap.ShortHash(&s.hash)),
	)
	if err != nil {
		return false, fmt.Errorf("send outputs: %v", err)
	}

	s.log.Infof("Published on chain HTLC tx %v", tx.TxHash())

	return true, nil
}

// waitForSwapComplete waits until a spending tx of the htlc gets confirmed
// and the swap invoice is either settled or canceled. If the htlc times out,
// the timeout tx will be published.
func (s *loopInSwap) waitForSwapComplete(ctx context.Context,
	htlcOutpoint *wire.OutPoint, htlcValue btcutil.Amount) error {

	// Register the htlc spend notification.
	rpcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	spendChan, spendErr, err := s.lnd.ChainNotifier.RegisterSpendNtfn(
		rpcCtx, htlcOutpoint, s.htlc.PkScript, s.InitiationHeight,
	)
	if err != nil {
		return fmt.Errorf("register spend ntfn: %v", err)
	}

	// Register for swap invoice updates.
	rpcCtx, cancel = context.WithCancel(ctx)
	defer cancel()
	s.log.Infof("Subscribing to swap invoice %v", s.hash)
	swapInvoiceChan, swapInvoiceErr, err :=
		s.lnd.Invoices.SubscribeSingleInvoice(rpcCtx, s.hash)
	if err != nil {
		return fmt.Errorf("subscribe to swap invoice: %v", err)
	}

	// checkTimeout publishes the timeout tx if the contract has expired.
	checkTimeout := func() error {
		if s.height >= s.CltvExpiry {
			return s.publishTimeoutTx(ctx, htlcOutpoint, htlcValue)
		}

		return nil
	}

	// Check timeout at current height. After a restart, the swap expiry
	// may have already passed.
	if err := checkTimeout(); err != nil {
		return err
	}

	htlcSpend := false
	invoiceFinalized := false
	for !htlcSpend || !invoiceFinalized {
		select {
		// Spend notification error.
		case err := <-spendErr:
			return err

		// Receive block epochs and start publishing the timeout tx
		// whenever the htlc expires.
		case notification := <-s.blockEpochChan:
			s.height = notification.(int32)

			if err := checkTimeout(); err != nil {
				return err
			}

		// The htlc spend is confirmed. Inspect the spending tx to
		// determine the final swap state.
		case spendDetails := <-spendChan:
			s.log.Infof("Htlc spend by tx: %v",
				spendDetails.SpenderTxHash)

			htlcSpend = true

			// Determine the htlc input of the spending tx and
			// inspect the witness to find out whether a success or
			// a timeout tx spent the htlc.
			htlcInput, err := swap.GetTxInputByOutpoint(
				spendDetails.SpendingTx, htlcOutpoint,
			)
			if err != nil {
				return err
			}

			if s.htlc.IsSuccessWitness(htlcInput.Witness) {
				s.state = loopdb.StateSuccess
			} else {
				// We needed another on-chain tx to sweep the
				// timeout clause, which we now include in our
				// costs.
				s.cost.Onchain = htlcValue - btcutil.Amount(
					spendDetails.SpendingTx.TxOut[0].Value,
				)

				// If the swap failed earlier because the htlc
				// amount was incorrect, keep that state.
				if s.state != loopdb.StateFailIncorrectHtlcAmt {
					s.state = loopdb.StateFailTimeout
				}

				// The htlc was swept by our timeout tx, the
				// invoice outcome no longer matters. Cancel
				// the invoice so the server cannot still pay
				// it.
				invoiceFinalized = true

				err := s.lnd.Invoices.CancelInvoice(
					ctx, s.hash,
				)
				if err != nil {
					s.log.Warnf("Cancel invoice: %v", err)
				}
			}

		// The server paid our swap invoice.
		case update := <-swapInvoiceChan:
			s.log.Infof("Received swap invoice update: %v",
				update.State)

			switch update.State {
			case invoices.ContractSettled:
				s.log.Infof("Swap invoice paid")

				invoiceFinalized = true

				// The server deducts the swap fee from the
				// invoice amount.
				s.cost.Server = s.AmountRequested -
					update.AmtPaid

				s.state = loopdb.StateInvoiceSettled
				err := s.persistState(ctx)
				if err != nil {
					return err
				}

			case invoices.ContractCanceled:
				s.log.Warnf("Swap invoice canceled")
				invoiceFinalized = true
			}

		// Swap invoice ntfn error.
		case err := <-swapInvoiceErr:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// publishTimeoutTx publishes a timeout tx after the on-chain htlc has
// expired. The swap failed and we are reclaiming our funds.
func (s *loopInSwap) publishTimeoutTx(ctx context.Context,
	htlcOutpoint *wire.OutPoint, htlcValue btcutil.Amount) error {

	if s.timeoutAddr == nil {
		var err error
		s.timeoutAddr, err = s.lnd.WalletKit.NextAddr(
			ctx, lnwallet.DefaultAccountName,
			walletrpc.AddressType_WITNESS_PUBKEY_HASH, false,
		)
		if err != nil {
			return err
		}
	}

	// Calculate sweep tx fee.
	fee, err := s.sweeper.GetSweepFee(
		ctx, s.htlc.AddTimeoutToEstimator, s.timeoutAddr,
		timeoutTxConfTarget,
	)
	if err != nil {
		return err
	}

	witnessFunc := func(sig []byte) (wire.TxWitness, error) {
		return s.htlc.GenTimeoutWitness(sig)
	}

	sequence := uint32(0)
	timeoutTx, err := s.sweeper.CreateSweepTx(
		ctx, s.height, sequence, s.htlc, *htlcOutpoint, s.SenderKey,
		witnessFunc, htlcValue, fee, s.timeoutAddr,
	)
	if err != nil {
		return err
	}

	timeoutTxHash := timeoutTx.TxHash()
	s.log.Infof("Publishing timeout tx %v with fee %v to addr %v",
		timeoutTxHash, fee, s.timeoutAddr)

	err = s.lnd.WalletKit.PublishTransaction(
		ctx, timeoutTx,
		labels.LoopInSweepTimeout(swap.ShortHash(&s.hash)),
	)
	if err != nil {
		s.log.Warnf("publish timeout: %v", err)
	}

	return nil
}

// persistState updates the swap state and sends out an update notification.
func (s *loopInSwap) persistState(ctx context.Context) error {
	updateTime := time.Now()

	s.lastUpdateTime = updateTime

	// Update state in store.
	err := s.store.UpdateLoopIn(
		s.hash, updateTime,
		loopdb.SwapStateData{
			State: s.state,
			Cost:  s.cost,
		},
	)
	if err != nil {
		return err
	}

	// Send out swap update
	return s.sendUpdate(ctx)
}
