package loop

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/chainntnfs"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightninglabs/lndclient"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/swap"
	"github.com/wbobeirne/loop/sweep"
	"github.com/wbobeirne/loop/test"
)

// newSwapClient instantiates a swap client for testing, wired up to the given
// mock config.
func newSwapClient(config *clientConfig) *Client {
	sweeper := &sweep.Sweeper{
		Lnd: config.LndServices,
	}

	executor := newExecutor(&executorConfig{
		lnd:               config.LndServices,
		store:             config.Store,
		sweeper:           sweeper,
		createExpiryTimer: config.CreateExpiryTimer,
	})

	return &Client{
		errChan:      make(chan error),
		clientConfig: *config,
		lndServices:  config.LndServices,
		sweeper:      sweeper,
		executor:     executor,
		resumeReady:  make(chan struct{}),
		abandonChans: make(map[lntypes.Hash]chan struct{}),
	}
}

// testContext bundles the mocks and channels used in the loop out client unit
// tests.
type testContext struct {
	test.Context

	serverMock *serverMock
	swapClient *Client
	statusChan chan SwapInfo
	store      *storeMock
	expiryChan chan time.Time
	runErr     chan error
	stop       context.CancelFunc
}

// createClientTestContext instantiates a client with mocked dependencies and
// runs it. Any swaps passed in are restored from the store on startup.
func createClientTestContext(t *testing.T,
	pendingSwaps []*loopdb.LoopOut) *testContext {

	clientLnd := test.NewMockLnd()
	server := newServerMock(clientLnd)
	store := newStoreMock(t)

	for _, s := range pendingSwaps {
		store.loopOutSwaps[s.Hash] = s.Contract
		updates := []loopdb.SwapStateData{}
		for _, e := range s.Events {
			updates = append(updates, e.SwapStateData)
		}
		store.loopOutUpdates[s.Hash] = updates
	}

	expiryChan := make(chan time.Time)
	timerFactory := func(expiry time.Duration) <-chan time.Time {
		return expiryChan
	}

	swapClient := newSwapClient(&clientConfig{
		LndServices:       &clientLnd.LndServices,
		Server:            server,
		Store:             store,
		CreateExpiryTimer: timerFactory,
	})

	statusChan := make(chan SwapInfo)

	ctx := &testContext{
		Context:    test.NewContext(t, clientLnd),
		swapClient: swapClient,
		statusChan: statusChan,
		expiryChan: expiryChan,
		serverMock: server,
		store:      store,
	}

	ctx.runErr = make(chan error)

	runCtx, stop := context.WithCancel(context.Background())
	ctx.stop = stop

	go func() {
		ctx.runErr <- swapClient.Run(runCtx, statusChan)
	}()

	return ctx
}

func (ctx *testContext) finish() {
	ctx.stop()

	select {
	case err := <-ctx.runErr:
		require.NoError(ctx.Context.T, err)

	case <-time.After(test.Timeout):
		ctx.Context.T.Fatal("client not stopped")
	}

	ctx.assertIsDone()
}

func (ctx *testContext) assertIsDone() {
	require.NoError(ctx.Context.T, ctx.Lnd.IsDone())
	require.NoError(ctx.Context.T, ctx.store.isDone())

	select {
	case update := <-ctx.statusChan:
		ctx.Context.T.Fatalf("unexpected status update: %v",
			update.SwapHash)
	default:
	}
}

// assertStored asserts that the swap is stored.
func (ctx *testContext) assertStored() {
	ctx.Context.T.Helper()

	ctx.store.assertLoopOutStored()
}

// assertStatus asserts that the swap client reports a status update with the
// given state for a loop out swap.
func (ctx *testContext) assertStatus(expectedState loopdb.SwapState) {
	ctx.Context.T.Helper()

	for {
		select {
		case update := <-ctx.statusChan:
			if update.SwapType != swap.TypeOut {
				continue
			}

			require.Equal(
				ctx.Context.T, expectedState, update.State,
			)

			return

		case <-time.After(test.Timeout):
			ctx.Context.T.Fatalf("expected swap state %v",
				expectedState)
		}
	}
}

// publishHtlc publishes the on-chain htlc and notifies the client of its
// confirmation.
func (ctx *testContext) publishHtlc(script []byte,
	amt btcutil.Amount) wire.MsgTx {

	// Expect client to register for conf.
	confIntent := ctx.AssertRegisterConf()

	// Send htlc confirmation.
	htlcTx := wire.MsgTx{
		Version: 2,
	}
	htlcTx.AddTxOut(&wire.TxOut{
		PkScript: script,
		Value:    int64(amt),
	})

	select {
	case confIntent.ConfChan <- &chainntnfs.TxConfirmation{
		Tx: &htlcTx,
	}:
	case <-time.After(test.Timeout):
		ctx.Context.T.Fatalf("htlc confirmation not consumed")
	}

	return htlcTx
}

// trackPayment asserts that the client tracks its off-chain swap payment and
// provides it with the given payment state.
func (ctx *testContext) trackPayment(state lnrpc.Payment_PaymentStatus) {
	ctx.Context.T.Helper()

	trackPayment := ctx.AssertTrackPayment()

	select {
	case trackPayment.Updates <- lndclient.PaymentStatus{
		State: state,
	}:
	case <-time.After(test.Timeout):
		ctx.Context.T.Fatalf("payment update not consumed")
	}
}

// assertPreimagePush asserts that the client pushed its preimage to the
// server.
func (ctx *testContext) assertPreimagePush(preimage lntypes.Preimage) {
	ctx.Context.T.Helper()

	select {
	case pushedPreimage := <-ctx.serverMock.preimagePush:
		require.Equal(ctx.Context.T, preimage, pushedPreimage)

	case <-time.After(test.Timeout):
		ctx.Context.T.Fatalf("preimage not pushed")
	}
}
