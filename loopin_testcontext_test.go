package loop

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/sweep"
	"github.com/wbobeirne/loop/test"
)

// loopInTestContext bundles the mocks needed to unit test a single loop in
// swap object.
type loopInTestContext struct {
	t              *testing.T
	lnd            *test.LndMockServices
	server         *serverMock
	store          *storeMock
	sweeper        *sweep.Sweeper
	cfg            *executeConfig
	statusChan     chan SwapInfo
	blockEpochChan chan interface{}

	// expiryChan is a replacement for the block based republish timer to
	// allow tests to deterministically control sweep attempts.
	expiryChan chan time.Time
}

func newLoopInTestContext(t *testing.T) *loopInTestContext {
	lnd := test.NewMockLnd()
	server := newServerMock(lnd)
	store := newStoreMock(t)
	sweeper := sweep.Sweeper{Lnd: &lnd.LndServices}

	blockEpochChan := make(chan interface{})
	statusChan := make(chan SwapInfo)

	expiryChan := make(chan time.Time)
	timerFactory := func(expiry time.Duration) <-chan time.Time {
		return expiryChan
	}

	cfg := executeConfig{
		statusChan:     statusChan,
		sweeper:        &sweeper,
		blockEpochChan: blockEpochChan,
		timerFactory:   timerFactory,
	}

	return &loopInTestContext{
		t:              t,
		lnd:            lnd,
		server:         server,
		store:          store,
		sweeper:        &sweeper,
		cfg:            &cfg,
		statusChan:     statusChan,
		blockEpochChan: blockEpochChan,
		expiryChan:     expiryChan,
	}
}

// assertState asserts that the swap reports a status update with the given
// state.
func (c *loopInTestContext) assertState(expectedState loopdb.SwapState) {
	c.t.Helper()

	select {
	case update := <-c.statusChan:
		require.Equal(c.t, expectedState, update.State)

	case <-time.After(test.Timeout):
		c.t.Fatalf("expected state %v", expectedState)
	}
}

// assertSubscribeInvoice asserts that the client subscribes to invoice
// updates for the swap invoice and returns the subscription.
func (c *loopInTestContext) assertSubscribeInvoice(
	hash lntypes.Hash) *test.SingleInvoiceSubscription {

	c.t.Helper()

	var subscription *test.SingleInvoiceSubscription
	select {
	case subscription = <-c.lnd.SingleInvoiceSubcribeChannel:
	case <-time.After(test.Timeout):
		c.t.Fatalf("invoice subscription not created")
	}

	require.Equal(c.t, hash, subscription.Hash)

	return subscription
}

// updateInvoiceState sends an invoice update to the subscribed listener.
func (c *loopInTestContext) updateInvoiceState(
	subscription *test.SingleInvoiceSubscription,
	amount btcutil.Amount, state invoices.ContractState) {

	c.t.Helper()

	select {
	case subscription.Update <- lndclient.InvoiceUpdate{
		State:   state,
		AmtPaid: amount,
	}:
	case <-time.After(test.Timeout):
		c.t.Fatalf("invoice update not consumed")
	}
}
