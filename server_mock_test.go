package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/test"
)

var testTime = time.Date(2018, time.January, 9, 14, 00, 00, 0, time.UTC)

const (
	swapInvoiceDesc   = "swap"
	prepayInvoiceDesc = "prepay"


	testLoopOutMinCltvDelta = int32(30)
	testLoopOutMaxCltvDelta = int32(40)
	testLoopInCltvDelta     = int32(1000)
	testSwapFee             = btcutil.Amount(210)
	testFixedPrepayAmount   = btcutil.Amount(100)
	testMinSwapAmount       = btcutil.Amount(10000)
	testMaxSwapAmount       = btcutil.Amount(1000000)
)

// serverMock stands in for the swap server during tests. It responds to
// initiation calls with fixed terms and records preimage pushes and swap
// cancelations.
type serverMock struct {
	t *testing.T

	expectedSwapAmt  btcutil.Amount
	swapInvoiceAmt   btcutil.Amount
	prepayInvoiceAmt btcutil.Amount

	height int32

	swapInvoice string
	swapHash    lntypes.Hash

	// preimagePush is a channel that preimage pushes are sent into.
	preimagePush chan lntypes.Preimage

	// cancelSwap is a channel that swap cancelations are sent into.
	cancelSwap chan *outCancelDetails

	lnd *test.LndMockServices
}

var _ swapServerClient = (*serverMock)(nil)

func newServerMock(lnd *test.LndMockServices) *serverMock {
	return &serverMock{
		expectedSwapAmt: 50000,

		// Total swap fee: 1000 + 0.005 * 50000 = 1250
		swapInvoiceAmt:   50950,
		prepayInvoiceAmt: 100,

		height: 600,

		preimagePush: make(chan lntypes.Preimage),
		cancelSwap:   make(chan *outCancelDetails),

		lnd: lnd,
	}
}

func (s *serverMock) NewLoopOutSwap(_ context.Context, swapHash lntypes.Hash,
	amount btcutil.Amount, _ int32, _ [33]byte, _ time.Time, _ string) (
	*newLoopOutResponse, error) {

	_, senderKey := test.CreateKey(100)

	if amount != s.expectedSwapAmt {
		return nil, errors.New("unexpected test swap amount")
	}

	swapPayReqString, err := getInvoice(
		swapHash, s.swapInvoiceAmt, swapInvoiceDesc,
	)
	if err != nil {
		return nil, err
	}

	prePayReqString, err := getInvoice(
		swapHash, s.prepayInvoiceAmt, prepayInvoiceDesc,
	)
	if err != nil {
		return nil, err
	}

	var senderKeyArray [33]byte
	copy(senderKeyArray[:], senderKey.SerializeCompressed())

	return &newLoopOutResponse{
		senderKey:     senderKeyArray,
		swapInvoice:   swapPayReqString,
		prepayInvoice: prePayReqString,
	}, nil
}

func (s *serverMock) GetLoopOutTerms(_ context.Context, _ string) (
	*LoopOutTerms, error) {

	return &LoopOutTerms{
		MinSwapAmount: testMinSwapAmount,
		MaxSwapAmount: testMaxSwapAmount,
		MinCltvDelta:  testLoopOutMinCltvDelta,
		MaxCltvDelta:  testLoopOutMaxCltvDelta,
	}, nil
}

func (s *serverMock) GetLoopOutQuote(_ context.Context, _ btcutil.Amount,
	_ int32, _ time.Time, _ string) (*LoopOutQuote, error) {

	dest := [33]byte{1, 2, 3}

	return &LoopOutQuote{
		SwapFee:         testSwapFee,
		SwapPaymentDest: dest,
		PrepayAmount:    testFixedPrepayAmount,
	}, nil
}

func (s *serverMock) PushLoopOutPreimage(_ context.Context,
	preimage lntypes.Preimage) error {

	// Push the preimage into the mock's preimage channel.
	s.preimagePush <- preimage

	return nil
}

func (s *serverMock) NewLoopInSwap(_ context.Context, swapHash lntypes.Hash,
	amount btcutil.Amount, _ [33]byte, swapInvoice, _ string,
	_ *route.Vertex, _ string) (*newLoopInResponse, error) {

	_, receiverKey := test.CreateKey(101)

	if amount != s.expectedSwapAmt {
		return nil, errors.New("unexpected test swap amount")
	}

	var receiverKeyArray [33]byte
	copy(receiverKeyArray[:], receiverKey.SerializeCompressed())

	s.swapInvoice = swapInvoice
	s.swapHash = swapHash

	return &newLoopInResponse{
		receiverKey: receiverKeyArray,
		expiry:      s.height + testLoopInCltvDelta,
	}, nil
}

func (s *serverMock) GetLoopInTerms(_ context.Context, _ string) (
	*LoopInTerms, error) {

	return &LoopInTerms{
		MinSwapAmount: testMinSwapAmount,
		MaxSwapAmount: testMaxSwapAmount,
	}, nil
}

func (s *serverMock) GetLoopInQuote(_ context.Context, _ btcutil.Amount,
	_ route.Vertex, _ *route.Vertex, _ [][]zpay32.HopHint, _ string) (
	*LoopInQuote, error) {

	return &LoopInQuote{
		SwapFee: testSwapFee,
	}, nil
}

func (s *serverMock) Probe(_ context.Context, _ btcutil.Amount, _ route.Vertex,
	_ *route.Vertex, _ [][]zpay32.HopHint) error {

	return nil
}

func (s *serverMock) SubscribeLoopOutUpdates(_ context.Context,
	_ lntypes.Hash) (<-chan *ServerUpdate, <-chan error, error) {

	// Return channels that never fire, swap execution doesn't rely on
	// server state updates.
	return make(chan *ServerUpdate), make(chan error), nil
}

func (s *serverMock) SubscribeLoopInUpdates(_ context.Context,
	_ lntypes.Hash) (<-chan *ServerUpdate, <-chan error, error) {

	return make(chan *ServerUpdate), make(chan error), nil
}

func (s *serverMock) CancelLoopOutSwap(ctx context.Context,
	details *outCancelDetails) error {

	s.cancelSwap <- details

	return nil
}

func (s *serverMock) assertSwapCanceled(t *testing.T,
	details *outCancelDetails) {

	t.Helper()

	require.Equal(t, details, <-s.cancelSwap)
}

// getInvoice returns a signed payment request for the given hash and amount.
// A payment address is always included, the client requires one to be able to
// cancel the swap payment with the server.
func getInvoice(hash lntypes.Hash, amt btcutil.Amount,
	memo string) (string, error) {

	var payAddr [32]byte
	copy(payAddr[:], hash[:])

	req, err := zpay32.NewInvoice(
		&chaincfg.TestNet3Params, hash, testTime,
		zpay32.Description(memo),
		zpay32.Amount(lnwire.NewMSatFromSatoshis(amt)),
		zpay32.PaymentAddr(payAddr),
	)
	if err != nil {
		return "", err
	}

	reqString, err := test.EncodePayReq(req)
	if err != nil {
		return "", err
	}

	return reqString, nil
}
