package test

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/chainntnfs"
	"github.com/lightningnetwork/lnd/lnrpc/verrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
)

var testStartingHeight = int32(600)

// NewMockLnd returns a new instance of LndMockServices that can be used in
// unit tests.
func NewMockLnd() *LndMockServices {
	lightningClient := &mockLightningClient{}
	walletKit := &mockWalletKit{
		feeEstimates: make(map[int32]chainfee.SatPerKWeight),
	}
	chainNotifier := &mockChainNotifier{}
	signer := &mockSigner{}
	invoices := &mockInvoices{}
	router := &mockRouter{}

	_, nodePubKey := CreateKey(4)
	nodePubkey, _ := route.NewVertexFromBytes(
		nodePubKey.SerializeCompressed(),
	)

	lnd := LndMockServices{
		LndServices: lndclient.LndServices{
			WalletKit:     walletKit,
			Client:        lightningClient,
			ChainNotifier: chainNotifier,
			Signer:        signer,
			Invoices:      invoices,
			Router:        router,
			ChainParams:   &chaincfg.TestNet3Params,
			NodePubkey:    nodePubkey,
			NodeAlias:     "test-node",
			Version: &verrpc.Version{
				Version:  "v0.99.9-beta",
				AppMajor: 0,
				AppMinor: 99,
				AppPatch: 9,
				BuildTags: []string{
					"signrpc", "walletrpc", "chainrpc",
					"invoicesrpc",
				},
			},
		},
		RouterSendPaymentChannel: make(
			chan RouterPaymentChannelMessage,
		),
		TrackPaymentChannel:  make(chan TrackPaymentMessage),
		ConfChannel:          make(chan *chainntnfs.TxConfirmation),
		RegisterConfChannel:  make(chan *ConfRegistration),
		RegisterSpendChannel: make(chan *SpendRegistration),
		SpendChannel:         make(chan *chainntnfs.SpendDetail),
		TxPublishChannel:     make(chan *wire.MsgTx),
		SendOutputsChannel:   make(chan wire.MsgTx),
		SettleInvoiceChannel: make(chan lntypes.Preimage),
		SingleInvoiceSubcribeChannel: make(
			chan *SingleInvoiceSubscription,
		),
		FailInvoiceChannel: make(chan lntypes.Hash, 2),
		epochChannel:       make(chan int32),
		Height:             testStartingHeight,
		ChannelEdges:       make(map[uint64]*lndclient.ChannelEdge),
	}

	lightningClient.lnd = &lnd
	chainNotifier.lnd = &lnd
	walletKit.lnd = &lnd
	invoices.lnd = &lnd
	router.lnd = &lnd

	lnd.WaitForFinished = func() {
		chainNotifier.WaitForFinished()
		lightningClient.WaitForFinished()
		invoices.WaitForFinished()
	}

	return &lnd
}

// RouterPaymentChannelMessage is the data that passed through
// RouterSendPaymentChannel.
type RouterPaymentChannelMessage struct {
	lndclient.SendPaymentRequest
	TrackPaymentMessage
}

// TrackPaymentMessage is the data that passed through TrackPaymentChannel.
type TrackPaymentMessage struct {
	Hash lntypes.Hash

	Updates chan lndclient.PaymentStatus
	Errors  chan error
}

// SingleInvoiceSubscription contains the single invoice subscribers.
type SingleInvoiceSubscription struct {
	Hash   lntypes.Hash
	Update chan lndclient.InvoiceUpdate
	Err    chan error
}

// LndMockServices provides a full set of mocked lnd services.
type LndMockServices struct {
	lndclient.LndServices

	RouterSendPaymentChannel chan RouterPaymentChannelMessage
	TrackPaymentChannel      chan TrackPaymentMessage
	SpendChannel             chan *chainntnfs.SpendDetail
	TxPublishChannel         chan *wire.MsgTx
	SendOutputsChannel       chan wire.MsgTx
	SettleInvoiceChannel     chan lntypes.Preimage
	FailInvoiceChannel       chan lntypes.Hash
	epochChannel             chan int32

	ConfChannel          chan *chainntnfs.TxConfirmation
	RegisterConfChannel  chan *ConfRegistration
	RegisterSpendChannel chan *SpendRegistration

	SingleInvoiceSubcribeChannel chan *SingleInvoiceSubscription

	Height               int32
	blockHeightListeners []chan int32

	// Channels and ChannelEdges are returned by the channel listing and
	// graph lookup mocks.
	Channels     []lndclient.ChannelInfo
	ChannelEdges map[uint64]*lndclient.ChannelEdge

	WaitForFinished func()

	lock sync.Mutex
}

// NotifyHeight notifies a new block height to all block epoch subscribers.
func (s *LndMockServices) NotifyHeight(height int32) error {
	s.lock.Lock()
	s.Height = height
	listeners := make([]chan int32, len(s.blockHeightListeners))
	copy(listeners, s.blockHeightListeners)
	s.lock.Unlock()

	for _, listener := range listeners {
		select {
		case listener <- height:
		case <-time.After(Timeout):
			return ErrTimeout
		}
	}

	return nil
}

// IsDone checks whether all channels have been fully emptied. If not this may
// indicate unexpected behaviour of the code under test.
func (s *LndMockServices) IsDone() error {
	select {
	case <-s.RouterSendPaymentChannel:
		return errors.New("RouterSendPaymentChannel not empty")
	default:
	}

	select {
	case <-s.TrackPaymentChannel:
		return errors.New("TrackPaymentChannel not empty")
	default:
	}

	select {
	case <-s.SpendChannel:
		return errors.New("SpendChannel not empty")
	default:
	}

	select {
	case <-s.TxPublishChannel:
		return errors.New("TxPublishChannel not empty")
	default:
	}

	select {
	case <-s.SendOutputsChannel:
		return errors.New("SendOutputsChannel not empty")
	default:
	}

	select {
	case <-s.SettleInvoiceChannel:
		return errors.New("SettleInvoiceChannel not empty")
	default:
	}

	select {
	case <-s.ConfChannel:
		return errors.New("ConfChannel not empty")
	default:
	}

	select {
	case <-s.RegisterConfChannel:
		return errors.New("RegisterConfChannel not empty")
	default:
	}

	select {
	case <-s.RegisterSpendChannel:
		return errors.New("RegisterSpendChannel not empty")
	default:
	}

	return nil
}

// DecodeInvoice decodes a payment request string.
func (s *LndMockServices) DecodeInvoice(request string) (*zpay32.Invoice,
	error) {

	return zpay32.Decode(request, s.ChainParams)
}

// SetFeeEstimate sets the mocked fee estimate for the given conf target.
func (s *LndMockServices) SetFeeEstimate(confTarget int32,
	feeEstimate chainfee.SatPerKWeight) {

	walletKit, ok := s.WalletKit.(*mockWalletKit)
	if !ok {
		panic("mock walletkit not used")
	}

	walletKit.lock.Lock()
	defer walletKit.lock.Unlock()

	walletKit.feeEstimates[confTarget] = feeEstimate
}
