package test

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
)

type mockLightningClient struct {
	lndclient.LightningClient

	lnd *LndMockServices
	wg  sync.WaitGroup
}

var _ lndclient.LightningClient = (*mockLightningClient)(nil)

func (h *mockLightningClient) WaitForFinished() {
	h.wg.Wait()
}

func (h *mockLightningClient) AddInvoice(_ context.Context,
	in *invoicesrpc.AddInvoiceData) (lntypes.Hash, string, error) {

	h.lnd.lock.Lock()
	defer h.lnd.lock.Unlock()

	var hash lntypes.Hash
	switch {
	case in.Hash != nil:
		hash = *in.Hash
	case in.Preimage != nil:
		hash = (*in.Preimage).Hash()
	default:
		if _, err := rand.Read(hash[:]); err != nil {
			return lntypes.Hash{}, "", err
		}
	}

	// Create and encode the payment request as a bech32 (zpay32) string.
	creationDate := time.Now()

	payReq, err := zpay32.NewInvoice(
		h.lnd.ChainParams, hash, creationDate,
		zpay32.Description(in.Memo),
		zpay32.CLTVExpiry(in.CltvExpiry),
		zpay32.Amount(in.Value),
	)
	if err != nil {
		return lntypes.Hash{}, "", err
	}

	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return lntypes.Hash{}, "", err
	}

	payReqString, err := payReq.Encode(
		zpay32.MessageSigner{
			SignCompact: func(msg []byte) ([]byte, error) {
				return ecdsa.SignCompact(
					privKey, msg, true,
				), nil
			},
		},
	)
	if err != nil {
		return lntypes.Hash{}, "", err
	}

	return hash, payReqString, nil
}

// EstimateFee returns a mocked fee estimate for sending the given amount to
// the passed address.
func (h *mockLightningClient) EstimateFee(_ context.Context,
	_ btcutil.Address, _ btcutil.Amount, _ int32) (btcutil.Amount, error) {

	return 3000, nil
}

// ListChannels retrieves all channels of the backing lnd node.
func (h *mockLightningClient) ListChannels(_ context.Context, _, _ bool,
	_ ...lndclient.ListChannelsOption) ([]lndclient.ChannelInfo, error) {

	return h.lnd.Channels, nil
}

// GetChanInfo returns the channel edge for the passed channel id.
func (h *mockLightningClient) GetChanInfo(_ context.Context,
	channelID uint64) (*lndclient.ChannelEdge, error) {

	edge, ok := h.lnd.ChannelEdges[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %v", channelID)
	}

	return edge, nil
}

// GetNodeInfo returns the channels of the node if includeChannels is true.
func (h *mockLightningClient) GetNodeInfo(_ context.Context,
	pubKey route.Vertex, includeChannels bool) (*lndclient.NodeInfo,
	error) {

	nodeInfo := &lndclient.NodeInfo{
		Node: &lndclient.Node{
			PubKey: pubKey,
		},
	}

	if !includeChannels {
		return nodeInfo, nil
	}

	for _, edge := range h.lnd.ChannelEdges {
		if edge.Node1 != pubKey && edge.Node2 != pubKey {
			continue
		}

		nodeInfo.Channels = append(nodeInfo.Channels, *edge)
		nodeInfo.TotalCapacity += edge.Capacity
	}

	return nodeInfo, nil
}
