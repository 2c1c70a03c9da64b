package loop

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/test"
)

var (
	chanID1 = lnwire.NewShortChanIDFromInt(1)
	chanID2 = lnwire.NewShortChanIDFromInt(2)
	chanID3 = lnwire.NewShortChanIDFromInt(3)
	chanID4 = lnwire.NewShortChanIDFromInt(4)

	// The origin node and its two peers. The vertices are derived from the
	// compressed pubkeys, the pubkey objects themselves are recovered from
	// the vertices the same way the hop hint selection does it, so that
	// the expected hints match exactly.
	_, originPubKey = test.CreateKey(10)
	origin, _       = route.NewVertexFromBytes(
		originPubKey.SerializeCompressed(),
	)

	_, peer1CreateKey = test.CreateKey(11)
	peer1, _          = route.NewVertexFromBytes(
		peer1CreateKey.SerializeCompressed(),
	)
	pubKeyPeer1, _ = btcec.ParsePubKey(peer1[:])

	_, peer2CreateKey = test.CreateKey(12)
	peer2, _          = route.NewVertexFromBytes(
		peer2CreateKey.SerializeCompressed(),
	)
	pubKeyPeer2, _ = btcec.ParsePubKey(peer2[:])

	// Construct channel1 which will be returned by listChannels and
	// channelEdge1 which will be returned by getChanInfo. Channel1 has no
	// remote balance.
	chan1Capacity = btcutil.Amount(10000)
	channel1      = lndclient.ChannelInfo{
		Active:        true,
		Private:       true,
		ChannelID:     chanID1.ToUint64(),
		PubKeyBytes:   peer1,
		LocalBalance:  10000,
		RemoteBalance: 0,
		Capacity:      chan1Capacity,
	}
	channelEdge1 = lndclient.ChannelEdge{
		ChannelID: chanID1.ToUint64(),
		ChannelPoint: "b121f1d368b8f60648970bc36b37e7b9700d" +
			"ed098c60b027e42e9c648e297502:0",
		Capacity: chan1Capacity,
		Node1:    origin,
		Node2:    peer1,
		Node1Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
		Node2Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
	}

	// Channel2 is the only channel with enough remote balance to carry
	// the payment on its own.
	chan2Capacity = btcutil.Amount(10000)
	channel2      = lndclient.ChannelInfo{
		Active:        true,
		Private:       true,
		ChannelID:     chanID2.ToUint64(),
		PubKeyBytes:   peer2,
		LocalBalance:  0,
		RemoteBalance: 10000,
		Capacity:      chan2Capacity,
	}
	channelEdge2 = lndclient.ChannelEdge{
		ChannelID: chanID2.ToUint64(),
		ChannelPoint: "b121f1d368b8f60648970bc36b37e7b9700d" +
			"ed098c60b027e42e9c648e297502:0",
		Capacity: chan2Capacity,
		Node1:    origin,
		Node2:    peer2,
		Node1Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
		Node2Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
	}

	chan3Capacity = btcutil.Amount(10000)
	channel3      = lndclient.ChannelInfo{
		Active:        true,
		Private:       true,
		ChannelID:     chanID3.ToUint64(),
		PubKeyBytes:   peer2,
		LocalBalance:  10000,
		RemoteBalance: 0,
		Capacity:      chan3Capacity,
	}
	channelEdge3 = lndclient.ChannelEdge{
		ChannelID: chanID3.ToUint64(),
		ChannelPoint: "b121f1d368b8f60648970bc36b37e7b9700d" +
			"ed098c60b027e42e9c648e297502:0",
		Capacity: chan3Capacity,
		Node1:    origin,
		Node2:    peer2,
		Node1Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
		Node2Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
	}

	chan4Capacity = btcutil.Amount(10000)
	channel4      = lndclient.ChannelInfo{
		Active:        true,
		Private:       true,
		ChannelID:     chanID4.ToUint64(),
		PubKeyBytes:   peer2,
		LocalBalance:  10000,
		RemoteBalance: 0,
		Capacity:      chan4Capacity,
	}
	channelEdge4 = lndclient.ChannelEdge{
		ChannelID: chanID4.ToUint64(),
		ChannelPoint: "6fe4408bba52c0a0ee15365e107105de" +
			"fabfc70c497556af69351c4cfbc167b:0",
		Capacity: chan4Capacity,
		Node1:    origin,
		Node2:    peer2,
		Node1Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
		Node2Policy: &lndclient.RoutingPolicy{
			FeeBaseMsat:      0,
			FeeRateMilliMsat: 0,
			TimeLockDelta:    144,
		},
	}
)

func TestSelectHopHints(t *testing.T) {
	tests := []struct {
		name             string
		channels         []lndclient.ChannelInfo
		channelEdges     map[uint64]*lndclient.ChannelEdge
		expectedHopHints [][]zpay32.HopHint
		amt              btcutil.Amount
		numMaxHophints   int
		includeNodes     map[route.Vertex]struct{}
		expectedError    error
	}{
		// The node has 3 channels to choose from. Only channel 2 with
		// peer 2 can carry the payment on its own, but the other two
		// are still included afterwards in the order they were
		// provided to spread the liquidity.
		{
			name: "3 inputs set",
			channels: []lndclient.ChannelInfo{
				channel2,
				channel3,
				channel4,
			},
			channelEdges: map[uint64]*lndclient.ChannelEdge{
				channel2.ChannelID: &channelEdge2,
				channel3.ChannelID: &channelEdge3,
				channel4.ChannelID: &channelEdge4,
			},
			expectedHopHints: [][]zpay32.HopHint{
				{{
					NodeID:                    pubKeyPeer2,
					ChannelID:                 channel2.ChannelID,
					FeeBaseMSat:               0,
					FeeProportionalMillionths: 0,
					CLTVExpiryDelta:           144,
				}},
				{{
					NodeID:                    pubKeyPeer2,
					ChannelID:                 channel3.ChannelID,
					FeeBaseMSat:               0,
					FeeProportionalMillionths: 0,
					CLTVExpiryDelta:           144,
				}},
				{{
					NodeID:                    pubKeyPeer2,
					ChannelID:                 channel4.ChannelID,
					FeeBaseMSat:               0,
					FeeProportionalMillionths: 0,
					CLTVExpiryDelta:           144,
				}},
			},
			amt:            chan2Capacity,
			numMaxHophints: 20,
			includeNodes:   make(map[route.Vertex]struct{}),
			expectedError:  nil,
		},

		// A single channel without remote balance is still selected
		// in the second pass.
		{
			name: "invalid set",
			channels: []lndclient.ChannelInfo{
				channel1,
			},
			channelEdges: map[uint64]*lndclient.ChannelEdge{
				channel1.ChannelID: &channelEdge1,
			},
			expectedHopHints: [][]zpay32.HopHint{
				{{
					NodeID:                    pubKeyPeer1,
					ChannelID:                 channel1.ChannelID,
					FeeBaseMSat:               0,
					FeeProportionalMillionths: 0,
					CLTVExpiryDelta:           144,
				}},
			},
			amt:            chan1Capacity,
			numMaxHophints: 20,
			includeNodes:   make(map[route.Vertex]struct{}),
			expectedError:  nil,
		},

		// Only channels with peers in the include set may be used.
		{
			name: "include nodes",
			channels: []lndclient.ChannelInfo{
				channel1,
				channel2,
			},
			channelEdges: map[uint64]*lndclient.ChannelEdge{
				channel1.ChannelID: &channelEdge1,
				channel2.ChannelID: &channelEdge2,
			},
			expectedHopHints: [][]zpay32.HopHint{
				{{
					NodeID:                    pubKeyPeer2,
					ChannelID:                 channel2.ChannelID,
					FeeBaseMSat:               0,
					FeeProportionalMillionths: 0,
					CLTVExpiryDelta:           144,
				}},
			},
			amt:            chan2Capacity,
			numMaxHophints: 20,
			includeNodes: map[route.Vertex]struct{}{
				peer2: {},
			},
			expectedError: nil,
		},
	}
	for _, tc := range tests {
		tc := tc
		ctx := context.Background()

		lnd := test.NewMockLnd()
		lnd.Channels = tc.channels
		lnd.ChannelEdges = tc.channelEdges

		t.Run(tc.name, func(t *testing.T) {
			hopHints, err := SelectHopHints(
				ctx, &lnd.LndServices, tc.amt,
				tc.numMaxHophints, tc.includeNodes,
			)
			require.Equal(t, tc.expectedError, err)
			require.Equal(t, tc.expectedHopHints, hopHints)
		})
	}
}
