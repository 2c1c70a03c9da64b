package loopd

import (
	"context"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop"
	"github.com/wbobeirne/loop/loopdb"
)

// TestValidateConfTarget tests all failure and success cases for our conf
// target validation function, including the case where we replace a zero
// target with the default provided.
func TestValidateConfTarget(t *testing.T) {
	const (
		// Various input confirmation values for tests.
		zeroConf int32 = 0
		oneConf  int32 = 1
		twoConf  int32 = 2
		fiveConf int32 = 5

		// defaultConf is the default confirmation target we use for
		// all tests.
		defaultConf = 6
	)

	tests := []struct {
		name           string
		confTarget     int32
		expectedTarget int32
		expectErr      bool
	}{
		{
			name:           "zero conf, get default",
			confTarget:     zeroConf,
			expectedTarget: defaultConf,
			expectErr:      false,
		},
		{
			name:       "one conf, get error",
			confTarget: oneConf,
			expectErr:  true,
		},
		{
			name:           "two conf, ok",
			confTarget:     twoConf,
			expectedTarget: twoConf,
			expectErr:      false,
		},
		{
			name:           "five conf, ok",
			confTarget:     fiveConf,
			expectedTarget: fiveConf,
			expectErr:      false,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			target, err := validateConfTarget(
				test.confTarget, defaultConf,
			)
			if test.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expectedTarget, target)
		})
	}
}

// TestValidateLoopInRequest tests validation of loop in requests.
func TestValidateLoopInRequest(t *testing.T) {
	tests := []struct {
		name           string
		external       bool
		confTarget     int32
		expectErr      bool
		expectedTarget int32
	}{
		{
			name:           "external and htlc conf set",
			external:       true,
			confTarget:     1,
			expectErr:      true,
			expectedTarget: 0,
		},
		{
			name:           "external and no conf",
			external:       true,
			confTarget:     0,
			expectErr:      false,
			expectedTarget: 0,
		},
		{
			name:           "not external, zero conf",
			external:       false,
			confTarget:     0,
			expectErr:      false,
			expectedTarget: loop.DefaultHtlcConfTarget,
		},
		{
			name:           "not external, bad conf",
			external:       false,
			confTarget:     1,
			expectErr:      true,
			expectedTarget: 0,
		},
		{
			name:           "not external, ok conf",
			external:       false,
			confTarget:     5,
			expectErr:      false,
			expectedTarget: 5,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			conf, err := validateLoopInRequest(
				test.confTarget, test.external,
			)
			if test.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expectedTarget, conf)
		})
	}
}

// TestStatusUpdateFanOut asserts that a subscriber that does not keep up with
// the update stream has its oldest queued updates dropped instead of blocking
// the status router, and always ends up with the most recent updates.
func TestStatusUpdateFanOut(t *testing.T) {
	server := &swapClientServer{
		swaps:       make(map[lntypes.Hash]loop.SwapInfo),
		subscribers: make(map[int]chan loop.SwapInfo),
		statusChan:  make(chan loop.SwapInfo),
	}

	// Register a single subscriber that won't read any updates until all
	// of them have been published.
	queue := make(chan loop.SwapInfo, subscriberQueueSize)
	server.subscribers[0] = queue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		server.processStatusUpdates(ctx)
	}()

	var hash lntypes.Hash
	hash[0] = 1

	// Publish more updates than the subscriber queue can hold. Every
	// update gets a distinct initiation height so that we can identify it
	// on the receiving end.
	total := subscriberQueueSize + 5
	for i := 0; i < total; i++ {
		server.statusChan <- loop.SwapInfo{
			SwapHash: hash,
			SwapContract: loopdb.SwapContract{
				InitiationHeight: int32(i),
			},
		}
	}

	cancel()
	<-done

	// The queue should be filled to capacity with the newest updates, the
	// oldest ones have been dropped.
	require.Len(t, queue, subscriberQueueSize)

	first := <-queue
	require.EqualValues(
		t, total-subscriberQueueSize, first.InitiationHeight,
	)

	var last loop.SwapInfo
	for len(queue) > 0 {
		last = <-queue
	}
	require.EqualValues(t, total-1, last.InitiationHeight)

	// The server's swap registry tracks the latest state of the swap.
	require.EqualValues(
		t, total-1, server.swaps[hash].InitiationHeight,
	)
}
