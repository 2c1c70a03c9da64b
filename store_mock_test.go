package loop

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"github.com/wbobeirne/loop/loopdb"
	"github.com/wbobeirne/loop/test"
)

// storeMock implements the loopdb.SwapStore interface on in-memory maps and
// reports stores and updates on channels so that tests can assert on the
// exact persistence behavior of a swap.
type storeMock struct {
	loopOutSwaps      map[lntypes.Hash]*loopdb.LoopOutContract
	loopOutUpdates    map[lntypes.Hash][]loopdb.SwapStateData
	loopOutStoreChan  chan loopdb.LoopOutContract
	loopOutUpdateChan chan loopdb.SwapStateData

	loopInSwaps      map[lntypes.Hash]*loopdb.LoopInContract
	loopInUpdates    map[lntypes.Hash][]loopdb.SwapStateData
	loopInStoreChan  chan loopdb.LoopInContract
	loopInUpdateChan chan loopdb.SwapStateData

	t *testing.T
}

var _ = loopdb.SwapStore(&storeMock{})

// newStoreMock instantiates a new mock store.
func newStoreMock(t *testing.T) *storeMock {
	return &storeMock{
		loopOutStoreChan:  make(chan loopdb.LoopOutContract, 1),
		loopOutUpdateChan: make(chan loopdb.SwapStateData, 1),
		loopOutSwaps:      make(map[lntypes.Hash]*loopdb.LoopOutContract),
		loopOutUpdates:    make(map[lntypes.Hash][]loopdb.SwapStateData),

		loopInStoreChan:  make(chan loopdb.LoopInContract, 1),
		loopInUpdateChan: make(chan loopdb.SwapStateData, 1),
		loopInSwaps:      make(map[lntypes.Hash]*loopdb.LoopInContract),
		loopInUpdates:    make(map[lntypes.Hash][]loopdb.SwapStateData),

		t: t,
	}
}

// FetchLoopOutSwaps returns all swaps currently in the store.
func (s *storeMock) FetchLoopOutSwaps() ([]*loopdb.LoopOut, error) {
	result := []*loopdb.LoopOut{}

	for hash, contract := range s.loopOutSwaps {
		updates := s.loopOutUpdates[hash]
		events := make([]*loopdb.LoopEvent, len(updates))
		for i, u := range updates {
			events[i] = &loopdb.LoopEvent{
				SwapStateData: u,
			}
		}

		swap := &loopdb.LoopOut{
			Loop: loopdb.Loop{
				Hash:   hash,
				Events: events,
			},
			Contract: contract,
		}
		result = append(result, swap)
	}

	return result, nil
}

// CreateLoopOut adds an initiated swap to the store.
func (s *storeMock) CreateLoopOut(hash lntypes.Hash,
	swap *loopdb.LoopOutContract) error {

	_, ok := s.loopOutSwaps[hash]
	if ok {
		return errors.New("swap already exists")
	}

	s.loopOutSwaps[hash] = swap
	s.loopOutUpdates[hash] = []loopdb.SwapStateData{}
	s.loopOutStoreChan <- *swap

	return nil
}

// UpdateLoopOut stores a new event for a target loop out swap.
func (s *storeMock) UpdateLoopOut(hash lntypes.Hash, time time.Time,
	state loopdb.SwapStateData) error {

	updates, ok := s.loopOutUpdates[hash]
	if !ok {
		return errors.New("swap does not exist")
	}

	updates = append(updates, state)
	s.loopOutUpdates[hash] = updates
	s.loopOutUpdateChan <- state

	return nil
}

// FetchLoopInSwaps returns all in swaps currently in the store.
func (s *storeMock) FetchLoopInSwaps() ([]*loopdb.LoopIn, error) {
	result := []*loopdb.LoopIn{}

	for hash, contract := range s.loopInSwaps {
		updates := s.loopInUpdates[hash]
		events := make([]*loopdb.LoopEvent, len(updates))
		for i, u := range updates {
			events[i] = &loopdb.LoopEvent{
				SwapStateData: u,
			}
		}

		swap := &loopdb.LoopIn{
			Loop: loopdb.Loop{
				Hash:   hash,
				Events: events,
			},
			Contract: contract,
		}
		result = append(result, swap)
	}

	return result, nil
}

// CreateLoopIn adds an initiated loop in swap to the store.
func (s *storeMock) CreateLoopIn(hash lntypes.Hash,
	swap *loopdb.LoopInContract) error {

	_, ok := s.loopInSwaps[hash]
	if ok {
		return errors.New("swap already exists")
	}

	s.loopInSwaps[hash] = swap
	s.loopInUpdates[hash] = []loopdb.SwapStateData{}
	s.loopInStoreChan <- *swap

	return nil
}

// UpdateLoopIn stores a new event for a target loop in swap.
func (s *storeMock) UpdateLoopIn(hash lntypes.Hash, time time.Time,
	state loopdb.SwapStateData) error {

	updates, ok := s.loopInUpdates[hash]
	if !ok {
		return errors.New("swap does not exist")
	}

	updates = append(updates, state)
	s.loopInUpdates[hash] = updates
	s.loopInUpdateChan <- state

	return nil
}

// Close closes the store.
func (s *storeMock) Close() error {
	return nil
}

// isDone asserts that the store mock has no pending operations.
func (s *storeMock) isDone() error {
	select {
	case <-s.loopOutStoreChan:
		return errors.New("storeChan not empty")
	default:
	}

	select {
	case <-s.loopOutUpdateChan:
		return errors.New("updateChan not empty")
	default:
	}

	select {
	case <-s.loopInStoreChan:
		return errors.New("loopInStoreChan not empty")
	default:
	}

	select {
	case <-s.loopInUpdateChan:
		return errors.New("loopInUpdateChan not empty")
	default:
	}

	return nil
}

// assertLoopOutStored asserts that a swap is stored.
func (s *storeMock) assertLoopOutStored() {
	s.t.Helper()

	select {
	case <-s.loopOutStoreChan:
	case <-time.After(test.Timeout):
		s.t.Fatalf("expected swap to be stored")
	}
}

// assertLoopOutState asserts that a specified state transition is persisted.
func (s *storeMock) assertLoopOutState(expectedState loopdb.SwapState) {
	s.t.Helper()

	select {
	case state := <-s.loopOutUpdateChan:
		require.Equal(s.t, expectedState, state.State)
	case <-time.After(test.Timeout):
		s.t.Fatalf("expected swap state to be stored")
	}
}

// assertLoopInStored asserts that a loop-in swap is stored.
func (s *storeMock) assertLoopInStored() {
	s.t.Helper()

	select {
	case <-s.loopInStoreChan:
	case <-time.After(test.Timeout):
		s.t.Fatalf("expected swap to be stored")
	}
}

// assertLoopInState asserts that a specified loop-in state transition is
// persisted.
func (s *storeMock) assertLoopInState(
	expectedState loopdb.SwapState) loopdb.SwapStateData {

	s.t.Helper()

	state := <-s.loopInUpdateChan
	require.Equal(s.t, expectedState, state.State)

	return state
}

// assertStorePreimageReveal asserts that the current swap state indicates
// that the preimage was revealed.
func (s *storeMock) assertStorePreimageReveal() {
	s.t.Helper()

	select {
	case state := <-s.loopOutUpdateChan:
		require.Equal(s.t, loopdb.StatePreimageRevealed, state.State)

	case <-time.After(test.Timeout):
		s.t.Fatalf("expected swap to be marked as preimage revealed")
	}
}

// assertStoreFinished asserts that the swap is updated to a final state.
func (s *storeMock) assertStoreFinished(expectedResult loopdb.SwapState) {
	s.t.Helper()

	select {
	case state := <-s.loopOutUpdateChan:
		require.Equal(s.t, expectedResult, state.State)

	case <-time.After(test.Timeout):
		s.t.Fatalf("expected swap to be finished")
	}
}
