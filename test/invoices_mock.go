package test

import (
	"context"
	"sync"

	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lntypes"
)

type mockInvoices struct {
	lndclient.InvoicesClient

	lnd *LndMockServices
	wg  sync.WaitGroup
}

var _ lndclient.InvoicesClient = (*mockInvoices)(nil)

func (s *mockInvoices) SettleInvoice(_ context.Context,
	preimage lntypes.Preimage) error {

	logger.Infof("Settle invoice %v with preimage %v", preimage.Hash(),
		preimage)

	s.lnd.SettleInvoiceChannel <- preimage

	return nil
}

func (s *mockInvoices) WaitForFinished() {
	s.wg.Wait()
}

func (s *mockInvoices) CancelInvoice(_ context.Context,
	hash lntypes.Hash) error {

	s.lnd.FailInvoiceChannel <- hash

	return nil
}

func (s *mockInvoices) SubscribeSingleInvoice(ctx context.Context,
	hash lntypes.Hash) (<-chan lndclient.InvoiceUpdate,
	<-chan error, error) {

	updateChan := make(chan lndclient.InvoiceUpdate, 2)
	errChan := make(chan error)

	select {
	case s.lnd.SingleInvoiceSubcribeChannel <- &SingleInvoiceSubscription{
		Update: updateChan,
		Err:    errChan,
		Hash:   hash,
	}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	return updateChan, errChan, nil
}
