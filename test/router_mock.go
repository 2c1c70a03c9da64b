package test

import (
	"context"

	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lntypes"
)

type mockRouter struct {
	lndclient.RouterClient

	lnd *LndMockServices
}

var _ lndclient.RouterClient = (*mockRouter)(nil)

func (r *mockRouter) SendPayment(_ context.Context,
	request lndclient.SendPaymentRequest) (chan lndclient.PaymentStatus,
	chan error, error) {

	statusChan := make(chan lndclient.PaymentStatus)
	errorChan := make(chan error)

	r.lnd.RouterSendPaymentChannel <- RouterPaymentChannelMessage{
		SendPaymentRequest: request,
		TrackPaymentMessage: TrackPaymentMessage{
			Updates: statusChan,
			Errors:  errorChan,
		},
	}

	return statusChan, errorChan, nil
}

func (r *mockRouter) TrackPayment(_ context.Context,
	hash lntypes.Hash) (chan lndclient.PaymentStatus, chan error, error) {

	statusChan := make(chan lndclient.PaymentStatus)
	errorChan := make(chan error)
	r.lnd.TrackPaymentChannel <- TrackPaymentMessage{
		Hash:    hash,
		Updates: statusChan,
		Errors:  errorChan,
	}

	return statusChan, errorChan, nil
}
