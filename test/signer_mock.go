package test

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/lndclient"
)

type mockSigner struct {
	lndclient.SignerClient
}

var _ lndclient.SignerClient = (*mockSigner)(nil)

func (s *mockSigner) SignOutputRaw(_ context.Context, _ *wire.MsgTx,
	_ []*lndclient.SignDescriptor, _ []*wire.TxOut) ([][]byte, error) {

	rawSigs := [][]byte{{1, 2, 3}}

	return rawSigs, nil
}
