package loop

import (
	"time"

	"github.com/lightninglabs/lndclient"
	"github.com/wbobeirne/loop/loopdb"
)

// clientConfig contains config items for the swap client.
type clientConfig struct {
	LndServices       *lndclient.LndServices
	Server            swapServerClient
	Store             loopdb.SwapStore
	CreateExpiryTimer func(expiry time.Duration) <-chan time.Time
}
