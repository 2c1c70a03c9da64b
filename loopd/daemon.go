package loopd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lightninglabs/lndclient"
	"github.com/lightninglabs/loop/looprpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/wbobeirne/loop"
	"google.golang.org/grpc"
)

// listenerCfg holds closures used to retrieve the listeners and connections
// the daemon serves on.
type listenerCfg struct {
	// grpcListener returns a listener to use for the gRPC server.
	grpcListener func() (net.Listener, error)

	// getLnd returns a grpc connection to an lnd instance.
	getLnd func(lndclient.Network, *lndConfig) (*lndclient.GrpcLndServices,
		error)
}

// Daemon is the struct that holds one instance of the loop client daemon.
type Daemon struct {
	// swapClientServer is the embedded RPC server that satisfies the
	// client RPC interface. We embed this struct so the Daemon itself can
	// be registered to a grpc server.
	swapClientServer

	// ErrChan is a channel that will receive the final error that causes
	// the daemon to exit, or nil on a clean requested shutdown.
	ErrChan chan error

	cfg         *Config
	listenerCfg *listenerCfg

	started int32

	// internalErrChan is the channel where subsystems can report fatal
	// errors while the daemon is running.
	internalErrChan chan error

	quit     chan struct{}
	stopOnce sync.Once

	mainCtxCancel func()

	wg sync.WaitGroup

	grpcServer   *grpc.Server
	grpcListener net.Listener

	lnd           *lndclient.GrpcLndServices
	clientCleanup func()
}

// New creates a new instance of the loop client daemon.
func New(config *Config, lisCfg *listenerCfg) *Daemon {
	return &Daemon{
		// We send exactly one error on this channel if something goes
		// wrong at runtime. Or a nil error if the shutdown was
		// requested and completed cleanly.
		ErrChan: make(chan error, 1),

		cfg:         config,
		listenerCfg: lisCfg,

		// We have 3 goroutines that could potentially all throw errors
		// at the same time, so make sure none of them blocks on
		// reporting.
		internalErrChan: make(chan error, 3),

		quit: make(chan struct{}),
	}
}

// Start starts loopd in daemon mode. It will listen for grpc connections,
// execute commands and pass back swap status information.
func (d *Daemon) Start() error {
	// There should be no reason to start the daemon twice. Therefore,
	// return an error if that's tried.
	if atomic.AddInt32(&d.started, 1) != 1 {
		return errors.New("daemon can only be started once")
	}

	network := lndclient.Network(d.cfg.Network)

	var err error
	d.lnd, err = d.listenerCfg.getLnd(network, d.cfg.Lnd)
	if err != nil {
		return err
	}

	if err := d.initialize(); err != nil {
		d.lnd.Close()
		return err
	}

	return nil
}

// initialize creates the loop client and starts all the subsystems of the
// daemon: the swap client itself, the status update router and the gRPC
// server.
func (d *Daemon) initialize() error {
	// If no swap server is specified, use the default addresses for
	// mainnet and testnet.
	if d.cfg.Server.Host == "" {
		switch d.cfg.Network {
		case "mainnet":
			d.cfg.Server.Host = mainnetServer

		case "testnet":
			d.cfg.Server.Host = testnetServer

		default:
			return errors.New("no swap server address specified")
		}
	}

	log.Infof("Swap server address: %v", d.cfg.Server.Host)

	// Create an instance of the loop client library.
	swapClient, clientCleanup, err := getClient(d.cfg, &d.lnd.LndServices)
	if err != nil {
		return err
	}
	d.clientCleanup = clientCleanup

	// The main context is used by all subsystems and cancelling it stops
	// all of them.
	mainCtx, cancel := context.WithCancel(context.Background())
	d.mainCtxCancel = cancel

	// Retrieve all currently existing swaps from the database, so new
	// subscribers have a full view from the start.
	swapsList, err := swapClient.FetchSwaps()
	if err != nil {
		d.clientCleanup()
		cancel()
		return err
	}

	swaps := make(map[lntypes.Hash]loop.SwapInfo, len(swapsList))
	for _, s := range swapsList {
		swaps[s.SwapHash] = *s
	}

	// Instantiate the loopd gRPC server.
	d.swapClientServer = swapClientServer{
		network:     lndclient.Network(d.cfg.Network),
		impl:        swapClient,
		lnd:         &d.lnd.LndServices,
		swaps:       swaps,
		subscribers: make(map[int]chan loop.SwapInfo),
		statusChan:  make(chan loop.SwapInfo),
		mainCtx:     mainCtx,
	}

	d.grpcServer = grpc.NewServer()
	looprpc.RegisterSwapClientServer(d.grpcServer, d)

	// Next, create our listener, through which the gRPC server accepts
	// HTTP/2 connections.
	log.Infof("Starting gRPC listener")
	d.grpcListener, err = d.listenerCfg.grpcListener()
	if err != nil {
		d.clientCleanup()
		cancel()
		return fmt.Errorf("RPC server unable to listen on %s: %v",
			d.cfg.RPCListen, err)
	}

	// Start the swap client itself.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		log.Infof("Starting swap client")
		err := swapClient.Run(mainCtx, d.statusChan)
		if err != nil {
			log.Errorf("Swap client error: %v", err)
		}
		log.Info("Swap client stopped")

		d.internalErr(err)
	}()

	// Start a goroutine that broadcasts swap updates to subscribers.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		log.Infof("Waiting for updates")
		d.processStatusUpdates(mainCtx)
	}()

	// Start the grpc server.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		log.Infof("RPC server listening on %s", d.grpcListener.Addr())
		err := d.grpcServer.Serve(d.grpcListener)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Errorf("Could not start rpc server: %v", err)
			d.internalErr(err)
		}
	}()

	// Last, start our internal error handler. This will return exactly
	// one error or nil on the ErrChan to inform the caller that the
	// daemon exited. This goroutine is not part of the wait group because
	// it itself waits for the group when shutting down.
	go func() {
		var runtimeErr error

		// There are only two ways this goroutine can exit. Either
		// there is an internal error or the caller requests a
		// shutdown.
		select {
		case runtimeErr = <-d.internalErrChan:
		case <-d.quit:
		}

		// Whatever the trigger was, stop all subsystems now.
		d.stop()

		// Context cancellation is the expected way for subsystems to
		// exit during shutdown, don't treat it as a runtime error.
		if !shouldReportManagerErr(runtimeErr) {
			runtimeErr = nil
		}

		d.ErrChan <- runtimeErr
	}()

	return nil
}

// internalErr sends an error to the internal error channel, without blocking
// in case the daemon is already shutting down for another reason.
func (d *Daemon) internalErr(err error) {
	select {
	case d.internalErrChan <- err:
	default:
	}
}

// shouldReportManagerErr returns whether an error returned by one of the
// daemon's subsystems is an actual runtime error that needs to be reported to
// the caller. Context cancellation errors are the normal result of a
// shutdown and are filtered out.
func shouldReportManagerErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return true
}

// Stop tries to gracefully shut down the daemon. A caller needs to wait for a
// message on ErrChan before the shutdown is completed.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
}

// stop does the actual shutdown and blocks until all goroutines have exited.
func (d *Daemon) stop() {
	// Cancel the main context to stop the swap client and the status
	// update router.
	if d.mainCtxCancel != nil {
		d.mainCtxCancel()
	}

	// Stop the gRPC server. This will also close the listener. Don't
	// continue until all active RPCs have finished, otherwise the
	// cleanup might run too early. Streaming calls are unblocked by the
	// main context being cancelled.
	if d.grpcServer != nil {
		d.grpcServer.GracefulStop()
	}

	d.wg.Wait()

	// Now that all goroutines have exited, the client state can be
	// cleaned up.
	if d.clientCleanup != nil {
		d.clientCleanup()
	}

	// And finally disconnect from lnd.
	if d.lnd != nil {
		d.lnd.Close()
	}

	log.Info("Daemon exited")
}
