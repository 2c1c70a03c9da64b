package loopd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/lnrpc/verrpc"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/wbobeirne/loop"
)

// LoopMinRequiredLndVersion is the minimum required version of lnd that is
// compatible with the current version of the loop client. Also all listed
// build tags/subservers need to be enabled.
var LoopMinRequiredLndVersion = &verrpc.Version{
	AppMajor: 0,
	AppMinor: 19,
	AppPatch: 0,
	BuildTags: []string{
		"signrpc", "walletrpc", "chainrpc", "invoicesrpc", "routerrpc",
	},
}

// RPCConfig holds optional options that can be used to make the loop daemon
// communicate on custom connections.
type RPCConfig struct {
	// RPCListener is an optional listener that if set will override the
	// daemon's gRPC settings, and make the gRPC server listen on this
	// listener.
	RPCListener net.Listener

	// LndConn is an optional connection to an lnd instance. If set it will
	// override the TCP connection created from daemon's config.
	LndConn net.Conn
}

// newListenerCfg creates and returns a new listenerCfg from the passed config
// and RPCConfig.
func newListenerCfg(config *Config, rpcCfg RPCConfig) *listenerCfg {
	return &listenerCfg{
		grpcListener: func() (net.Listener, error) {
			// If a custom RPC listener is set, we will listen on
			// it instead of the regular tcp socket.
			if rpcCfg.RPCListener != nil {
				return rpcCfg.RPCListener, nil
			}

			return net.Listen("tcp", config.RPCListen)
		},
		getLnd: func(network lndclient.Network, cfg *lndConfig) (
			*lndclient.GrpcLndServices, error) {

			syncCtx, cancel := context.WithCancel(
				context.Background(),
			)
			defer cancel()

			svcCfg := &lndclient.LndServicesConfig{
				LndAddress:            cfg.Host,
				Network:               network,
				CustomMacaroonPath:    cfg.MacaroonPath,
				TLSPath:               cfg.TLSPath,
				CheckVersion:          LoopMinRequiredLndVersion,
				BlockUntilChainSynced: true,
				CallerCtx:             syncCtx,
			}

			// If a custom lnd connection is specified we use that
			// directly.
			if rpcCfg.LndConn != nil {
				svcCfg.Dialer = func(context.Context, string) (
					net.Conn, error) {

					return rpcCfg.LndConn, nil
				}
			}

			// Before we try to get our client connection, setup
			// a goroutine which will cancel our lndclient if loopd
			// is terminated, or exit if our context is cancelled.
			go func() {
				select {
				// If the user decides to kill loop before lnd
				// is synced, we cancel our context, which will
				// unblock lndclient.
				case <-interceptor.ShutdownChannel():
					cancel()

				// If our sync context was cancelled, we know
				// that the function exited, which means that
				// our client synced.
				case <-syncCtx.Done():
				}
			}()

			// This will block until lnd is synced to chain.
			return lndclient.NewLndServices(svcCfg)
		},
	}
}

// Run starts the loop daemon and blocks until it's shut down again.
func Run(rpcCfg RPCConfig) error {
	config := DefaultConfig()

	// Parse command line flags.
	parser := flags.NewParser(&config, flags.Default)
	parser.SubcommandsOptional = true

	_, err := parser.Parse()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	// Parse ini file.
	loopDir := lncfg.CleanAndExpandPath(config.LoopDir)
	configFile := getConfigPath(config, loopDir)

	if err := flags.IniParse(configFile, &config); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return err
		}
	}

	// Parse command line flags again to restore flags overwritten by ini
	// parse.
	_, err = parser.Parse()
	if err != nil {
		return err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if config.ShowVersion {
		fmt.Println(appName, "version", loop.Version())
		os.Exit(0)
	}

	// Validate our config before we proceed.
	if err := Validate(&config); err != nil {
		return err
	}

	// Start listening for signal interrupts regardless of which command
	// we are running. When our command tries to get a lnd connection, it
	// blocks until lnd is synced. We listen for interrupts so that we can
	// shutdown the daemon while waiting for sync to complete.
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	// Initialize logging at the default logging level.
	logWriter := build.NewRotatingLogWriter()
	logCfg := build.DefaultLogConfig()
	logCfg.File.MaxLogFiles = config.MaxLogFiles
	logCfg.File.MaxLogFileSize = config.MaxLogFileSize

	err = logWriter.InitLogRotator(
		logCfg.File,
		filepath.Join(config.LogDir, defaultLogFilename),
	)
	if err != nil {
		return err
	}

	handlers := build.NewDefaultLogHandlers(logCfg, logWriter)
	logMgr := build.NewSubLoggerManager(handlers...)
	SetupLoggers(logMgr, shutdownInterceptor)

	// Special show command to list supported subsystems and exit.
	if config.DebugLevel == "show" {
		fmt.Printf("Supported subsystems: %v\n",
			logMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err = build.ParseAndSetDebugLevels(config.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	// Print the version before executing either primary directive.
	log.Infof("Version: %v", loop.Version())

	lisCfg := newListenerCfg(&config, rpcCfg)

	// Execute command.
	if parser.Active == nil {
		daemon := New(&config, lisCfg)
		if err := daemon.Start(); err != nil {
			return err
		}

		select {
		case <-shutdownInterceptor.ShutdownChannel():
			log.Infof("Received SIGINT (Ctrl+C).")
			daemon.Stop()

			// The above stop will return immediately. But we'll be
			// notified on the error channel once the process is
			// complete.
			return <-daemon.ErrChan

		case err := <-daemon.ErrChan:
			return err
		}
	}

	if parser.Active.Name == "view" {
		return view(&config, lisCfg)
	}

	return fmt.Errorf("unimplemented command %v", parser.Active.Name)
}
