package loopd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lncfg"
)

var (
	// LoopDirBase is the default main directory where loop stores its
	// data.
	LoopDirBase = btcutil.AppDataDir("loop", false)

	defaultNetwork     = "mainnet"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "loopd.log"
	defaultLogDir      = filepath.Join(LoopDirBase, defaultLogDirname)
	defaultConfigFile  = filepath.Join(
		LoopDirBase, defaultNetwork, defaultConfigFilename,
	)

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

const (
	defaultConfigFilename = "loopd.conf"

	mainnetServer = "swap.lightning.today:11010"
	testnetServer = "test.swap.lightning.today:11010"
)

type lndConfig struct {
	Host string `long:"host" description:"lnd instance rpc address"`

	MacaroonPath string `long:"macaroonpath" description:"Path to lnd's macaroon file"`

	TLSPath string `long:"tlspath" description:"Path to lnd tls certificate"`
}

type loopServerConfig struct {
	Host  string `long:"host" description:"Loop server address host:port"`
	Proxy string `long:"proxy" description:"The host:port of a SOCKS proxy through which all connections to the loop server will be established over"`

	NoTLS   bool   `long:"notls" description:"Disable tls for communication to the loop server [testing only]"`
	TLSPath string `long:"tlspath" description:"Path to loop server tls certificate [testing only]"`
}

type viewParameters struct{}

// Config holds the loopd configuration, populated from defaults, the config
// file and command line flags.
type Config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet" choice:"signet"`
	RPCListen   string `long:"rpclisten" description:"Address to listen on for gRPC clients"`

	LoopDir        string `long:"loopdir" description:"The directory for all of loop's data."`
	ConfigFile     string `long:"configfile" description:"Path to configuration file."`
	DataDir        string `long:"datadir" description:"Directory for loopdb."`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Lnd *lndConfig `group:"lnd" namespace:"lnd"`

	Server *loopServerConfig `group:"server" namespace:"server"`

	View viewParameters `command:"view" alias:"v" description:"View all swaps in the database. This command can only be executed when loopd is not running."`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		Network:   defaultNetwork,
		RPCListen: "localhost:11010",
		Server: &loopServerConfig{
			NoTLS: false,
		},
		LoopDir:        LoopDirBase,
		ConfigFile:     defaultConfigFile,
		DataDir:        LoopDirBase,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Lnd: &lndConfig{
			Host: "localhost:10009",
		},
	}
}

// Validate cleans up paths in the config provided and validates it.
func Validate(cfg *Config) error {
	// Cleanup any paths before we use them.
	cfg.LoopDir = lncfg.CleanAndExpandPath(cfg.LoopDir)
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	// Since our loop directory overrides our log/data dir values, make
	// sure that they are not set when loop dir is set. We fail here rather
	// than overwriting and potentially confusing the user.
	logDirSet := cfg.LogDir != defaultLogDir
	dataDirSet := cfg.DataDir != LoopDirBase
	loopDirSet := cfg.LoopDir != LoopDirBase

	if loopDirSet {
		if logDirSet {
			return fmt.Errorf("loopdir overwrites logdir, please " +
				"only set one value")
		}

		if dataDirSet {
			return fmt.Errorf("loopdir overwrites datadir, please " +
				"only set one value")
		}

		// Once we are satisfied that neither config value was set, we
		// replace them with our loop dir.
		cfg.DataDir = cfg.LoopDir
		cfg.LogDir = filepath.Join(cfg.LoopDir, defaultLogDirname)
	}

	// Append the network type to the data and log directory so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	// If either of these directories do not exist, create them.
	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogDir, os.ModePerm); err != nil {
		return err
	}

	return nil
}

// getConfigPath gets our config path based on the values that are set in our
// config.
func getConfigPath(cfg Config, loopDir string) string {
	// If the config file path provided by the user is set, then we just
	// use this value.
	if cfg.ConfigFile != defaultConfigFile {
		return lncfg.CleanAndExpandPath(cfg.ConfigFile)
	}

	// If the user has set a loop directory that is different to the
	// default we will use this loop directory as the location of our
	// config file. We do not namespace by network, because this is a
	// custom loop dir.
	if loopDir != LoopDirBase {
		return filepath.Join(loopDir, defaultConfigFilename)
	}

	// Otherwise, we are using our default loop directory, and the user
	// did not set a config file path. We use our default loop dir,
	// namespaced by network.
	return filepath.Join(loopDir, cfg.Network, defaultConfigFilename)
}
