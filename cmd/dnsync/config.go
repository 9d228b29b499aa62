package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/blockdn/blockdn"
	"github.com/lightningnetwork/blockdn/build"
	"github.com/lightningnetwork/blockdn/chainsync"
	"github.com/lightningnetwork/blockdn/monitoring"
	"github.com/lightningnetwork/blockdn/silentpayments"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	defaultConfigFilename = "dnsync.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dnsync.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"
)

var (
	defaultAppDir     = btcutil.AppDataDir("dnsync", false)
	defaultConfigFile = filepath.Join(defaultAppDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDir, defaultLogDirname)
)

// config defines the configuration options for dnsync.
//
//nolint:ll
type config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains dnsync's data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	LogConfig *build.FileLoggerConfig `group:"logging" namespace:"logging"`

	Network string `long:"network" description:"The network to sync" choice:"mainnet" choice:"testnet3" choice:"signet" choice:"regtest"`

	BlockDN *blockdn.Config `group:"blockdn" namespace:"blockdn"`

	StartHeight       uint32 `long:"startheight" description:"Height to start syncing from when no headers are known"`
	StartFilterHeader string `long:"startfilterheader" description:"Hex filter header of the block below startheight, used to verify the filter header chain"`

	NoFilters bool `long:"nofilters" description:"Do not sync compact block filters"`
	NoTweaks  bool `long:"notweaks" description:"Do not sync silent payment tweak data"`

	PipelineDepth int           `long:"pipelinedepth" description:"Number of batches requested ahead on every stream"`
	MaxAttempts   int           `long:"maxattempts" description:"Number of times a batch is requested before its stream halts"`
	PollInterval  time.Duration `long:"pollinterval" description:"Interval at which the server is polled for new blocks"`

	ScanKey  string   `long:"scankey" description:"Hex silent payment scan private key; enables scanning tweak data"`
	SpendKey string   `long:"spendkey" description:"Hex compressed silent payment spend public key"`
	Labels   []uint32 `long:"label" description:"Silent payment label to scan for; may be specified multiple times"`

	Prometheus *monitoring.Config `group:"prometheus" namespace:"prometheus"`

	HealthCheck *healthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	Once bool `long:"once" description:"Sync to the server tip once and exit"`

	// The following are derived from the options above.
	chainParams       *chaincfg.Params
	startFilterHeader fn.Option[chainhash.Hash]
	keys              *silentpayments.Keys
	configFileError   error
}

// healthCheckConfig holds the options of the server health check.
//
//nolint:ll
type healthCheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to check that the block-dn server is reachable"`
	Timeout  time.Duration `long:"timeout" description:"The amount of time allowed for the check to complete"`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back off between failed checks"`
	Attempts int           `long:"attempts" description:"The number of failed checks before dnsync shuts down, 0 disables the check"`
}

// defaultConfig returns a config with default values populated.
func defaultConfig() config {
	return config{
		AppDir:        defaultAppDir,
		ConfigFile:    defaultConfigFile,
		LogDir:        defaultLogDir,
		DebugLevel:    defaultLogLevel,
		LogConfig:     build.DefaultFileLoggerConfig(),
		Network:       defaultNetwork,
		BlockDN:       blockdn.DefaultConfig(),
		PipelineDepth: chainsync.DefaultPipelineDepth,
		MaxAttempts:   chainsync.DefaultMaxAttempts,
		PollInterval:  chainsync.DefaultPollInterval,
		Prometheus: &monitoring.Config{
			RuntimeMetrics: true,
		},
		HealthCheck: &healthCheckConfig{
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			Backoff:  30 * time.Second,
			Attempts: 3,
		},
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(args []string) (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println("dnsync version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// A config file inside a non-default app dir is used unless a config
	// file was given explicitly.
	appDir := cleanAndExpandPath(preCfg.AppDir)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	if appDir != defaultAppDir && configFilePath == defaultConfigFile {
		configFilePath = filepath.Join(appDir, defaultConfigFilename)
	}

	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A missing config file is fine, a broken one is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Command line options take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	// Warn about a missing config file only once logging is set up.
	cfg.configFileError = configFileError

	return &cfg, nil
}

// validateConfig checks the config and fills in the derived fields.
func validateConfig(cfg *config) error {
	appDir := cleanAndExpandPath(cfg.AppDir)
	if appDir != defaultAppDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	switch cfg.Network {
	case "mainnet":
		cfg.chainParams = &chaincfg.MainNetParams
	case "testnet3":
		cfg.chainParams = &chaincfg.TestNet3Params
	case "signet":
		cfg.chainParams = &chaincfg.SigNetParams
	case "regtest":
		cfg.chainParams = &chaincfg.RegressionNetParams
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}

	if cfg.HealthCheck.Attempts < 0 {
		return errors.New("healthcheck.attempts must not be negative")
	}

	if cfg.BlockDN.URL == "" {
		return errors.New("blockdn.url must be set")
	}

	if cfg.StartFilterHeader != "" {
		hash, err := chainhash.NewHashFromStr(cfg.StartFilterHeader)
		if err != nil {
			return fmt.Errorf("invalid startfilterheader: %w", err)
		}
		cfg.startFilterHeader = fn.Some(*hash)
	}

	keys, err := parseKeys(cfg.ScanKey, cfg.SpendKey, cfg.Labels)
	if err != nil {
		return err
	}
	cfg.keys = keys

	if cfg.keys != nil && cfg.NoTweaks {
		return errors.New("scankey requires tweak data, remove notweaks")
	}

	return nil
}

// parseKeys parses the silent payment keys. No keys means no scanning.
func parseKeys(scanHex, spendHex string,
	labels []uint32) (*silentpayments.Keys, error) {

	switch {
	case scanHex == "" && spendHex == "":
		if len(labels) > 0 {
			return nil, errors.New("label requires scankey and " +
				"spendkey")
		}

		return nil, nil

	case scanHex == "" || spendHex == "":
		return nil, errors.New("scankey and spendkey must be set " +
			"together")
	}

	scanBytes, err := hex.DecodeString(scanHex)
	if err != nil || len(scanBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("scankey must be %d hex encoded bytes",
			btcec.PrivKeyBytesLen)
	}
	scanKey, _ := btcec.PrivKeyFromBytes(scanBytes)

	spendBytes, err := hex.DecodeString(spendHex)
	if err != nil {
		return nil, fmt.Errorf("invalid spendkey: %w", err)
	}
	spendKey, err := btcec.ParsePubKey(spendBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid spendkey: %w", err)
	}

	return &silentpayments.Keys{
		ScanKey:  scanKey,
		SpendKey: spendKey,
		Labels:   labels,
	}, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
