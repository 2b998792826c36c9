// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/chain/bitcoind"
	"github.com/btcsuite/joinpool/chain/electrum"
	"github.com/btcsuite/joinpool/coordinator"
	"github.com/btcsuite/joinpool/internal/cfgutil"
	"github.com/btcsuite/joinpool/netparams"
	"github.com/btcsuite/joinpool/relay/nostr"
	flags "github.com/jessevdk/go-flags"
)

const (
	appVersion = "0.1.0"

	defaultConfigFilename = "joinpool.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "joinpool.log"
	defaultChainBackend   = "electrum"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("joinpool", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	TestNet3    bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SigNet      bool   `long:"signet" description:"Use the signet test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`

	// Wallet options
	Mnemonic      string `long:"mnemonic" env:"JOINPOOL_MNEMONIC" default-mask:"-" description:"Wallet mnemonic -- Prompted for when unset"`
	AskPassphrase bool   `long:"passphrase" description:"Prompt for the BIP 39 passphrase of the mnemonic"`

	// Chain source options
	ChainBackend    string `long:"chain" description:"Chain source backend {electrum, bitcoind}"`
	ChainConnect    string `short:"c" long:"chainconnect" description:"Hostname[:port] of the chain source"`
	ChainTLS        bool   `long:"chaintls" description:"Connect to the Electrum server over TLS"`
	ChainSkipVerify bool   `long:"chainskipverify" description:"Do not verify the TLS certificate of the Electrum server"`
	RPCUser         string `long:"rpcuser" description:"Username for bitcoind authentication"`
	RPCPass         string `long:"rpcpass" default-mask:"-" description:"Password for bitcoind authentication"`
	RPCCookie       string `long:"rpccookie" description:"Cookie file for bitcoind authentication"`
	Proxy           string `long:"proxy" description:"Connect to bitcoind via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser       string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass       string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Relay options
	Relay string `short:"r" long:"relay" description:"Nostr relay url pools are negotiated over (eg. wss://relay.example.com)"`

	params    *netparams.Params
	chainHost string
	chainPort uint16
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// newParser returns a parser for cfg with every command of cmds registered.
func newParser(cfg *config, cmds []*command,
	options flags.Options) (*flags.Parser, error) {

	parser := flags.NewParser(cfg, options)
	for _, c := range cmds {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.opts)
		if err != nil {
			return nil, err
		}
	}
	return parser, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options, and returns the command to run.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in joinpool functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig(args []string) (*config, *command, error) {
	// Default config.
	cfg := config{
		ConfigFile:   defaultConfigFile,
		AppDataDir:   defaultAppDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		ChainBackend: defaultChainBackend,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser, err := newParser(&preCfg, newCommands(), flags.Default)
	if err != nil {
		return nil, nil, err
	}
	preParser.SubcommandsOptional = true
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Paths with defaults relative to the application data directory
	// follow it when it is changed.
	if preCfg.AppDataDir != defaultAppDataDir {
		appDataDir := cleanAndExpandPath(preCfg.AppDataDir)
		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(appDataDir,
				defaultConfigFilename)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(appDataDir, defaultLogDirname)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", appVersion)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Load additional config from file.  Options in the file are the
	// global ones only.
	var configFileError error
	cmds := newCommands()
	parser, err := newParser(&cfg, cmds, flags.Default)
	if err != nil {
		return nil, nil, err
	}
	fileParser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(fileParser).ParseFile(
		cleanAndExpandPath(preCfg.ConfigFile),
	)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	var active *command
	for _, c := range cmds {
		if parser.Active != nil && parser.Active.Name == c.name {
			active = c
		}
	}
	if active == nil {
		return nil, nil, errors.New("no command specified")
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		cfg.params.Name)
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Debugf("%v", configFileError)
	}

	return &cfg, active, nil
}

// validate checks the global options and derives the network and chain
// source endpoint from them.
func (cfg *config) validate() error {
	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	cfg.params = &netparams.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		cfg.params = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SigNet {
		cfg.params = &netparams.SigNetParams
		numNets++
	}
	if cfg.RegTest {
		cfg.params = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return errors.New("the testnet, signet and regtest params " +
			"can't be used together -- choose one")
	}

	var defaultPort string
	switch cfg.ChainBackend {
	case "electrum":
		if cfg.Proxy != "" {
			return fmt.Errorf("--proxy is only supported by the " +
				"bitcoind chain backend")
		}
		defaultPort = cfg.params.ElectrumPort
		if cfg.ChainTLS {
			defaultPort = cfg.params.ElectrumTLSPort
		}
	case "bitcoind":
		defaultPort = cfg.params.RPCPort
	default:
		return fmt.Errorf("unknown chain backend %q -- supported "+
			"backends %v", cfg.ChainBackend, chain.BackEnds())
	}

	if cfg.ChainConnect == "" {
		cfg.ChainConnect = "localhost"
	}
	hostPort, err := cfgutil.NormalizeAddress(cfg.ChainConnect, defaultPort)
	if err != nil {
		return fmt.Errorf("invalid chain source address `%v`: %w",
			cfg.ChainConnect, err)
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return err
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid chain source port `%v`: %w", port,
			err)
	}
	cfg.chainHost = host
	cfg.chainPort = uint16(portNum)

	if cfg.Relay != "" {
		relayURL, err := cfgutil.NormalizeRelayURL(cfg.Relay)
		if err != nil {
			return err
		}
		cfg.Relay = relayURL
	}

	return nil
}

// newManager returns a coordinator reaching the chain source and relays
// configured by cfg.
func newManager(cfg *config) *coordinator.Manager {
	var sources coordinator.SourceFactory
	switch cfg.ChainBackend {
	case "bitcoind":
		bitcoindCfg := bitcoind.Config{
			User:       cfg.RPCUser,
			Pass:       cfg.RPCPass,
			DisableTLS: true,
			Proxy:      cfg.Proxy,
			ProxyUser:  cfg.ProxyUser,
			ProxyPass:  cfg.ProxyPass,
		}
		if cfg.RPCCookie != "" {
			bitcoindCfg.CookiePath = cleanAndExpandPath(cfg.RPCCookie)
		}
		sources = coordinator.BitcoindSources(bitcoindCfg)
	default:
		electrumCfg := electrum.Config{TLS: cfg.ChainTLS}
		if cfg.ChainTLS && cfg.ChainSkipVerify {
			electrumCfg.TLSConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
		sources = coordinator.ElectrumSources(electrumCfg)
	}

	return coordinator.New(&coordinator.Config{
		Dial:  nostr.Dialer(&nostr.Config{}),
		Chain: sources,
	})
}
