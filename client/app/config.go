// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package app holds the configuration and logging plumbing shared by the
// democrit binaries.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"

	"xaya.io/democrit/client/asset"
	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/client/core"
	"xaya.io/democrit/client/muc"
	"xaya.io/democrit/client/trade"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// Version is the semantic version of the democrit binaries.
const Version = "0.1.0"

const (
	configFilename  = "democritd.conf"
	logFilename     = "democritd.log"
	defaultLogLevel = "info"

	defaultOrderTimeoutMs = 600_000
	defaultReconnectMs    = 10_000
	defaultTradeTimeoutMs = 30_000
	defaultConfirmations  = 6
	defaultFeeRate        = 1_000
)

var (
	defaultAppDataDir = btcutil.AppDataDir("democrit", false)
	defaultConfigPath = filepath.Join(defaultAppDataDir, configFilename)
)

// Config is the complete configuration of the democritd process, parsed
// from the command line and the INI config file.
type Config struct {
	Account string `long:"account" description:"Xaya account name (without p/) of the local user"`
	JID     string `long:"jid" description:"Own chat address, e.g. user@chat.example/home"`
	ChatURL string `long:"chat_url" description:"Websocket endpoint of the chat relay"`
	Room    string `long:"room" description:"Chat room for the order exchange"`

	TrustedServers string `long:"trusted_chat_servers" description:"Comma-separated chat servers whose account assertions are trusted"`

	XayaRPCHost string `long:"xaya_rpc_host" description:"Host and port of the Xaya Core JSON-RPC interface"`
	XayaRPCUser string `long:"xaya_rpc_user" description:"Username for the Xaya Core RPC interface"`
	XayaRPCPass string `long:"xaya_rpc_pass" description:"Password for the Xaya Core RPC interface"`

	DemGspHost string `long:"dem_gsp_host" description:"Host and port of the democrit GSP's JSON-RPC interface"`
	NfGspHost  string `long:"nf_gsp_host" description:"Host and port of the nonfungible GSP's JSON-RPC interface"`

	OrderTimeoutMs uint64     `long:"order_timeout_ms" description:"Milliseconds before a non-refreshed remote order expires"`
	ReconnectMs    uint64     `long:"reconnect_ms" description:"Milliseconds between chat reconnection attempts"`
	TradeTimeoutMs uint64     `long:"trade_timeout_ms" description:"Milliseconds before an unanswered trade negotiation is abandoned"`
	Confirmations  int        `long:"confirmations" description:"Blocks burying a trade transaction before it is final"`
	FeeRate        msg.Amount `long:"feerate_wo_names" description:"Fee rate in satoshi per vbyte for funding trade transactions"`

	LogPath    string `long:"logpath" description:"File to write process logs to"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries"`

	AppData    string `long:"appdata" description:"Path to the application data directory"`
	ConfigPath string `long:"config" description:"Path to an INI configuration file"`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// DefaultConfig returns a Config with all defaults filled in. Parsing on
// top of it leaves unmentioned options at their defaults.
func DefaultConfig() Config {
	return Config{
		OrderTimeoutMs: defaultOrderTimeoutMs,
		ReconnectMs:    defaultReconnectMs,
		TradeTimeoutMs: defaultTradeTimeoutMs,
		Confirmations:  defaultConfirmations,
		FeeRate:        defaultFeeRate,
		DebugLevel:     defaultLogLevel,
		AppData:        defaultAppDataDir,
		ConfigPath:     defaultConfigPath,
	}
}

// ParseCLIConfig parses only the command line into cfg. It is the first
// parsing pass, needed to learn the config file location.
func ParseCLIConfig(cfg *Config) error {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return err
	}
	return nil
}

// ResolveCLIConfigPaths expands the app data directory and config file
// paths from the CLI pass. A changed app directory moves the default config
// file location along with it.
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	if cfg.AppData != defaultAppDataDir {
		cfg.AppData = cleanAndExpandPath(cfg.AppData)
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = cleanAndExpandPath(cfg.ConfigPath)
	return cfg.AppData, cfg.ConfigPath
}

// ParseIniFile parses the INI config file into cfg. A missing file is fine.
func ParseIniFile(cfg *Config, configPath string) error {
	parser := flags.NewParser(cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return err
		}
	}
	return nil
}

// ParseFileAndCLI parses the INI config file and then the command line
// again, so that explicit flags take precedence over file settings.
func ParseFileAndCLI(cfg *Config, configPath string) error {
	if err := ParseIniFile(cfg, configPath); err != nil {
		return err
	}
	parser := flags.NewParser(cfg, flags.Default)
	_, err := parser.Parse()
	return err
}

// ResolveConfig validates the parsed configuration and fills the derived
// fields.
func (cfg *Config) ResolveConfig(appData string) error {
	cfg.AppData = appData
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(appData, logFilename)
	}

	if cfg.Account == "" {
		return fmt.Errorf("account must be set")
	}
	if cfg.JID == "" {
		return fmt.Errorf("jid must be set")
	}
	if cfg.ChatURL == "" || cfg.Room == "" {
		return fmt.Errorf("chat_url and room must be set")
	}
	if cfg.TrustedServers == "" {
		return fmt.Errorf("trusted_chat_servers must be set")
	}
	if cfg.XayaRPCHost == "" {
		return fmt.Errorf("xaya_rpc_host must be set")
	}
	if cfg.DemGspHost == "" {
		return fmt.Errorf("dem_gsp_host must be set")
	}
	if cfg.NfGspHost == "" {
		return fmt.Errorf("nf_gsp_host must be set")
	}
	return nil
}

// Core assembles the trading-engine configuration from the parsed options
// and the constructed collaborators.
func (cfg *Config) Core(spec asset.Spec, jid auth.JID, transport muc.Transport,
	wallet trade.Wallet, gsp trade.GSP, log dem.Logger) *core.Config {

	return &core.Config{
		Spec:              spec,
		Account:           cfg.Account,
		JID:               jid,
		Transport:         transport,
		TrustedServers:    cfg.TrustedServers,
		Wallet:            wallet,
		GSP:               gsp,
		OrderTimeout:      time.Duration(cfg.OrderTimeoutMs) * time.Millisecond,
		ReconnectInterval: time.Duration(cfg.ReconnectMs) * time.Millisecond,
		TradeTimeout:      time.Duration(cfg.TradeTimeoutMs) * time.Millisecond,
		Confirmations:     cfg.Confirmations,
		FeeRate:           cfg.FeeRate,
		Log:               log,
	}
}

// cleanAndExpandPath expands a leading ~ to the home directory and cleans
// the result.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
