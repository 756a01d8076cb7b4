package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safecoord/safecoord/config"
	"github.com/safecoord/safecoord/internal/coordinator"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/registry"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/store"
	"github.com/spf13/cobra"
)

var cmdMain = &cobra.Command{
	Use:   "safectl",
	Short: "Propose, sign and execute multi-owner account transactions",
	Run:   printUsageAndExit1,
}

var flagMain struct {
	Config   string
	Account  string
	Key      string
	Personal bool
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.Config, "config", "c", "", "Path to the JSON configuration file")
	cmdMain.PersistentFlags().StringVarP(&flagMain.Account, "account", "a", "", "Account address (overrides account.address)")
	cmdMain.PersistentFlags().StringVarP(&flagMain.Key, "key", "k", "", "Hex-encoded owner key (overrides signer.key_hex)")
	cmdMain.PersistentFlags().BoolVar(&flagMain.Personal, "personal", false, "Sign with the personal message prefix")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmdMain.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, color.RedString("Error: ")+format+"\n", args...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func checkf(err error, format string, otherArgs ...interface{}) {
	if err != nil {
		fatalf(format+": %v", append(otherArgs, err)...)
	}
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig() *config.Config {
	cfg, err := config.Load(flagMain.Config)
	checkf(err, "load config")
	if flagMain.Account != "" {
		cfg.Account.Address = flagMain.Account
	}
	if flagMain.Key != "" {
		cfg.Signer.KeyHex = flagMain.Key
	}
	if flagMain.Personal {
		cfg.Signer.PersonalSign = true
	}
	check(cfg.Validate())

	lvl, err := log.LvlFromString(cfg.Log.Level)
	checkf(err, "log level")
	color.NoColor = color.NoColor || !cfg.Log.Color
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, cfg.Log.Color)))
	return cfg
}

// client bundles what the subcommands talk to.
type client struct {
	cfg    *config.Config
	coord  *coordinator.Coordinator
	ledger *ledger.RPCClient
	signer *signature.KeySigner
}

func (c *client) Close() {
	if err := c.coord.Close(); err != nil {
		log.Warn("Failed to close proposal cache", "err", err)
	}
	c.ledger.Close()
}

// connect dials the ledger and the proposal store and builds a coordinator
// for the configured account.
func connect(ctx context.Context) *client {
	cfg := loadConfig()
	logger := log.Root()

	account, ok := cfg.AccountAddress()
	if !ok {
		fatalf("no account configured, use --account or account.address")
	}

	key, err := cfg.SigningKey()
	check(err)
	var signer *signature.KeySigner
	if key != "" {
		signer, err = signature.LoadKeySigner(key, cfg.Signer.PersonalSign)
		checkf(err, "owner key")
	}
	executor := signer
	if cfg.Signer.ExecutorKeyHex != "" {
		executor, err = signature.LoadKeySigner(cfg.Signer.ExecutorKeyHex, false)
		checkf(err, "executor key")
	}

	lc := ledger.Config{
		URL:     cfg.Network.RPCURL,
		ChainID: cfg.Network.ChainID,
		HTTP:    cfg.HTTPConfig(),
		Query:   cfg.QueryPolicy(),
		Poll:    cfg.PollPolicy(),
	}
	var rpc *ledger.RPCClient
	if executor != nil {
		rpc, err = ledger.Dial(ctx, lc, executor.PrivateKey(), logger)
	} else {
		rpc, err = ledger.Dial(ctx, lc, nil, logger)
	}
	checkf(err, "connect to %s", cfg.Network.RPCURL)

	net := protocol.Network{ChainID: rpc.ChainID(), Name: cfg.Network.Name}
	ccfg := coordinator.Config{
		Session:    protocol.NewSession(net, account),
		Ledger:     rpc,
		Cache:      store.NewProposalCache(cfg.Storage.Dir, logger),
		Registry:   registry.New(0),
		Submit:     cfg.QueryPolicy(),
		Poll:       cfg.PollPolicy(),
		Registerer: prometheus.NewRegistry(),
		Logger:     logger,
	}
	if cfg.Network.TxServiceURL != "" {
		ccfg.Store = store.NewClient(cfg.Network.TxServiceURL, network.NewHTTPClient(cfg.HTTPConfig()), cfg.QueryPolicy(), logger)
	}
	if signer != nil {
		ccfg.Signer = signer
	}
	coord, err := coordinator.New(ccfg)
	check(err)

	return &client{cfg: cfg, coord: coord, ledger: rpc, signer: signer}
}

func parseHash(s string) common.Hash {
	b, err := hexDecode(s)
	checkf(err, "hash %q", s)
	if len(b) != common.HashLength {
		fatalf("hash %q must be %d bytes", s, common.HashLength)
	}
	return common.BytesToHash(b)
}

func parseAddress(s string) common.Address {
	if !common.IsHexAddress(s) {
		fatalf("invalid address %q", s)
	}
	return common.HexToAddress(s)
}
