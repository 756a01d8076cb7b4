package main

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/devchain"
	"github.com/safecoord/safecoord/internal/protocol"
)

func main() {
	chainID := flag.Uint64("chain-id", 1337, "Chain ID")
	port := flag.Int("port", 8545, "HTTP port")
	accountsPath := flag.String("accounts", "", "JSON file with accounts to deploy at startup")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	lvl := log.LevelInfo
	if *verbose {
		lvl = log.LevelDebug
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))

	// Allow environment variable override
	if envID := os.Getenv("CHAIN_ID"); envID != "" {
		if id, err := strconv.ParseUint(envID, 10, 64); err == nil {
			*chainID = id
		}
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	if envAccounts := os.Getenv("DEVCHAIN_ACCOUNTS"); envAccounts != "" {
		*accountsPath = envAccounts
	}

	chain := devchain.NewChain(*chainID, log.Root())
	if *accountsPath != "" {
		if err := deployAccounts(chain, *accountsPath); err != nil {
			log.Crit("Failed to deploy accounts", "path", *accountsPath, "err", err)
		}
	}

	server := devchain.NewServer(chain, log.Root())
	if err := server.Start(*port); err != nil {
		log.Crit("Devchain stopped", "err", err)
	}
}

func deployAccounts(chain *devchain.Chain, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var reqs []devchain.DeployRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return err
	}
	for _, req := range reqs {
		owners, err := protocol.ParseOwners(req.Owners)
		if err != nil {
			return err
		}
		state := protocol.AccountState{Owners: owners, Threshold: req.Threshold, Nonce: req.Nonce, Version: req.Version}
		if err := chain.Deploy(req.Address, state); err != nil {
			return err
		}
		log.Info("Deployed account", "address", req.Address, "owners", len(owners), "threshold", req.Threshold)
	}
	return nil
}
