package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/config"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/txservice"
)

func main() {
	port := flag.Int("port", 8000, "HTTP port")
	configPath := flag.String("config", "", "Path to the JSON configuration file")
	rpcURL := flag.String("rpc", "", "Ledger JSON-RPC URL (overrides network.rpc_url)")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Crit("Failed to load config", "err", err)
	}
	lvl, err := log.LvlFromString(cfg.Log.Level)
	if err != nil {
		lvl = log.LevelInfo
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, cfg.Log.Color)))

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if *rpcURL != "" {
		cfg.Network.RPCURL = *rpcURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	source, err := ledger.Dial(ctx, ledger.Config{
		URL:     cfg.Network.RPCURL,
		ChainID: cfg.Network.ChainID,
		HTTP:    cfg.HTTPConfig(),
		Query:   cfg.QueryPolicy(),
		Poll:    cfg.PollPolicy(),
	}, nil, log.Root())
	if err != nil {
		log.Crit("Failed to connect to ledger", "url", cfg.Network.RPCURL, "err", err)
	}
	defer source.Close()

	network := protocol.Network{ChainID: source.ChainID(), Name: cfg.Network.Name}
	server := txservice.NewServer(network, source, log.Root())
	if err := server.Start(*port); err != nil {
		log.Crit("Transaction service stopped", "err", err)
	}
}
