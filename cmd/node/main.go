package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/botho-project/botho/gossip"
	"github.com/botho-project/botho/node"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return node.ExitBadConfig
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return node.ExitBadConfig
	}
	defer log.Sync()

	n, err := node.New(cfg, log)
	if err != nil {
		log.Error("node construction failed", zap.Error(err))
		return node.ExitLedger
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	go func() {
		<-sigChan
		interrupted = true
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		if errors.Is(err, node.ErrPoisonedSlot) {
			log.Error("consensus failure", zap.Error(err))
			return node.ExitConsensus
		}
		log.Error("node failed", zap.Error(err))
		return node.ExitLedger
	}
	if interrupted {
		return node.ExitSignal
	}
	return node.ExitOK
}

func parseFlags() (node.Config, error) {
	cfg := node.DefaultConfig()

	dataDir := flag.String("datadir", cfg.DataDir, "Data directory")
	port := flag.Int("port", cfg.ListenPort, "P2P listen port")
	network := flag.String("network", string(cfg.NetworkID), "Network: mainnet or testnet")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap multiaddrs")
	seeds := flag.String("dns-seeds", "", "Comma-separated DNS seed hosts")
	workers := flag.Int("mint-workers", cfg.MintWorkers, "Number of minting worker threads")
	minterSeed := flag.String("minter-seed", "", "Hex-encoded 32-byte minter key seed (random if empty)")
	quorum := flag.String("quorum", "", "Comma-separated quorum peer ids")
	threshold := flag.Int("quorum-threshold", 0, "Quorum threshold (default 2/3+1)")
	flag.Parse()

	cfg.DataDir = *dataDir
	cfg.ListenPort = *port
	switch gossip.NetworkID(*network) {
	case gossip.Mainnet, gossip.Testnet:
		cfg.NetworkID = gossip.NetworkID(*network)
	default:
		return cfg, fmt.Errorf("unknown network %q", *network)
	}
	if *bootstrap != "" {
		cfg.BootstrapPeers = strings.Split(*bootstrap, ",")
	}
	if *seeds != "" {
		cfg.DNSSeeds = strings.Split(*seeds, ",")
	}
	cfg.MintWorkers = *workers
	cfg.QuorumThreshold = *threshold
	if *quorum != "" {
		cfg.QuorumMembers = strings.Split(*quorum, ",")
	}

	if *minterSeed != "" {
		raw, err := hex.DecodeString(*minterSeed)
		if err != nil || len(raw) != 32 {
			return cfg, errors.New("minter-seed must be 64 hex characters")
		}
		copy(cfg.MinterSeed[:], raw)
	} else {
		if _, err := rand.Read(cfg.MinterSeed[:]); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
