// The facilitator command serves the x402 facilitator API: payment
// verification, on-chain settlement and the resource discovery catalog.
//
// Configuration is environment-driven; see internal/config. A .env file in
// the working directory is honoured for local runs.
package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	facilitator "github.com/x402-foundation/facilitator"
	"github.com/x402-foundation/facilitator/discovery"
	"github.com/x402-foundation/facilitator/internal/config"
	"github.com/x402-foundation/facilitator/internal/metrics"
	"github.com/x402-foundation/facilitator/internal/server"
	evmmech "github.com/x402-foundation/facilitator/mechanisms/evm"
	svmmech "github.com/x402-foundation/facilitator/mechanisms/svm"
	"github.com/x402-foundation/facilitator/pkg/types"
	"github.com/x402-foundation/facilitator/scheduler"
	evmsigner "github.com/x402-foundation/facilitator/signers/evm"
	svmsigner "github.com/x402-foundation/facilitator/signers/svm"
	"github.com/x402-foundation/facilitator/wallet"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("facilitator: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	facade := facilitator.New(m)

	var (
		pools      []*wallet.Pool
		gasTargets []scheduler.GasTarget
		registered int
	)

	if len(cfg.EvmPrivateKeys) > 0 {
		for _, network := range cfg.EVMNetworks() {
			pool, targets := registerEVM(facade, cfg, network)
			pools = append(pools, pool)
			gasTargets = append(gasTargets, targets...)
			registered++
		}
	}

	if cfg.SvmPrivateKey != "" {
		signer, err := svmsigner.NewSignerFromBase58(cfg.SvmPrivateKey)
		if err != nil {
			log.Fatalf("facilitator: SVM_PRIVATE_KEY: %v", err)
		}
		for _, network := range cfg.SVMNetworks() {
			gasTargets = append(gasTargets, registerSVM(facade, cfg, signer, network))
			registered++
		}
	}

	if registered == 0 {
		log.Fatal("facilitator: no networks to serve; check ALLOWED_NETWORKS and signing keys")
	}

	var store discovery.ResourceStore
	if cfg.RedisAddr != "" {
		store = discovery.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}), "")
		log.Printf("facilitator: discovery catalog backed by redis at %s", cfg.RedisAddr)
	} else {
		store = discovery.NewMemoryStore()
	}
	catalog := discovery.NewRegistry(store, discovery.Config{AllowLocalhost: cfg.AllowLocalhostResources})
	facade.WithDiscovery(catalog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	for _, pool := range pools {
		if err := pool.Init(initCtx); err != nil {
			log.Printf("facilitator: pool init %s: %v", pool.Network(), err)
		}
	}
	cancel()

	loop := scheduler.NewLoop(pools, gasTargets, m, scheduler.Config{
		HealthCheckInterval: cfg.Wallet.HealthCheckInterval,
	})
	go loop.Run(ctx)
	go runDiscoveryCleanup(ctx, catalog)

	srv := server.New(facade, server.Options{
		Discovery: catalog,
		Pools:     pools,
		Gatherer:  registry,
		Version:   version,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("facilitator: %s listening on :%s", version, cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("facilitator: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("facilitator: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("facilitator: shutdown: %v", err)
	}
}

// registerEVM wires one EVM network into the facade: a shared read client,
// one signing client per configured wallet, the wallet pool and the
// verifier/settler pair.
func registerEVM(facade *facilitator.Facilitator, cfg *config.Config, network string) (*wallet.Pool, []scheduler.GasTarget) {
	clients, err := evmsigner.NewClientPool(cfg.RPCURL(network), cfg.EvmPrivateKeys)
	if err != nil {
		log.Fatalf("facilitator: %s: %v", network, err)
	}

	readChain := clients[0]
	chains := make(map[string]evmmech.Chain, len(clients))
	addresses := make([]string, 0, len(clients))
	for _, client := range clients {
		chains[strings.ToLower(client.Address())] = client
		addresses = append(addresses, client.Address())
	}

	nonces := wallet.NewNonceRegistry(readChain)
	pool := wallet.NewPool(network, addresses, readChain, nonces, cfg.Wallet)

	verifier, err := evmmech.NewVerifier(readChain, network)
	if err != nil {
		log.Fatalf("facilitator: %s: %v", network, err)
	}
	settler, err := evmmech.NewSettler(verifier, pool, nonces, chains, evmmech.SettlerOptions{
		AllowedNetworks:  cfg.AllowedNetworks,
		MinNativeBalance: cfg.GasThresholdEvm,
		MaxRetryAttempts: cfg.Wallet.MaxRetryAttempts,
		RetryDelay:       cfg.Wallet.RetryDelay,
	})
	if err != nil {
		log.Fatalf("facilitator: %s: %v", network, err)
	}
	facade.Register(network, types.SchemeExact, verifier, settler)

	targets := make([]scheduler.GasTarget, 0, len(addresses))
	for _, addr := range addresses {
		addr := addr
		targets = append(targets, scheduler.GasTarget{
			Network: network,
			Address: addr,
			Read: func(ctx context.Context) (*big.Int, error) {
				return readChain.GetBalance(ctx, addr)
			},
		})
	}

	log.Printf("facilitator: serving %s with %d wallet(s)", network, len(addresses))
	return pool, targets
}

// registerSVM wires one SVM network: a cluster RPC client plus the shared
// fee-payer signer.
func registerSVM(facade *facilitator.Facilitator, cfg *config.Config, signer *svmsigner.Signer, network string) scheduler.GasTarget {
	chain := svmsigner.NewClient(cfg.RPCURL(network))

	verifier, err := svmmech.NewVerifier(chain, signer, network)
	if err != nil {
		log.Fatalf("facilitator: %s: %v", network, err)
	}
	settler, err := svmmech.NewSettler(verifier, svmmech.SettlerOptions{
		AllowedNetworks: cfg.AllowedNetworks,
	})
	if err != nil {
		log.Fatalf("facilitator: %s: %v", network, err)
	}
	facade.Register(network, types.SchemeExact, verifier, settler, map[string]any{
		"feePayer": verifier.FeePayer(),
	})

	feePayer := signer.PublicKey()
	log.Printf("facilitator: serving %s fee payer %s", network, feePayer)
	return scheduler.GasTarget{
		Network: network,
		Address: feePayer.String(),
		Read: func(ctx context.Context) (*big.Int, error) {
			lamports, err := chain.GetBalance(ctx, feePayer)
			if err != nil {
				return nil, err
			}
			return new(big.Int).SetUint64(lamports), nil
		},
	}
}

// runDiscoveryCleanup purges expired catalog records on an hourly sweep.
func runDiscoveryCleanup(ctx context.Context, catalog *discovery.Registry) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := catalog.Cleanup(ctx); err != nil {
				log.Printf("facilitator: discovery cleanup: %v", err)
			}
		}
	}
}
