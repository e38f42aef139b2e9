package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/0g-drain/internal/auth"
	"github.com/0gfoundation/0g-drain/internal/chain"
	"github.com/0gfoundation/0g-drain/internal/config"
	"github.com/0gfoundation/0g-drain/internal/ledger"
	"github.com/0gfoundation/0g-drain/internal/orchestrator"
	"github.com/0gfoundation/0g-drain/internal/pricing"
	"github.com/0gfoundation/0g-drain/internal/settler"
	"github.com/0gfoundation/0g-drain/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	var (
		st     store.Store
		nonces auth.NonceGuard
	)
	switch cfg.Store.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		st, nonces = store.NewRedisStore(rdb), auth.RedisNonces(rdb)
	case "file":
		fs, err := store.OpenFileStore(cfg.Store.Path)
		if err != nil {
			log.Fatal("open voucher file failed", zap.Error(err))
		}
		st, nonces = fs, auth.MemoryNonces()
	}

	// ── Chain ─────────────────────────────────────────────────────────────────
	onchain, err := chain.NewClient(&cfg.Chain)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	oracle := chain.NewCachedOracle(onchain, chain.OracleOpts{
		TTL:         cfg.Oracle.CacheTTL(),
		ReadTimeout: cfg.Oracle.ReadTimeout(),
		Retries:     cfg.Oracle.ReadRetries,
	}, log)

	threshold, _ := cfg.Claim.ThresholdUnits()
	led := ledger.New(ledger.Config{
		Provider:       onchain.Address(),
		ChainID:        onchain.ChainID(),
		Contract:       onchain.ContractAddress(),
		ClaimThreshold: threshold,
	}, oracle, onchain, st, log)

	// ── Pricing ───────────────────────────────────────────────────────────────
	prices, err := newPricing(cfg.Pricing, log)
	if err != nil {
		log.Fatal("pricing init failed", zap.Error(err))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	up := orchestrator.NewUpstream(cfg.Upstream.BaseURL, cfg.Upstream.APIKey,
		time.Duration(cfg.Upstream.TimeoutSec)*time.Second)
	orch := orchestrator.New(led, prices, up, log)

	var operator common.Address
	if cfg.Admin.OperatorAddress != "" {
		if !common.IsHexAddress(cfg.Admin.OperatorAddress) {
			log.Fatal("invalid OPERATOR_ADDRESS", zap.String("value", cfg.Admin.OperatorAddress))
		}
		operator = common.HexToAddress(cfg.Admin.OperatorAddress)
	}

	r := gin.New()
	r.Use(gin.Recovery(), orchestrator.RequestID())
	orchestrator.NewHandler(orch, onchain.ChainID().Int64(), log).Register(r,
		auth.Admin(auth.Config{Token: cfg.Admin.Token, Operator: operator, Nonces: nonces}, log))

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server starting",
			zap.String("addr", srv.Addr),
			zap.String("provider", onchain.Address().Hex()),
			zap.String("network", onchain.Network().Name),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Claim.Auto {
		g.Go(func() error {
			settler.Run(gctx, led, time.Duration(cfg.Claim.IntervalSec)*time.Second, log)
			return nil
		})
	}
	g.Go(func() error {
		prices.Run(gctx, time.Duration(cfg.Pricing.RefreshSec)*time.Second)
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("provider stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// newPricing builds the price engine: the built-in table with static
// overrides, refreshed from a live source when one is configured.
func newPricing(cfg config.PricingConfig, log *zap.Logger) (*pricing.Engine, error) {
	overrides := make(map[string]pricing.ModelPrice)
	for model, o := range cfg.StaticOverrides() {
		p, err := pricing.ParsePrice(o.Input, o.Output)
		if err != nil {
			return nil, fmt.Errorf("price override %s: %w", model, err)
		}
		overrides[model] = p
	}
	table := pricing.DefaultTable().With(overrides)

	if cfg.Source != "chutes" {
		return pricing.NewEngine(table, nil, log), nil
	}
	src, err := pricing.NewChutesSource(cfg.SourceURL, cfg.APIKey, cfg.MarkupPercent)
	if err != nil {
		return nil, err
	}
	return pricing.NewEngine(table, src, log), nil
}
