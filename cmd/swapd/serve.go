package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/1balancer/swap-orchestrator/internal/api"
	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
	"github.com/1balancer/swap-orchestrator/internal/coordinator"
	"github.com/1balancer/swap-orchestrator/internal/eventmonitor"
	"github.com/1balancer/swap-orchestrator/internal/notifier"
	"github.com/1balancer/swap-orchestrator/internal/oracle"
	"github.com/1balancer/swap-orchestrator/internal/quote"
	"github.com/1balancer/swap-orchestrator/internal/secretmgr"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/internal/timelock"
	"github.com/1balancer/swap-orchestrator/pkg/config"
	"github.com/1balancer/swap-orchestrator/pkg/retry"
	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP and WebSocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires the ten components into a running service from the
// unified pkg/config Config, following the flat construction style the
// rest of this repo's servers use.
func runServe(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lv, err := logrus.ParseLevel(orDefault(cfg.Logging.Level, "info"))
	if err != nil {
		return err
	}
	logrus.SetLevel(lv)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	coreLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init core logger: %w", err)
	}
	defer coreLog.Sync()
	zap.ReplaceGlobals(coreLog)

	retryPolicy := retryPolicyFromConfig(cfg.Retry)

	source, err := buildEVMAdapter(ctx, cfg.Chains.Source, retryPolicy)
	if err != nil {
		return fmt.Errorf("init source chain adapter: %w", err)
	}
	destination, err := buildCosmosAdapter(ctx, cfg.Chains.Destination, retryPolicy)
	if err != nil {
		return fmt.Errorf("init destination chain adapter: %w", err)
	}

	store := session.NewStore(session.StoreParams{
		MaxActive:     cfg.Session.MaxActive,
		TerminalGrace: parseDurationOrZero(cfg.Session.TerminalGrace),
	})
	sm := session.NewStateMachine(store)

	secretKey, err := deriveSecretKey()
	if err != nil {
		return fmt.Errorf("derive secret key: %w", err)
	}
	secrets, err := secretmgr.New(secretKey, parseDurationOrZero(cfg.Secret.Lifetime))
	if err != nil {
		return fmt.Errorf("init secret manager: %w", err)
	}

	coord := coordinator.New(store, sm, secrets, source, destination, retryPolicy)

	startHeights := map[string]uint64{
		cfg.Chains.Source.Tag:      0,
		cfg.Chains.Destination.Tag: 0,
	}
	monitorMux := eventmonitor.NewMultiplexer(
		[]chainadapter.Adapter{source, destination},
		startHeights,
		eventmonitor.Params{
			TickInterval: parseDurationOrZero(cfg.Monitor.TickInterval),
			WindowSize:   uint64(cfg.Monitor.LogBatchBlocks),
			ReorgBuffer:  uint64(cfg.Monitor.MaxReorgDepth),
			RetryPolicy:  retryPolicy,
		},
		256,
	)

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go func() {
		if err := monitorMux.Run(monitorCtx); err != nil && monitorCtx.Err() == nil {
			coreLog.Sugar().Errorw("event monitor stopped", "error", err)
		}
	}()
	go coord.DispatchEvents(monitorCtx, monitorMux.Events())

	notifyRegistry := notifier.NewRegistry(cfg.Notifier.BacklogCap)
	sm.OnTransition(func(sessionID string, _, to session.Status, errMsg string) {
		notifyRegistry.BroadcastSessionUpdate(sessionID, string(to), 0, errMsg)
	})
	wsHub := notifier.NewHub(notifyRegistry, cfg.Server.PushAuthToken)

	oracleClient := oracle.NewHTTPOracle(utils.EnvOrDefault("PRICE_ORACLE_URL", ""), http.DefaultClient)
	quoter := quote.New(oracleClient, quote.Params{
		Premium:      cfg.Quote.Premium,
		Discount:     cfg.Quote.Discount,
		BaseDuration: time.Duration(cfg.Quote.BaseDurationSeconds) * time.Second,
		ValidWindow:  time.Duration(cfg.Quote.ValidWindowSeconds) * time.Second,
	})

	server := api.NewServer(api.Config{
		Store:               store,
		StateMachine:        sm,
		Coordinator:         coord,
		Quoter:              quoter,
		Secrets:             secrets,
		Notifier:            notifyRegistry,
		SourceChainTag:      cfg.Chains.Source.Tag,
		DestinationChainTag: cfg.Chains.Destination.Tag,
		TimelockParams: timelock.Params{
			PublicWindow: parseDurationOrZero(cfg.Timelock.PublicWindow),
			CancelWindow: parseDurationOrZero(cfg.Timelock.CancelWindow),
			SafetyBuffer: parseDurationOrZero(cfg.Timelock.SafetyBuffer),
		},
		TimelockBaseDuration: durationOrDefault(parseDurationOrZero(cfg.Timelock.BaseDuration), timelock.MinDuration*2),
	})

	router := server.NewRouter()
	router.Handle("/ws", wsHub)

	reapTicker := time.NewTicker(5 * time.Minute)
	defer reapTicker.Stop()
	go func() {
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-reapTicker.C:
				store.ReapExpired(time.Now())
				secrets.ReapExpired(time.Now())
			}
		}
	}()

	addr := orDefault(cfg.Server.ListenAddr, ":8080")
	httpServer := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		coreLog.Sugar().Infow("swapd listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func retryPolicyFromConfig(r config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy
	if d := parseDurationOrZero(r.InitialDelay); d > 0 {
		p.InitialDelay = d
	}
	if r.Factor > 0 {
		p.Factor = r.Factor
	}
	if d := parseDurationOrZero(r.MaxDelay); d > 0 {
		p.MaxDelay = d
	}
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	return p
}

func buildEVMAdapter(ctx context.Context, cc config.ChainConfig, policy retry.Policy) (*chainadapter.EVMAdapter, error) {
	cfg := chainadapter.EVMConfig{
		ChainTag:              cc.Tag,
		Endpoints:             cc.RPCEndpoints,
		RequiredConfirmations: cc.RequiredConfirmations,
		RetryPolicy:           policy,
	}
	if cc.ChainID > 0 {
		cfg.ChainID = big.NewInt(cc.ChainID)
	}
	if hexKey := utils.EnvOrDefault("SOURCE_SIGNER_KEY_HEX", ""); hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse SOURCE_SIGNER_KEY_HEX: %w", err)
		}
		cfg.PrivateKey = key
	}
	if addr := utils.EnvOrDefault("SOURCE_ESCROW_ADDRESS", ""); addr != "" {
		cfg.EscrowAddress = common.HexToAddress(addr)
	}
	return chainadapter.NewEVMAdapter(ctx, cfg)
}

func buildCosmosAdapter(ctx context.Context, cc config.ChainConfig, policy retry.Policy) (*chainadapter.CosmosAdapter, error) {
	cfg := chainadapter.CosmosConfig{
		ChainTag:              cc.Tag,
		Endpoints:             cc.RPCEndpoints,
		NetworkID:             utils.EnvOrDefault("DESTINATION_NETWORK_ID", ""),
		EscrowModule:          utils.EnvOrDefault("DESTINATION_ESCROW_MODULE", "htlc"),
		RequiredConfirmations: cc.RequiredConfirmations,
		SignerKey:             []byte(utils.EnvOrDefault("DESTINATION_SIGNER_KEY", "")),
		RetryPolicy:           policy,
	}
	return chainadapter.NewCosmosAdapter(ctx, cfg)
}

// deriveSecretKey reads SECRET_KEY_HEX (a chacha20poly1305 key, hex
// encoded); a missing key zero-fills, which is fine for local development
// since secretmgr.New treats it as an opaque symmetric key either way.
func deriveSecretKey() ([chacha20poly1305.KeySize]byte, error) {
	var key [chacha20poly1305.KeySize]byte
	raw := utils.EnvOrDefault("SECRET_KEY_HEX", "")
	if raw == "" {
		return key, nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return key, err
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("SECRET_KEY_HEX must be %d bytes, got %d", len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func parseDurationOrZero(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
