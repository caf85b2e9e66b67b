package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"rwadesk/audit"
	"rwadesk/config"
	"rwadesk/core/events"
	"rwadesk/core/identity"
	"rwadesk/gateway"
	"rwadesk/gateway/middleware"
	"rwadesk/native/assets"
	"rwadesk/native/bank"
	"rwadesk/native/common"
	"rwadesk/native/escrow"
	"rwadesk/observability/logging"
	"rwadesk/rpc"
	"rwadesk/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DESK_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup("deskd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	admin, err := cfg.AdministratorAddress()
	if err != nil {
		logger.Error("Invalid administrator address", slog.Any("error", err))
		os.Exit(1)
	}
	trust, err := cfg.TrustAccountAddress()
	if err != nil {
		logger.Error("Invalid trust account address", slog.Any("error", err))
		os.Exit(1)
	}
	custodian, err := cfg.CustodianAddress()
	if err != nil {
		logger.Error("Invalid custodian address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	provider, err := identity.NewStaticProvider(admin)
	if err != nil {
		logger.Error("Failed to configure identity provider", slog.Any("error", err))
		os.Exit(1)
	}

	var whitelist *identity.Whitelist
	if cfg.WhitelistEnabled {
		whitelist = identity.NewWhitelist()
		members, err := cfg.WhitelistAddresses()
		if err != nil {
			logger.Error("Failed to parse whitelist", slog.Any("error", err))
			os.Exit(1)
		}
		for _, member := range members {
			whitelist.Add(member)
		}
	}

	funds := bank.NewLedger(db, trust)
	vault := assets.NewVault(db)
	sink := events.NewMemorySink(cfg.EventRetention)
	pauses := common.NewPauses()

	custody := escrow.NewCustodyManager(vault, custodian)
	ledger := escrow.NewBidLedger(funds)
	settle := escrow.NewSettlementEngine(custody, ledger)
	guard := escrow.NewAuthorizationGuard(provider, whitelist, escrow.Policy{OpenClose: cfg.OpenClose})

	registry := escrow.NewRegistry(escrow.NewStore(db), custody, ledger, settle, guard, sink)
	registry.SetPauses(pauses)

	rpcServer := rpc.NewServer(registry, provider, sink, pauses, rpc.Config{
		AuthToken:     strings.TrimSpace(os.Getenv(cfg.RPC.TokenEnv)),
		RatePerSecond: cfg.RPC.RatePerSecond,
		RateBurst:     cfg.RPC.RateBurst,
	})
	rpcServer.SetExporter(audit.NewExporter(registry, cfg.ExportDir))

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "deskd",
		LogRequests: true,
		Enabled:     true,
	}, logger)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Gateway.AuthEnabled,
		HMACSecret: os.Getenv(cfg.Gateway.SecretEnv),
		Issuer:     cfg.Gateway.Issuer,
		Audience:   cfg.Gateway.Audience,
	}, logger)

	handler := gateway.New(gateway.Config{
		RPCHandler:    rpcServer.Handler(),
		Authenticator: auth,
		Observability: obs,
		RequiredScope: cfg.Gateway.Scope,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting desk daemon",
		slog.String("listen", cfg.ListenAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.String("administrator", identity.FormatAddress(admin)),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}
