package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"PerpForge/api"
	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/logger"
	"PerpForge/store"
	"PerpForge/trader"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config document")
	apiAddr := flag.String("api", ":8080", "control API listen address")
	flag.Parse()

	// .env carries credentials; missing file is fine in containerized runs
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Init(cfg.GetString("logging.level", "info"), cfg.GetString("logging.format", "console"))

	logger.Infof("PerpForge starting: environment=%s (testnet=%v), config version %d",
		cfg.Environment(), cfg.IsTestnet(), cfg.Version())

	apiKey := os.Getenv("PERPFORGE_API_KEY")
	apiSecret := os.Getenv("PERPFORGE_API_SECRET")
	mode := cfg.GetString("mode", trader.ModePaper)
	if mode == trader.ModeLive && (apiKey == "" || apiSecret == "") {
		logger.Fatalf("live mode requires PERPFORGE_API_KEY and PERPFORGE_API_SECRET")
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	client := exchange.NewClient(apiKey, apiSecret, cfg.IsTestnet())
	registry := exchange.NewRegistry(client)
	if err := registry.Refresh(); err != nil {
		logger.Warnf("instrument refresh failed, rules load lazily: %v", err)
	}

	var stream *exchange.PrivateStream
	if mode == trader.ModeLive {
		stream = exchange.NewPrivateStream(apiKey, apiSecret, cfg.IsTestnet())
		stream.Start()
		defer stream.Stop()
	}

	orch := trader.NewOrchestrator(cfg, client, st, registry, stream)

	symbols := cfg.GetStringSlice("symbols")
	if cfg.GetBool("bot.autostart", true) {
		if err := orch.Start(symbols); err != nil {
			logger.Fatalf("start orchestrator: %v", err)
		}
	}

	server := api.NewServer(cfg, st, orch)
	go func() {
		if err := server.Run(*apiAddr); err != nil {
			logger.Fatalf("control API: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutdown signal received")
	orch.Stop()
}
