package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/openclob/ledger-clob/api"
	"github.com/openclob/ledger-clob/api/websocket"
	"github.com/openclob/ledger-clob/cache"
	"github.com/openclob/ledger-clob/config"
	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/matching"
	"github.com/openclob/ledger-clob/orders"
	"github.com/openclob/ledger-clob/readmodel"
	"github.com/openclob/ledger-clob/reserve"
	"github.com/openclob/ledger-clob/settlement"
	"github.com/openclob/ledger-clob/stoploss"
)

// StartCmd returns the command that runs the engine.
func StartCmd() *cobra.Command {
	var (
		configPath string
		apiHost    string
		apiPort    int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the matching and settlement engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if apiHost != "" {
				cfg.API.Host = apiHost
			}
			if apiPort > 0 {
				cfg.API.Port = apiPort
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "clobd.json", "Path to the JSON config file")
	cmd.Flags().StringVar(&apiHost, "api-host", "", "Override the API listen host")
	cmd.Flags().IntVar(&apiPort, "api-port", 0, "Override the API listen port")
	return cmd
}

// run wires every component and blocks until a shutdown signal.
func run(cfg *config.Config) error {
	logger := log.NewLogger(os.Stderr)
	pairs, err := cfg.TradingPairs()
	if err != nil {
		return err
	}
	slippage, err := cfg.SlippageBuffer()
	if err != nil {
		return err
	}
	dust, err := cfg.Dust()
	if err != nil {
		return err
	}

	client := ledger.NewHTTPClient(ledger.ClientConfig{
		BaseURL:      cfg.Ledger.BaseURL,
		WebSocketURL: cfg.Ledger.WSBaseURL,
	}, tokenSource(cfg), logger)

	model := readmodel.New(client, cfg.Ledger.Operator, pairs, logger)
	reserver := reserve.New(logger)
	trades := cache.New(cache.Config{
		File:             cfg.Cache.File,
		MaxTradesPerPair: cfg.Cache.MaxTradesPerPair,
		SaveDebounce:     cfg.Cache.SaveDebounce(),
	}, logger)
	hub := websocket.NewHub(websocket.DefaultHubConfig(), logger)

	settler := settlement.New(client, model, reserver, trades, hub, cfg.Ledger.Operator, dust, logger)
	stops := stoploss.New(client, model, hub, cfg.Ledger.Operator,
		stoploss.Config{PollInterval: cfg.StopLoss.BackupPoll()}, logger)
	settler.SetTriggerChecker(stops)

	matchCfg := matching.DefaultConfig()
	matchCfg.PollInterval = cfg.Matching.BaseInterval()
	matchCfg.SlowPollInterval = cfg.Matching.MediumIdleInterval()
	matchCfg.IdlePollInterval = cfg.Matching.SlowIdleInterval()
	matchCfg.CycleWatchdog = cfg.Matching.Watchdog()
	matchCfg.RecentMatchTTL = cfg.Matching.RematchCooldown()
	matcher := matching.New(model, settler, matchCfg, logger)
	stops.SetCycleRequester(matcher.TriggerCycle)

	orderService := orders.New(client, model, reserver, stops, hub, cfg.Ledger.Operator,
		pairs, orders.Config{MarketSlippageBuffer: slippage}, logger)
	orderService.SetCycleRequester(matcher.TriggerCycle)

	server := api.NewServer(&api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, orderService, model, client, reserver, hub, logger)

	// Projection first: the engines read through it from the moment
	// they start.
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	if err := model.Start(streamCtx, readmodel.DefaultStreamConfig(cfg.OffsetFile)); err != nil {
		return err
	}

	engineCtx, stopEngines := context.WithCancel(context.Background())
	var engines sync.WaitGroup
	engines.Add(2)
	go func() {
		defer engines.Done()
		matcher.Run(engineCtx)
	}()
	go func() {
		defer engines.Done()
		stops.Run(engineCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("clobd started",
		"version", Version,
		"pairs", len(pairs),
		"operator", cfg.Ledger.Operator,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", "err", err)
		}
	}

	// Shutdown order: stop producing matches, then triggers, then the
	// stream, flush state, and finally drain the API.
	stopEngines()
	engines.Wait()
	model.Stop()
	trades.Flush()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown", "err", err)
	}

	logger.Info("clobd stopped")
	return nil
}

// tokenSource builds the ledger token source: a static token from the
// environment wins, otherwise tokens are fetched (and refetched on 401)
// from the configured token endpoint.
func tokenSource(cfg *config.Config) ledger.TokenSource {
	if token := os.Getenv("CLOBD_LEDGER_TOKEN"); token != "" {
		return ledger.NewStaticTokenSource(token)
	}
	tokenURL := cfg.Ledger.TokenURL
	return ledger.NewCachedTokenSource(func(ctx context.Context) (string, error) {
		if tokenURL == "" {
			return "", nil // unauthenticated ledger
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned %s", resp.Status)
		}
		var body struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.AccessToken, nil
	})
}
