// Command dataservice runs the Data Service (D): it collects trades
// from the exchange, aggregates them into bars, fixes gaps, keeps the
// canonical bar file and SQLite cache current, and serves the bus
// protocol to runners plus the UI fan-out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arai-quant/barrunner/internal/alert"
	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barcache"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/bus"
	"github.com/arai-quant/barrunner/internal/collector"
	"github.com/arai-quant/barrunner/internal/config"
	"github.com/arai-quant/barrunner/internal/fileupdater"
	"github.com/arai-quant/barrunner/internal/hotcache"
	"github.com/arai-quant/barrunner/internal/obs"
	"github.com/arai-quant/barrunner/internal/provider"
	"github.com/arai-quant/barrunner/internal/webapi"
)

func main() {
	configPath := flag.String("config", "realtime_trade.toml", "path to the realtime_trade.toml config file")
	envPath := flag.String("env", ".env", "path to the .env secrets file")
	dataDir := flag.String("data-dir", "data", "directory holding canonical bar files and the SQLite cache")
	staticDir := flag.String("static-dir", "", "directory of compiled chart UI assets, empty to disable /static")
	busAddr := flag.String("bus-addr", ":8081", "address the bus (runner-facing) server listens on")
	uiAddr := flag.String("ui-addr", ":8080", "address the UI fan-out server listens on")
	redisAddr := flag.String("redis-addr", "", "optional hotcache Redis address, empty disables it")
	binanceHTTP := flag.String("binance-http", "https://api.binance.com", "Binance REST base URL")
	binanceWS := flag.String("binance-ws", "wss://stream.binance.com:9443/ws", "Binance websocket base URL")
	flag.Parse()

	log := obs.NewLogger("dataservice", os.Stdout, true)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("dataservice: load config")
	}
	secrets := config.LoadSecrets(*envPath)

	tf, err := bar.ParseTimeframe(cfg.Realtime.Timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("dataservice: parse timeframe")
	}
	key := bar.SymbolKey{
		Provider:  cfg.Realtime.Provider,
		Exchange:  cfg.Realtime.Exchange,
		Symbol:    cfg.Realtime.Symbol,
		Timeframe: tf,
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("dataservice: create data dir")
	}
	stem := config.CanonicalFileStem(key.Provider, key.Exchange, key.Symbol, key.Timeframe.Key())
	ohlcvPath := config.CanonicalFilePath(*dataDir, stem)
	tomlPath := config.SymbolInfoPath(*dataDir, stem)
	store := barfile.Open(ohlcvPath)

	cache, err := barcache.Open(filepath.Join(*dataDir, "barcache.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("dataservice: open barcache")
	}
	defer cache.Close()

	var hot *hotcache.Cache
	if *redisAddr != "" {
		hot = hotcache.New(*redisAddr, 500)
		defer hot.Close()
	}

	client := provider.NewRESTClient(*binanceHTTP, *binanceWS, 10)
	defer client.Close()

	buf := collector.NewBuffer()
	if store.Exists() {
		if bars, err := store.ReadTail(2); err == nil {
			seeded := make([]bar.Bar, len(bars))
			for i, b := range bars {
				seeded[i] = b.ToMillis()
			}
			buf.Seed(seeded)
		}
	}

	senders := alert.Multi{}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		senders = append(senders, alert.NewWebhookSender(cfg.Webhook.URL))
	}
	if cfg.Webhook.TelegramNotification {
		senders = append(senders, alert.NewTelegramSender(secrets.BotToken, secrets.ChatID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	webHub := webapi.NewHub()
	go webHub.Run()
	webServer := webapi.NewServer(webHub, store, key, *dataDir, *staticDir, cfg)

	busHub := bus.NewHub(func(raw []byte) {
		// R -> D frames (ack_prerun_ready_after_history_download,
		// script_info, script_modified, reset_history, trade_entry,
		// trade_close, plot_options, plotchar) are forwarded to the UI
		// fan-out's in-memory histories and websocket subscribers,
		// matching §2's "receives strategy result events and forwards
		// them to UI subscribers".
		webServer.HandleBusFrame(raw)
	})
	go busHub.Run(ctx.Done())

	historySince := config.ResolveHistorySince(cfg.Realtime.HistorySince, tf.Unit == 'm' && tf.Multiplier == 1, time.Now().UTC())

	updater := fileupdater.New(fileupdater.Config{
		Key:            key,
		OhlcvPath:      ohlcvPath,
		TomlPath:       tomlPath,
		Store:          store,
		Cache:          cache,
		Buf:            buf,
		Downloader:     client,
		HistorySinceMs: historySince.UnixMilli(),
		OnPrerunReady: func(payload bus.PrerunReadyPayload) {
			if err := busHub.Send(bus.MsgPrerunReady, payload); err != nil {
				log.Error().Err(err).Msg("dataservice: send prerun_ready")
			}
		},
		OnPrerunReadyAfterHistoryDownload: func(payload bus.PrerunReadyPayload) {
			if err := busHub.SendPending(payload); err != nil {
				log.Error().Err(err).Msg("dataservice: send prerun_ready_after_history_download")
			}
			if raw, err := json.Marshal(bus.Envelope{Type: bus.MsgPrerunReadyAfterHistoryDownload, Payload: payload}); err == nil {
				webServer.SetPendingPrerun(raw)
			}
		},
		OnRunReady: func(payload bus.RunReadyPayload) {
			if err := busHub.Send(bus.MsgRunReady, payload); err != nil {
				log.Error().Err(err).Msg("dataservice: send run_ready")
			}
			if hot != nil && len(payload.Bars) > 0 {
				last := payload.Bars[len(payload.Bars)-1]
				_ = hot.SetLatest(ctx, key, bar.Bar{
					TS: last.TS, Open: last.Open, High: last.High,
					Low: last.Low, Close: last.Close, Volume: last.Volume,
				})
			}
		},
	}, os.Stdout)

	coll := collector.NewCollector(key, client, buf, os.Stdout)
	gapFixer := collector.NewGapFixer(key, client, buf, os.Stdout)

	errCh := make(chan error, 8)
	go func() { errCh <- coll.Run(ctx) }()
	go func() { errCh <- gapFixer.Run(ctx) }()
	go func() { errCh <- updater.Run(ctx) }()

	busServer := &http.Server{Addr: *busAddr, Handler: http.HandlerFunc(busHub.ServeHTTP)}
	uiServer := &http.Server{Addr: *uiAddr, Handler: webServer.Routes()}
	go func() { errCh <- busServer.ListenAndServe() }()
	go func() { errCh <- uiServer.ListenAndServe() }()

	log.Info().
		Str("symbol", key.String()).
		Str("bus_addr", *busAddr).
		Str("ui_addr", *uiAddr).
		Msg("dataservice: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("dataservice: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled && err != http.ErrServerClosed {
			if sendErr := senders.Send(context.Background(), alert.Alert{
				Title:   "dataservice crashed",
				Message: fmt.Sprintf("%s: %v", key.String(), err),
			}); sendErr != nil {
				log.Error().Err(sendErr).Msg("dataservice: send crash alert")
			}
			log.Fatal().Err(err).Msg("dataservice: fatal component error")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = busServer.Shutdown(shutdownCtx)
	_ = uiServer.Shutdown(shutdownCtx)
}
