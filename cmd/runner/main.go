// Command runner runs the Runner Service (R): it dials the data
// service's bus, replays pre-run history into a fresh Run Context on
// every prerun_ready, and advances the live strategy by one bar on
// every run_ready.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/bus"
	"github.com/arai-quant/barrunner/internal/config"
	"github.com/arai-quant/barrunner/internal/obs"
	"github.com/arai-quant/barrunner/internal/runnerctx"
	"github.com/arai-quant/barrunner/internal/runnerctx/teststrategy"
)

func main() {
	configPath, envPath, dataServiceAddr := parseFlags()

	log := obs.NewLogger("runner", os.Stdout, true)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("runner: load config")
	}
	_ = config.LoadSecrets(envPath)

	addr := cfg.Realtime.DataServiceAddr
	if dataServiceAddr != "" {
		addr = dataServiceAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr + "/ws"
	}

	tf, err := bar.ParseTimeframe(cfg.Realtime.Timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("runner: parse timeframe")
	}

	orch := &runnerctx.Orchestrator{
		NewStrategy: func() runnerctx.Strategy { return teststrategy.New() },
		TfMillis:    tf.Millis(),
		Log:         log,
	}

	hashPath := config.ScriptHashPath(cfg.Realtime.ScriptName)

	var dialer *bus.Dialer
	dialer = bus.NewDialer(addr, func(env bus.Envelope) {
		handleEnvelope(log, orch, dialer, cfg.Realtime.ScriptName, hashPath, env)
	})
	dialer.OnConnect = func() {
		checkScriptChangeOnConnect(log, dialer, orch, cfg.Realtime.ScriptName, hashPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- dialer.Run(ctx) }()

	if err := dialer.Send(bus.Envelope{Type: bus.MsgClientHello}); err != nil {
		log.Warn().Err(err).Msg("runner: initial client_hello failed, dialer will retry on reconnect")
	}

	log.Info().Str("symbol", cfg.Realtime.Symbol).Str("data_service_addr", addr).Msg("runner: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("runner: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("runner: dialer exited")
		}
	}
	cancel()
}

func parseFlags() (configPath, envPath, dataServiceAddr string) {
	args := os.Args[1:]
	configPath, envPath = "realtime_trade.toml", ".env"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "-env":
			if i+1 < len(args) {
				envPath = args[i+1]
				i++
			}
		case "-data-service-addr":
			if i+1 < len(args) {
				dataServiceAddr = args[i+1]
				i++
			}
		}
	}
	return configPath, envPath, dataServiceAddr
}

// handleEnvelope dispatches one inbound bus frame, matching
// runner_service/main.py's ws_loop event switch.
func handleEnvelope(log zerolog.Logger, orch *runnerctx.Orchestrator, dialer *bus.Dialer, scriptPath, hashPath string, env bus.Envelope) {
	switch env.Type {
	case bus.MsgPrerunReadyAfterHistoryDownload:
		payload, ok := decode[bus.PrerunReadyPayload](env.Payload)
		if !ok {
			return
		}
		lastBarIndex, err := orch.HandlePrerunReady(payload, loadSymbolInfo(log, payload.TomlPath), true)
		if err != nil {
			log.Error().Err(err).Msg("runner: prerun_ready_after_history_download failed")
			return
		}
		_ = dialer.Send(bus.Envelope{Type: bus.MsgLastBarOpenFix, Payload: bus.BarOpenFixRequestPayload{LastBarIndex: lastBarIndex}})
		_ = dialer.Send(bus.Envelope{Type: bus.MsgAckPrerunReadyAfterHistoryDownload})

	case bus.MsgPrerunReady:
		payload, ok := decode[bus.PrerunReadyPayload](env.Payload)
		if !ok {
			return
		}
		lastBarIndex, err := orch.HandlePrerunReady(payload, loadSymbolInfo(log, payload.TomlPath), false)
		if err != nil {
			log.Error().Err(err).Msg("runner: prerun_ready failed")
			return
		}
		// Safety-check script-change detection, matching §4.6's "repeat
		// inside the prerun handler as a safety check": compare against
		// the persisted hashes BEFORE overwriting them, then rewrite.
		changed := runnerctx.HasChanged(scriptPath, hashPath)
		if hashes, err := runnerctx.ComputeScriptHashes(scriptPath); err == nil {
			_ = runnerctx.WriteScriptHashes(hashPath, hashes)
		}
		title := scriptTitle(scriptPath)
		_ = dialer.Send(bus.Envelope{Type: bus.MsgScriptInfo, Payload: bus.ScriptInfoPayload{Title: title}})
		_ = dialer.Send(bus.Envelope{Type: bus.MsgLastBarOpenFix, Payload: bus.BarOpenFixRequestPayload{LastBarIndex: lastBarIndex}})
		if changed {
			_ = dialer.Send(bus.Envelope{Type: bus.MsgScriptModified})
		}

	case bus.MsgRunReady:
		payload, ok := decode[bus.RunReadyPayload](env.Payload)
		if !ok {
			return
		}
		if err := orch.HandleRunReady(payload); err != nil {
			log.Error().Err(err).Msg("runner: run_ready failed")
		}

	case bus.MsgLastBarOpenFix:
		// Informational: the data service already patched the canonical
		// file; nothing for the runner to do beyond logging.
		log.Debug().Msg("runner: last_bar_open_fix received")
	}
}

// checkScriptChangeOnConnect runs the "on connect" half of §4.6's
// script-change detection: on mismatch it sends reset_history, tears
// down any live Run Context (the strategy it was built from is stale),
// and rewrites the persisted hash file, matching
// runner_service/script_hash.py's connect-time check.
func checkScriptChangeOnConnect(log zerolog.Logger, dialer *bus.Dialer, orch *runnerctx.Orchestrator, scriptPath, hashPath string) {
	if !runnerctx.HasChanged(scriptPath, hashPath) {
		return
	}
	log.Info().Msg("runner: script changed since last connect, resetting history")
	orch.Reset()
	if err := dialer.Send(bus.Envelope{Type: bus.MsgResetHistory}); err != nil {
		log.Warn().Err(err).Msg("runner: send reset_history failed")
	}
	if hashes, err := runnerctx.ComputeScriptHashes(scriptPath); err == nil {
		_ = runnerctx.WriteScriptHashes(hashPath, hashes)
	}
}

// loadSymbolInfo reads the per-symbol TOML D wrote beside the
// canonical file. A missing or unreadable file falls back to the zero
// value rather than failing the lifecycle event: the strategy still
// advances, just without price-scale/min-move sizing hints.
func loadSymbolInfo(log zerolog.Logger, tomlPath string) runnerctx.SymbolInfo {
	si, err := config.LoadSymbolInfo(tomlPath)
	if err != nil {
		log.Warn().Err(err).Str("toml_path", tomlPath).Msg("runner: load symbol info")
		return runnerctx.SymbolInfo{}
	}
	return runnerctx.SymbolInfo{
		Symbol:     si.Symbol,
		Timeframe:  si.Timeframe,
		PriceScale: si.PriceScale,
		MinMove:    si.MinMove,
		MinQty:     si.MinQty,
	}
}

func scriptTitle(scriptPath string) string {
	base := scriptPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			return base[i+1:]
		}
	}
	return base
}

// decode round-trips env.Payload (an any from json.Unmarshal) through
// JSON into T, since bus.Envelope.Payload decodes as map[string]any
// before the caller knows which concrete type it should be.
func decode[T any](payload any) (T, bool) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
