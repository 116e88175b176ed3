package webapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/bus"
	"github.com/arai-quant/barrunner/internal/config"
	"github.com/arai-quant/barrunner/internal/obs"
)

// tradeEvent is one row appended to the in-memory trade log, mirroring
// what data_service/api.py's /api/trades reads back from the running
// process rather than from disk.
type tradeEvent struct {
	Type  string         `json:"type"`
	Title string         `json:"title"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Server exposes the read-only UI surface plus the /ws bus bridge. It
// holds no business logic of its own: every handler reads the
// canonical file, the symbol info TOML, or a small in-memory log the
// bus hub appends to as events are broadcast.
type Server struct {
	Hub *Hub

	Store      *barfile.Store
	Key        bar.SymbolKey
	DataDir    string
	StaticDir  string
	Cfg        *config.Config

	mu          sync.RWMutex
	trades      []tradeEvent
	plotOptions map[string]bus.PlotOptions
	plotChars   []bus.PlotDataPoint

	pendingMu     sync.Mutex
	pendingPrerun []byte

	log zerolog.Logger
}

const maxTradeLogEntries = 1000

// NewServer builds a Server. staticDir may be empty, in which case
// /static/{file} always 404s, matching a UI-less deployment.
func NewServer(hub *Hub, store *barfile.Store, key bar.SymbolKey, dataDir, staticDir string, cfg *config.Config) *Server {
	return &Server{
		Hub:         hub,
		Store:       store,
		Key:         key,
		DataDir:     dataDir,
		StaticDir:   staticDir,
		Cfg:         cfg,
		plotOptions: make(map[string]bus.PlotOptions),
		log:         obs.NewLogger("webapi", nil, false),
	}
}

// Routes returns the mux the caller should hand to http.Server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ohlcv", s.handleOHLCV)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/plotchar", s.handlePlotChar)
	mux.HandleFunc("/api/plot", s.handlePlot)
	mux.HandleFunc("/api/info", s.handleInfo)
	mux.HandleFunc("/api/webhook-config", s.handleWebhookConfig)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/static/", s.handleStatic)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleOHLCV returns the tail of the canonical bar file as JSON,
// matching /api/ohlcv's "empty array when the file doesn't exist yet"
// semantics rather than a 404.
func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if !s.Store.Exists() {
		writeJSON(w, []bar.Bar{})
		return
	}
	bars, err := s.Store.ReadTail(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bars)
}

// handleTrades returns the in-memory trade_entry/trade_close log.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, s.trades)
}

// handlePlotChar returns the accumulated plotchar points.
func (s *Server) handlePlotChar(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, s.plotChars)
}

// handlePlot reads the plot CSV for the running script and returns it
// as {title: [{time, value}]}, matching the original's CSV-backed
// plot_data source. An absent file yields an empty object.
func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	scriptStem := strings.TrimSuffix(filepath.Base(s.Cfg.Realtime.ScriptName), filepath.Ext(s.Cfg.Realtime.ScriptName))
	path := config.PlotCSVPath(s.DataDir, scriptStem)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		writeJSON(w, map[string]any{})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := readPlotCSV(rows)
	writeJSON(w, out)
}

// readPlotCSV expects a header row "time,<title1>,<title2>,..." and one
// row per bar index; an empty cell means no value for that title at
// that time.
func readPlotCSV(rows [][]string) map[string][]bus.PlotDataPoint {
	out := make(map[string][]bus.PlotDataPoint)
	if len(rows) < 1 {
		return out
	}
	titles := rows[0][1:]
	for _, title := range titles {
		out[title] = nil
	}
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		for i, title := range titles {
			col := i + 1
			if col >= len(row) || row[col] == "" {
				out[title] = append(out[title], bus.PlotDataPoint{Time: ts})
				continue
			}
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				out[title] = append(out[title], bus.PlotDataPoint{Time: ts})
				continue
			}
			out[title] = append(out[title], bus.PlotDataPoint{Time: ts, Value: &v})
		}
	}
	return out
}

// handleInfo returns the symbol info TOML content, or, when that file
// does not exist, the realtime config's identifying fields instead.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	stem := config.CanonicalFileStem(s.Key.Provider, s.Key.Exchange, s.Key.Symbol, s.Key.Timeframe.Key())
	infoPath := config.SymbolInfoPath(s.DataDir, stem)
	si, err := config.LoadSymbolInfo(infoPath)
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(w, map[string]any{
			"provider":  s.Key.Provider,
			"exchange":  s.Key.Exchange,
			"symbol":    s.Key.Symbol,
			"timeframe": s.Key.Timeframe.String(),
		})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, si)
}

// handleWebhookConfig GETs or POSTs the [webhook] section of the
// running config. A POST saves the new section to the config file; the
// alert senders built at data service startup are not rebuilt.
func (s *Server) handleWebhookConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.Cfg.Webhook)
	case http.MethodPost:
		var body config.WebhookConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		s.Cfg.Webhook = body
		if err := s.Cfg.Save(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, s.Cfg.Webhook)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWS upgrades the connection and dispatches inbound frames the
// way data_service/main.py's ws_endpoint does: reset_history clears the
// in-memory trade/plot histories, trade/plot_options/plotchar frames
// are recorded in them, and every frame is then broadcast to all UI
// clients, the sender included. Any
// outstanding pending-prerun event is pushed immediately on connect,
// matching §4.7's "on connect, the pending-prerun event is pushed if
// present".
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.pendingMu.Lock()
	initial := s.pendingPrerun
	s.pendingMu.Unlock()
	if err := s.Hub.ServeWS(w, r, initial, s.onInboundMessage); err != nil {
		s.log.Warn().Err(err).Msg("webapi: websocket upgrade failed")
	}
}

// SetPendingPrerun records raw as the outstanding prerun_ready_after_history_download
// envelope to replay to freshly connected UI clients, mirroring the bus
// hub's own pending-event slot.
func (s *Server) SetPendingPrerun(raw []byte) {
	s.pendingMu.Lock()
	s.pendingPrerun = raw
	s.pendingMu.Unlock()
}

// ClearPendingPrerun drops the outstanding pending-prerun event, called
// once a runner acks it over the bus.
func (s *Server) ClearPendingPrerun() {
	s.pendingMu.Lock()
	s.pendingPrerun = nil
	s.pendingMu.Unlock()
}

// HandleBusFrame processes a frame received from a runner over the D<->R
// bus (as opposed to the UI-facing /ws), applying the same
// state-update-then-broadcast handling so runner-originated strategy
// outputs reach UI subscribers, matching §2's "receives strategy result
// events and forwards them to UI subscribers".
func (s *Server) HandleBusFrame(raw []byte) {
	var env bus.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type == bus.MsgAckPrerunReadyAfterHistoryDownload {
		s.ClearPendingPrerun()
	}
	s.onInboundMessage(raw)
}

func (s *Server) onInboundMessage(raw []byte) {
	var env bus.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	switch env.Type {
	case bus.MsgTradeEntry, bus.MsgTradeClose:
		var payload bus.TradeEventPayload
		if b, err := json.Marshal(env.Payload); err == nil {
			_ = json.Unmarshal(b, &payload)
		}
		s.mu.Lock()
		s.trades = append(s.trades, tradeEvent{Type: string(env.Type), Title: payload.Title, Extra: payload.Extra})
		if len(s.trades) > maxTradeLogEntries {
			s.trades = s.trades[len(s.trades)-maxTradeLogEntries:]
		}
		s.mu.Unlock()
		s.Hub.Broadcast(raw)

	case bus.MsgPlotOptions:
		var payload bus.PlotOptionsPayload
		if b, err := json.Marshal(env.Payload); err == nil {
			_ = json.Unmarshal(b, &payload)
		}
		s.mu.Lock()
		for title, opts := range payload.Options {
			s.plotOptions[title] = opts
		}
		s.mu.Unlock()
		s.Hub.Broadcast(raw)

	case bus.MsgPlotChar:
		var point bus.PlotDataPoint
		if b, err := json.Marshal(env.Payload); err == nil {
			_ = json.Unmarshal(b, &point)
		}
		s.mu.Lock()
		s.plotChars = append(s.plotChars, point)
		s.mu.Unlock()
		s.Hub.Broadcast(raw)

	case bus.MsgResetHistory:
		s.mu.Lock()
		s.trades = nil
		s.plotOptions = make(map[string]bus.PlotOptions)
		s.plotChars = nil
		s.mu.Unlock()
		s.Hub.Broadcast(raw)

	default:
		s.Hub.Broadcast(raw)
	}
}

// handleStatic serves a single file out of StaticDir, matching
// data_service/ui.py's "serve compiled chart assets" endpoint.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	if name == "" || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}
	full := filepath.Join(s.StaticDir, name)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
