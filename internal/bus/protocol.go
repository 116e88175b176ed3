// Package bus implements the bidirectional ordered message protocol
// connecting the Data Service (D) and Runner Service (R): the D-side
// hub that fans lifecycle/bar events out to subscribed runners, and
// the R-side dialer that reconnects with backoff and keeps the
// connection alive.
package bus

// MsgType names every message the bus protocol carries.
type MsgType string

const (
	// D -> R lifecycle.
	MsgPrerunReadyAfterHistoryDownload MsgType = "prerun_ready_after_history_download"
	MsgPrerunReady                     MsgType = "prerun_ready"
	MsgRunReady                        MsgType = "run_ready"

	// D -> subscribers.
	MsgBar            MsgType = "bar"
	MsgTradeEntry     MsgType = "trade_entry"
	MsgTradeClose     MsgType = "trade_close"
	MsgPlotOptions    MsgType = "plot_options"
	MsgPlotData       MsgType = "plot_data"
	MsgPlotChar       MsgType = "plotchar"
	MsgLastBarOpenFix MsgType = "last_bar_open_fix"

	// R -> D.
	MsgAckPrerunReadyAfterHistoryDownload MsgType = "ack_prerun_ready_after_history_download"
	MsgScriptInfo                         MsgType = "script_info"
	MsgScriptModified                     MsgType = "script_modified"
	MsgResetHistory                       MsgType = "reset_history"
	MsgClientHello                        MsgType = "client_hello"
)

// BarPair is the [confirmed, new] pair carried by prerun_ready and
// run_ready payloads, timestamps in milliseconds.
type BarPair struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Envelope is the outer shape of every bus frame: a type tag plus a
// raw payload the caller decodes according to Type.
type Envelope struct {
	Type    MsgType `json:"type"`
	Payload any     `json:"payload,omitempty"`
}

// PrerunReadyPayload is D's payload for prerun_ready and
// prerun_ready_after_history_download.
type PrerunReadyPayload struct {
	OhlcvPath string    `json:"ohlcv_path"`
	TomlPath  string    `json:"toml_path"`
	Bars      []BarPair `json:"confirmed_bar_and_new_bar"`
}

// RunReadyPayload is D's payload for run_ready.
type RunReadyPayload struct {
	OhlcvPath string    `json:"ohlcv_path"`
	TomlPath  string    `json:"toml_path"`
	Bars      []BarPair `json:"confirmed_bar_and_new_bar"`
}

// LastBarOpenFixPayload carries the full OHLCV record D replies with
// when R reports it patched the open of its in-memory last bar.
type LastBarOpenFixPayload struct {
	LastBarIndex int     `json:"last_bar_index"`
	TS           int64   `json:"ts"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
}

// TradeEventPayload carries an entry or close event.
type TradeEventPayload struct {
	Title string         `json:"title"`
	Extra map[string]any `json:"extra,omitempty"`
}

// PlotOptionsPayload merges per-title plot styling.
type PlotOptionsPayload struct {
	Options map[string]PlotOptions `json:"options"`
	// ConfirmedBarIndex carries the runner's confirmed bar index. D
	// stores Options and rebroadcasts the frame; it does not read the
	// plot CSV or emit plot_data events from this field.
	ConfirmedBarIndex int `json:"confirmed_bar_index"`
}

// PlotOptions is one title's chart styling.
type PlotOptions struct {
	Color     string `json:"color"`
	LineWidth int    `json:"linewidth"`
	Style     string `json:"style"`
}

// PlotDataPayload is one title's series for the chart.
type PlotDataPayload struct {
	Title string        `json:"title"`
	Data  []PlotDataPoint `json:"data"`
}

// PlotDataPoint is one sample; Value is nil for an empty cell.
type PlotDataPoint struct {
	Time  int64    `json:"time"`
	Value *float64 `json:"value"`
}

// ScriptInfoPayload carries R's extracted script title.
type ScriptInfoPayload struct {
	Title string `json:"title"`
}

// BarOpenFixRequestPayload is R's last_bar_open_fix{last_bar_index}
// request.
type BarOpenFixRequestPayload struct {
	LastBarIndex int `json:"last_bar_index"`
}
