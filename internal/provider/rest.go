package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/obs"
)

func writeBarsToFile(dstPath string, bars []bar.Bar) error {
	store := barfile.Open(dstPath)
	seconds := make([]bar.Bar, len(bars))
	for i, b := range bars {
		seconds[i] = b.ToSeconds()
	}
	return store.Append(seconds...)
}

// RESTClient is a reference ExchangeClient/HistoryDownloader
// implementation against a generic REST+WS exchange surface, in the
// style of the teacher's binance.Client (gorilla/websocket stream with
// a read pump and heartbeat) combined with a REST candle endpoint. A
// real deployment swaps this for an exchange-specific client behind
// the same interfaces.
type RESTClient struct {
	baseHTTP string
	baseWS   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewRESTClient builds a client rate-limited to callsPerSecond REST
// calls, matching the provider-call-throttling role x/time/rate plays
// across the domain stack.
func NewRESTClient(baseHTTP, baseWS string, callsPerSecond float64) *RESTClient {
	return &RESTClient{
		baseHTTP: baseHTTP,
		baseWS:   baseWS,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

type tradeStreamMsg struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Time  int64  `json:"time"`
}

// WatchTrades dials baseWS/<symbol>@trade and forwards parsed trades to
// ch, reconnecting with backoff on error the way binance.Client.reconnect
// does, until ctx is cancelled.
func (c *RESTClient) WatchTrades(ctx context.Context, symbol string, ch chan<- Trade) error {
	defer close(ch)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.watchTradesOnce(ctx, symbol, ch); err != nil {
			obs.ProviderReconnects.WithLabelValues("rest", symbol).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *RESTClient) watchTradesOnce(ctx context.Context, symbol string, ch chan<- Trade) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	streamURL := fmt.Sprintf("%s/%s@trade", c.baseWS, symbol)
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("provider: dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("provider: read trade stream: %w", err)
		}
		var tm tradeStreamMsg
		if err := json.Unmarshal(msg, &tm); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(tm.Price, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(tm.Qty, 64)
		if err != nil {
			continue
		}
		select {
		case ch <- Trade{TS: tm.Time, Price: price, Size: qty}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FetchTime fetches server time from baseHTTP/time.
func (c *RESTClient) FetchTime(ctx context.Context) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.getJSON(ctx, c.baseHTTP+"/time", nil, &out); err != nil {
		return 0, fmt.Errorf("provider: fetch time: %w", err)
	}
	return out.ServerTime, nil
}

type candleRow [6]json.Number // ts, open, high, low, close, volume

// FetchCandles fetches bars since sinceMs from baseHTTP/klines.
func (c *RESTClient) FetchCandles(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs int64) ([]bar.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{
		"symbol":    {symbol},
		"interval":  {tf.String()},
		"startTime": {strconv.FormatInt(sinceMs, 10)},
	}
	var rows []candleRow
	if err := c.getJSON(ctx, c.baseHTTP+"/klines?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("provider: fetch candles: %w", err)
	}
	return rowsToBars(rows), nil
}

// DownloadHistory fetches the full history since sinceMs and writes it
// to dstPath via the canonical bar file writer, matching
// download_history's "stage then write" shape without an intermediate
// temp directory since the destination is already the final file.
func (c *RESTClient) DownloadHistory(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs int64, dstPath string) error {
	bars, err := c.FetchCandles(ctx, symbol, tf, sinceMs)
	if err != nil {
		return fmt.Errorf("provider: download history: %w", err)
	}
	return writeBarsToFile(dstPath, bars)
}

// DownloadRange fetches bars in [sinceMs, untilMs].
func (c *RESTClient) DownloadRange(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs, untilMs int64) ([]bar.Bar, error) {
	bars, err := c.FetchCandles(ctx, symbol, tf, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("provider: download range: %w", err)
	}
	out := bars[:0:0]
	for _, b := range bars {
		if b.TS <= untilMs {
			out = append(out, b)
		}
	}
	return out, nil
}

// Close is a no-op: RESTClient holds no persistent connections between
// calls besides the per-stream websocket managed inside WatchTrades.
func (c *RESTClient) Close() error { return nil }

func (c *RESTClient) getJSON(ctx context.Context, rawURL string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rowsToBars(rows []candleRow) []bar.Bar {
	out := make([]bar.Bar, 0, len(rows))
	for _, r := range rows {
		ts, _ := r[0].Int64()
		open, _ := r[1].Float64()
		high, _ := r[2].Float64()
		low, _ := r[3].Float64()
		closep, _ := r[4].Float64()
		vol, _ := r[5].Float64()
		out = append(out, bar.Bar{TS: ts, Open: open, High: high, Low: low, Close: closep, Volume: vol})
	}
	return out
}
