// Package fileupdater implements the file updater state machine: Rule
// A (missing canonical file → full history download), Rule B (pre-run
// open-price fix), and Rule C (bar rollover rewrite), matching
// data_service/file_update_loop.py's three-rule poll loop.
package fileupdater

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barcache"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/bus"
	"github.com/arai-quant/barrunner/internal/collector"
	"github.com/arai-quant/barrunner/internal/config"
	"github.com/arai-quant/barrunner/internal/obs"
	"github.com/arai-quant/barrunner/internal/provider"
)

// Config configures one symbol's file updater loop.
type Config struct {
	Key          bar.SymbolKey
	OhlcvPath    string
	TomlPath     string
	PollInterval time.Duration // default 100ms

	Store      *barfile.Store
	Cache      *barcache.Cache
	Buf        *collector.Buffer
	Downloader provider.HistoryDownloader

	// HistorySinceMs resolves history_since to an absolute ms
	// timestamp, or 0 if there is none configured (falls through to
	// the default window).
	HistorySinceMs int64

	// OnPrerunReady / OnRunReady are called synchronously from the
	// poll loop whenever the corresponding lifecycle event fires.
	OnPrerunReady func(bus.PrerunReadyPayload)
	OnRunReady    func(bus.RunReadyPayload)

	// OnPrerunReadyAfterHistoryDownload is called once the startup
	// sequence or Rule A's full-history download completes; it is the
	// Pending Lifecycle Event of spec §3, held durably by the bus hub
	// until a runner ACKs it.
	OnPrerunReadyAfterHistoryDownload func(bus.PrerunReadyPayload)
}

// preRunScriptFraction is the original's pre_run_script_time = timeframe_ms/2.
const preRunScriptFraction = 2

// Updater runs one symbol's Rule A/B/C state machine.
type Updater struct {
	cfg Config
	log zerolog.Logger

	fixedOpenPrice     float64
	openFixDone        bool
	prerunSentForBarTS *int64
	historyDownloadDone bool
	firstFetchAfterDownload bool
}

// New builds an Updater for cfg.
func New(cfg Config, w io.Writer) *Updater {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	log := obs.WithSymbol(obs.NewLogger("fileupdater", w, false), cfg.Key.Provider, cfg.Key.Exchange, cfg.Key.Symbol, cfg.Key.Timeframe.String())
	return &Updater{cfg: cfg, log: log}
}

// Run performs the cache-aware startup sequence once, then polls until
// ctx is cancelled. At most one lifecycle event is emitted per tick,
// matching the spec's "at most one lifecycle event per File-Updater
// tick" invariant.
func (u *Updater) Run(ctx context.Context) error {
	if err := u.startup(ctx); err != nil {
		u.log.Error().Err(err).Msg("fileupdater: startup sequence failed, falling back to rule A on next tick")
	}

	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := u.tick(ctx); err != nil {
				u.log.Error().Err(err).Msg("fileupdater: tick failed")
			}
		}
	}
}

// startup implements the spec's §4.3 "Startup sequence": if the cache
// already has data for this key, it's a warm start (regenerate the
// symbol-info toml if missing, backfill any gap older than the
// resolved history_since, refresh the tail, export cache -> file, and
// stage the pending_prerun_ready_after_history_download event).
// Otherwise it clears any stale canonical/toml files and leaves the
// download to Rule A on the next tick, matching
// data_service/file_update_loop.py's startup branch.
func (u *Updater) startup(ctx context.Context) error {
	hasData, err := u.cfg.Cache.HasData(ctx, u.cfg.Key)
	if err != nil {
		return fmt.Errorf("fileupdater: startup HasData: %w", err)
	}
	if !hasData {
		if err := u.cfg.Store.Remove(); err != nil {
			return fmt.Errorf("fileupdater: startup remove stale file: %w", err)
		}
		if err := os.Remove(u.cfg.TomlPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fileupdater: startup remove stale toml: %w", err)
		}
		return nil
	}

	if err := u.regenerateSymbolInfoIfMissing(); err != nil {
		return fmt.Errorf("fileupdater: startup regenerate symbol info: %w", err)
	}

	desiredMs := u.cfg.HistorySinceMs
	if desiredMs == 0 {
		desiredMs = time.Now().Add(-provider.DefaultHistoryWindow(u.cfg.Key.Timeframe)).UnixMilli()
	}
	desiredTS := desiredMs / 1000

	minTS, err := u.cfg.Cache.MinTS(ctx, u.cfg.Key)
	if err != nil {
		return fmt.Errorf("fileupdater: startup MinTS: %w", err)
	}
	if desiredTS < minTS {
		if err := u.downloadRangeIntoCache(ctx, desiredTS*1000, minTS*1000); err != nil {
			return fmt.Errorf("fileupdater: startup backfill: %w", err)
		}
	}

	lastTS, err := u.cfg.Cache.LastTS(ctx, u.cfg.Key)
	if err != nil {
		return fmt.Errorf("fileupdater: startup LastTS: %w", err)
	}
	tfMs := u.cfg.Key.Timeframe.Millis()
	if err := u.downloadRangeIntoCache(ctx, lastTS*1000-tfMs, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("fileupdater: startup refresh tail: %w", err)
	}

	var oldStartTS int64
	if size, _ := u.cfg.Store.Size(); size > 0 {
		oldStartTS, _ = u.cfg.Store.FirstTimestamp()
	}
	if oldStartTS != 0 && oldStartTS != desiredTS {
		if err := u.cfg.Cache.ExportToFileSince(ctx, u.cfg.Key, u.cfg.Store, desiredTS); err != nil {
			return fmt.Errorf("fileupdater: startup export-since: %w", err)
		}
	} else {
		if err := u.cfg.Cache.ExportToFile(ctx, u.cfg.Key, u.cfg.Store); err != nil {
			return fmt.Errorf("fileupdater: startup export: %w", err)
		}
	}

	u.historyDownloadDone = true
	u.firstFetchAfterDownload = false
	obs.FileUpdaterRuns.WithLabelValues(u.cfg.Key.Symbol, "startup").Inc()
	u.log.Info().Msg("fileupdater: cache warm-start complete")
	return u.stagePendingPrerun(ctx)
}

// regenerateSymbolInfoIfMissing writes a fresh symbol-info toml derived
// from the configured Symbol Key if one doesn't already sit beside the
// canonical file.
func (u *Updater) regenerateSymbolInfoIfMissing() error {
	if _, err := os.Stat(u.cfg.TomlPath); err == nil {
		return nil
	}
	si := &config.SymbolInfo{
		Provider:  u.cfg.Key.Provider,
		Exchange:  u.cfg.Key.Exchange,
		Symbol:    u.cfg.Key.Symbol,
		Timeframe: u.cfg.Key.Timeframe.String(),
	}
	return config.SaveSymbolInfo(u.cfg.TomlPath, si)
}

// downloadRangeIntoCache fetches [sinceMs, untilMs] from the provider
// and upserts it into the cache at seconds resolution.
func (u *Updater) downloadRangeIntoCache(ctx context.Context, sinceMs, untilMs int64) error {
	bars, err := u.cfg.Downloader.DownloadRange(ctx, u.cfg.Key.Symbol, u.cfg.Key.Timeframe, sinceMs, untilMs)
	if err != nil {
		return err
	}
	seconds := make([]bar.Bar, len(bars))
	for i, b := range bars {
		seconds[i] = b.ToSeconds()
	}
	return u.cfg.Cache.UpsertBars(ctx, u.cfg.Key, seconds)
}

// stagePendingPrerun reads the last two bars now sitting in the
// canonical file and hands them to
// OnPrerunReadyAfterHistoryDownload, staging the durable pending
// lifecycle event (spec §3 "Pending Lifecycle Event").
func (u *Updater) stagePendingPrerun(ctx context.Context) error {
	last2, err := u.cfg.Store.LastTwo()
	if err != nil {
		return err
	}
	pair := make([]bus.BarPair, len(last2))
	for i, b := range last2 {
		pair[i] = barToPair(b.ToMillis())
	}
	if u.cfg.OnPrerunReadyAfterHistoryDownload != nil {
		u.cfg.OnPrerunReadyAfterHistoryDownload(bus.PrerunReadyPayload{
			OhlcvPath: u.cfg.OhlcvPath,
			TomlPath:  u.cfg.TomlPath,
			Bars:      pair,
		})
	}
	return nil
}

func (u *Updater) tick(ctx context.Context) error {
	if !u.cfg.Store.Exists() {
		return u.ruleA(ctx)
	}

	bars := u.cfg.Buf.Snapshot()
	switch {
	case len(bars) == 2:
		return u.ruleB(ctx, bars)
	case len(bars) >= 3:
		return u.ruleC(ctx, bars)
	default:
		return nil
	}
}

// ruleA handles the missing-file case: since is history_since, or the
// default window when history_since is unset; the start timestamp of a
// previous file is not carried over. It downloads full history and
// resets the pre-run/open-fix state so the next tick starts fresh.
func (u *Updater) ruleA(ctx context.Context) error {
	since := u.cfg.HistorySinceMs
	if since == 0 {
		since = time.Now().Add(-provider.DefaultHistoryWindow(u.cfg.Key.Timeframe)).UnixMilli()
	}

	if err := u.cfg.Downloader.DownloadHistory(ctx, u.cfg.Key.Symbol, u.cfg.Key.Timeframe, since, u.cfg.OhlcvPath); err != nil {
		u.log.Error().Err(err).Msg("fileupdater: history download failed")
		return err
	}
	if err := u.cfg.Cache.ImportFromFile(ctx, u.cfg.Key, u.cfg.Store); err != nil {
		return err
	}

	u.historyDownloadDone = true
	u.firstFetchAfterDownload = false
	u.fixedOpenPrice = 0
	u.openFixDone = false
	u.prerunSentForBarTS = nil

	obs.FileUpdaterRuns.WithLabelValues(u.cfg.Key.Symbol, "a").Inc()
	u.log.Info().Msg("fileupdater: rule A full history download complete")
	return u.stagePendingPrerun(ctx)
}

// ruleB handles the pre-run open-price fix: when exactly two bars are
// buffered (confirmed, in-progress) and we're at least half a
// timeframe into the in-progress bar, patch the confirmed bar's open if
// it disagrees with the previous bar's close and emit prerun_ready.
func (u *Updater) ruleB(ctx context.Context, liveBars []bar.Bar) error {
	if !u.historyDownloadDone {
		return nil
	}
	if u.openFixDone {
		return nil
	}

	confirmed, newBar := liveBars[0], liveBars[1]
	tfMs := u.cfg.Key.Timeframe.Millis()
	preRunAt := newBar.TS + tfMs/preRunScriptFraction
	if time.Now().UnixMilli() < preRunAt {
		return nil
	}

	var err error
	if !u.firstFetchAfterDownload {
		err = u.fetchAndUpdate(ctx)
		u.firstFetchAfterDownload = true
	} else {
		u.fixedOpenPrice, err = u.fixLastOpenIfNeeded(ctx)
	}
	if err != nil {
		return err
	}
	u.openFixDone = true

	if u.fixedOpenPrice > 0 {
		confirmed.Open = u.fixedOpenPrice
	}

	if u.prerunSentForBarTS != nil && *u.prerunSentForBarTS == newBar.TS {
		return nil
	}
	ts := newBar.TS
	u.prerunSentForBarTS = &ts

	if u.cfg.OnPrerunReady != nil {
		u.cfg.OnPrerunReady(bus.PrerunReadyPayload{
			OhlcvPath: u.cfg.OhlcvPath,
			TomlPath:  u.cfg.TomlPath,
			Bars:      []bus.BarPair{barToPair(confirmed), barToPair(newBar)},
		})
	}
	obs.FileUpdaterRuns.WithLabelValues(u.cfg.Key.Symbol, "b").Inc()
	return nil
}

// ruleC handles the bar rollover: the buffer now holds (at least)
// confirmed, new, and a further in-progress bar; keep the last two
// live, seek+truncate+write into the canonical file, and emit
// run_ready if the file actually grew.
func (u *Updater) ruleC(ctx context.Context, liveBars []bar.Bar) error {
	if !u.historyDownloadDone {
		return nil
	}

	tail := liveBars[len(liveBars)-2:]
	u.cfg.Buf.Seed(tail)
	confirmed, newBar := tail[0], tail[1]

	if u.fixedOpenPrice > 0 {
		confirmed.Open = u.fixedOpenPrice
	}

	incremented, err := u.updateFile(ctx, confirmed, newBar)
	u.fixedOpenPrice = 0
	u.openFixDone = false
	u.prerunSentForBarTS = nil
	if err != nil {
		return err
	}

	if incremented > 0 {
		if err := u.cfg.Cache.UpsertBars(ctx, u.cfg.Key, []bar.Bar{confirmed.ToSeconds(), newBar.ToSeconds()}); err != nil {
			return err
		}
		if u.cfg.OnRunReady != nil {
			u.cfg.OnRunReady(bus.RunReadyPayload{
				OhlcvPath: u.cfg.OhlcvPath,
				TomlPath:  u.cfg.TomlPath,
				Bars:      []bus.BarPair{barToPair(confirmed), barToPair(newBar)},
			})
		}
	}
	obs.FileUpdaterRuns.WithLabelValues(u.cfg.Key.Symbol, "c").Inc()
	return nil
}

// fixLastOpenIfNeeded compares the last bar's open against the
// previous bar's close and, on mismatch, overwrites it in place,
// keeping high/low/close/volume, matching ohlcv_io.py's
// fix_last_open_if_needed. It returns the fixed open price, or 0 if no
// fix was needed.
func (u *Updater) fixLastOpenIfNeeded(ctx context.Context) (float64, error) {
	last2, err := u.cfg.Store.LastTwo()
	if err != nil {
		return 0, err
	}
	if len(last2) < 2 {
		return 0, nil
	}
	prev, last := last2[0], last2[1]
	if last.Open == prev.Close {
		return 0, nil
	}
	size, err := u.cfg.Store.Size()
	if err != nil {
		return 0, err
	}
	fixed := bar.Bar{TS: last.TS, Open: prev.Close, High: last.High, Low: last.Low, Close: last.Close, Volume: last.Volume}
	if _, err := u.cfg.Store.OverwriteAt(size-1, fixed); err != nil {
		return 0, err
	}
	return prev.Close, nil
}

// fetchAndUpdate fetches candles since the file's last bar and passes
// only the last two fetched bars to updateFile, matching
// fetch_and_update_ohlcv_data's "since last_timestamp - one interval"
// refetch window.
func (u *Updater) fetchAndUpdate(ctx context.Context) error {
	lastTS, err := u.cfg.Store.LastTimestamp()
	if err != nil {
		return err
	}
	tfMs := u.cfg.Key.Timeframe.Millis()
	sinceMs := lastTS*1000 - tfMs
	bars, err := u.cfg.Downloader.DownloadRange(ctx, u.cfg.Key.Symbol, u.cfg.Key.Timeframe, sinceMs, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if len(bars) < 2 {
		return nil
	}
	_, err = u.updateFile(ctx, bars[len(bars)-2], bars[len(bars)-1])
	return err
}

// updateFile writes confirmed then new: a bar whose timestamp equals
// the file's last record overwrites that record, any other bar is
// appended. It returns the total incremental record-count delta,
// matching ohlcv_io.py's update_ohlcv_data. bars are passed in
// millisecond resolution; they are converted to seconds before being
// compared against the file's on-disk timestamps.
func (u *Updater) updateFile(ctx context.Context, confirmed, newBar bar.Bar) (int, error) {
	originalSize, err := u.cfg.Store.Size()
	if err != nil {
		return 0, err
	}

	lastTS, err := u.cfg.Store.LastTimestamp()
	if err != nil {
		return 0, err
	}

	for _, b := range []bar.Bar{confirmed, newBar} {
		sb := b.ToSeconds()
		if sb.TS == lastTS {
			size, err := u.cfg.Store.Size()
			if err != nil {
				return 0, err
			}
			if _, err := u.cfg.Store.OverwriteAt(size-1, sb); err != nil {
				return 0, err
			}
		} else {
			if err := u.cfg.Store.Append(sb); err != nil {
				return 0, err
			}
			lastTS = sb.TS
		}
	}

	newSize, err := u.cfg.Store.Size()
	if err != nil {
		return 0, err
	}
	return newSize - originalSize, nil
}

func barToPair(b bar.Bar) bus.BarPair {
	return bus.BarPair{TS: b.TS, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
}
