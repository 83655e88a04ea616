// Package engine drives the periodic image sync: it owns the run/stop state
// machine, the polling timer, the bounded concurrent dispatch of download
// workers, the retry schedule and the last-sync watermark.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/cleverdata/lens-agent/internal/download"
	"github.com/cleverdata/lens-agent/internal/manifest"
	"github.com/cleverdata/lens-agent/internal/retry"
	"github.com/rs/zerolog"
)

// State is the engine lifecycle state. There is no paused state;
// reconfiguration is stop-then-restart.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

var (
	// ErrAlreadyRunning is returned by Start on a running engine. Callers
	// that cannot react should log and ignore it.
	ErrAlreadyRunning = errors.New("sync engine already running")
	// ErrNotRunning is returned by ForceSyncNow on a stopped engine.
	ErrNotRunning = errors.New("sync engine not running")
)

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State           State
	ActiveDownloads int
	QueueDepth      int
}

// Fetcher queries the remote source for items changed since the watermark.
type Fetcher interface {
	FetchSince(ctx context.Context, watermark string, cfg config.SyncConfig) ([]manifest.ImageItem, error)
}

// Downloader transfers one item and reports its terminal outcome.
type Downloader interface {
	Download(ctx context.Context, item manifest.ImageItem, cfg config.SyncConfig) download.Outcome
}

// WatermarkStore persists the last-sync timestamp across restarts.
type WatermarkStore interface {
	Watermark() (string, error)
	SetWatermark(ts string) error
}

// runState pins everything a running period captures at start: the cycle
// context, the configuration and the shared download slot pool. Workers and
// retries dispatched under one runState never observe a config swap.
type runState struct {
	ctx context.Context
	cfg config.SyncConfig
	sem chan struct{}
}

// Engine is one sync engine instance. Construct with New; all methods are
// safe for concurrent use.
type Engine struct {
	fetch  Fetcher
	worker Downloader
	store  WatermarkStore
	log    zerolog.Logger

	mu       sync.Mutex // guards state, cfg, ledger, lifecycle fields
	reconfig sync.Mutex // serializes UpdateConfig's stop/swap/restart
	state    State
	cfg      config.SyncConfig
	ledger   *retry.Ledger

	cancel   context.CancelFunc
	loopDone chan struct{}
	forceCh  chan struct{}

	active         atomic.Int32 // downloads currently transferring
	queued         atomic.Int32 // items waiting for a download slot
	pendingRetries atomic.Int32 // retries scheduled or re-running

	retryMu     sync.Mutex
	retryTimers map[string]*time.Timer
}

// New builds a stopped engine. cfg must already be validated; New validates
// again and refuses a bad configuration.
func New(cfg config.SyncConfig, fetch Fetcher, worker Downloader, store WatermarkStore, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		fetch:       fetch,
		worker:      worker,
		store:       store,
		log:         log,
		cfg:         cfg,
		ledger:      retry.NewLedger(cfg.RetryAttempts),
		retryTimers: make(map[string]*time.Timer),
	}, nil
}

// Config returns the current configuration.
func (e *Engine) Config() config.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Status reports the current state and in-flight accounting.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return Status{
		State:           st,
		ActiveDownloads: int(e.active.Load()),
		QueueDepth:      int(e.queued.Load()),
	}
}

// LastSyncTimestamp returns the persisted watermark, or "" if the engine
// has never completed a cycle.
func (e *Engine) LastSyncTimestamp() (string, error) {
	return e.store.Watermark()
}

// Ledger exposes the retry ledger for status inspection.
func (e *Engine) Ledger() *retry.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger
}

// Start transitions Stopped -> Running, runs one immediate cycle and arms
// the repeating timer. On a running engine it logs and returns
// ErrAlreadyRunning.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		e.log.Warn().Msg("start ignored: engine already running")
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{
		ctx: ctx,
		cfg: e.cfg,
		sem: make(chan struct{}, e.cfg.MaxConcurrentDownloads),
	}
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.forceCh = make(chan struct{}, 1)
	e.state = Running

	e.log.Info().
		Int("interval_ms", rs.cfg.PollingIntervalMs).
		Int("concurrency", rs.cfg.MaxConcurrentDownloads).
		Msg("sync engine started")

	go e.loop(rs)
	return nil
}

// Stop cancels the timer and all in-flight work, then blocks until active
// downloads (including retry reruns) reach zero before transitioning to
// Stopped. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	loopDone := e.loopDone
	e.mu.Unlock()

	cancel()
	<-loopDone
	e.stopRetryTimers()

	// Polls the in-flight counters rather than blocking on a condition:
	// canceled workers unwind within their transport deadlines.
	for e.active.Load() > 0 || e.pendingRetries.Load() > 0 {
		time.Sleep(10 * time.Millisecond)
	}

	e.mu.Lock()
	e.state = Stopped
	e.mu.Unlock()
	e.log.Info().Msg("sync engine stopped")
}

// ForceSyncNow asks the running loop to run an extra cycle immediately. On
// a stopped engine it performs no work and returns ErrNotRunning.
func (e *Engine) ForceSyncNow() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		e.log.Warn().Msg("force sync ignored: engine not running")
		return ErrNotRunning
	}
	select {
	case e.forceCh <- struct{}{}:
	default: // a forced cycle is already queued
	}
	return nil
}

// RunOnce executes a single synchronous cycle and drains any retries it
// scheduled before returning. It is the background-trigger equivalent of
// ForceSyncNow for a process that does not keep the engine running, and
// refuses to overlap with a running engine.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	rs := &runState{
		ctx: ctx,
		cfg: e.cfg,
		sem: make(chan struct{}, e.cfg.MaxConcurrentDownloads),
	}
	e.mu.Unlock()

	err := e.cycle(rs)
	for e.active.Load() > 0 || e.pendingRetries.Load() > 0 {
		if ctx.Err() != nil {
			e.stopRetryTimers()
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

// UpdateConfig merges the partial over the current configuration and
// validates the result. On failure the prior configuration stays in effect.
// On success a running engine is stopped, reconfigured and restarted; the
// coverage gap during the restart is a documented limitation.
func (e *Engine) UpdateConfig(p config.Partial) error {
	e.reconfig.Lock()
	defer e.reconfig.Unlock()

	e.mu.Lock()
	merged := p.Apply(e.cfg)
	e.mu.Unlock()
	if err := merged.Validate(); err != nil {
		e.log.Error().Err(err).Msg("reconfiguration rejected")
		return err
	}

	e.mu.Lock()
	wasRunning := e.state == Running
	e.mu.Unlock()
	if wasRunning {
		e.Stop()
	}

	e.mu.Lock()
	if merged.RetryAttempts != e.cfg.RetryAttempts {
		e.ledger = retry.NewLedger(merged.RetryAttempts)
	}
	e.cfg = merged
	e.mu.Unlock()
	e.log.Info().Msg("configuration replaced")

	if wasRunning {
		return e.Start()
	}
	return nil
}

func (e *Engine) loop(rs *runState) {
	defer close(e.loopDone)

	if err := e.cycle(rs); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error().Err(err).Msg("sync cycle failed")
	}

	ticker := time.NewTicker(rs.cfg.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
		case <-e.forceCh:
		}
		if err := e.cycle(rs); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("sync cycle failed")
		}
	}
}

// itemResult is the terminal disposition of one initial-queue item within
// its cycle.
type itemResult int

const (
	resSuccess itemResult = iota
	resRetryScheduled
	resAbandoned
	resCancelled
)

// cycle runs fetch-manifest -> drain-queue -> advance-watermark once.
// Per-item failures never abort the cycle; only a manifest failure does,
// and the whole cycle is retried at the next tick.
func (e *Engine) cycle(rs *runState) error {
	watermark, err := e.store.Watermark()
	if err != nil {
		return err
	}

	items, err := e.fetch.FetchSince(rs.ctx, watermark, rs.cfg)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		e.log.Info().Str("since", watermark).Msg("no new images")
		return nil
	}

	ledger := e.Ledger()
	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[itemResult]int)
		maxTS   time.Time
	)
	record := func(r itemResult, ts time.Time) {
		resMu.Lock()
		results[r]++
		if ts.After(maxTS) {
			maxTS = ts
		}
		resMu.Unlock()
	}

	enqueued := 0
	for _, item := range items {
		if ledger.Abandoned(item.ID) {
			e.log.Debug().Str("id", item.ID).Msg("skipping abandoned item")
			record(resAbandoned, item.Timestamp)
			continue
		}
		enqueued++
		e.queued.Add(1)
		wg.Add(1)
		go func(item manifest.ImageItem) {
			defer wg.Done()
			select {
			case rs.sem <- struct{}{}:
			case <-rs.ctx.Done():
				e.queued.Add(-1)
				record(resCancelled, time.Time{})
				return
			}
			e.queued.Add(-1)
			res := e.runItem(rs, item, ledger)
			<-rs.sem
			if res == resCancelled {
				record(res, time.Time{})
			} else {
				record(res, item.Timestamp)
			}
		}(item)
	}
	e.log.Info().Int("items", enqueued).Str("since", watermark).Msg("cycle started")
	wg.Wait()

	resMu.Lock()
	defer resMu.Unlock()
	if results[resCancelled] > 0 {
		e.log.Debug().Msg("cycle interrupted, watermark unchanged")
		return nil
	}
	if results[resRetryScheduled] > 0 {
		// An item is still in retry limbo; hold the watermark so the next
		// cycle re-fetches it. Duplicates are absorbed by the ledger and
		// the download skip check.
		e.log.Info().
			Int("succeeded", results[resSuccess]).
			Int("retrying", results[resRetryScheduled]).
			Msg("cycle drained with retries pending, watermark held")
		return nil
	}
	if err := e.advanceWatermark(watermark, maxTS); err != nil {
		return err
	}
	e.log.Info().
		Int("succeeded", results[resSuccess]).
		Int("abandoned", results[resAbandoned]).
		Time("watermark", maxTS).
		Msg("cycle complete")
	return nil
}

// runItem performs one download attempt with active-count accounting and
// applies the retry policy to the outcome. The caller holds a semaphore
// slot.
func (e *Engine) runItem(rs *runState, item manifest.ImageItem, ledger *retry.Ledger) itemResult {
	e.active.Add(1)
	out := e.worker.Download(rs.ctx, item, rs.cfg)
	e.active.Add(-1)

	switch out.Kind {
	case download.KindSuccess:
		ledger.Clear(item.ID)
		e.log.Debug().Str("id", item.ID).Str("path", out.LocalPath).Msg("image synced")
		return resSuccess
	case download.KindCancelled:
		return resCancelled
	default:
		if rs.ctx.Err() != nil {
			return resCancelled
		}
		attempts := ledger.RecordFailure(item.ID)
		if ledger.ShouldRetry(item.ID) {
			e.log.Debug().Str("id", item.ID).Int("attempts", attempts).Err(out.Err).Msg("download failed, retry scheduled")
			e.scheduleRetry(rs, item, ledger)
			return resRetryScheduled
		}
		ledger.Abandon(item.ID)
		e.log.Warn().Str("id", item.ID).Int("attempts", attempts).Err(out.Err).Msg("item abandoned")
		return resAbandoned
	}
}

// scheduleRetry re-enqueues item after the configured delay without
// blocking its cycle. Retries are cycle-agnostic: they run under the
// engine's run state and counters, so Stop still drains them, but they
// never gate watermark advancement beyond the hold in cycle.
func (e *Engine) scheduleRetry(rs *runState, item manifest.ImageItem, ledger *retry.Ledger) {
	e.pendingRetries.Add(1)
	timer := time.AfterFunc(rs.cfg.RetryDelay(), func() {
		defer e.pendingRetries.Add(-1)
		e.retryMu.Lock()
		delete(e.retryTimers, item.ID)
		e.retryMu.Unlock()

		if rs.ctx.Err() != nil {
			return
		}
		select {
		case rs.sem <- struct{}{}:
		case <-rs.ctx.Done():
			return
		}
		defer func() { <-rs.sem }()
		e.runItem(rs, item, ledger)
	})

	e.retryMu.Lock()
	e.retryTimers[item.ID] = timer
	e.retryMu.Unlock()
}

// stopRetryTimers cancels every retry that has not fired yet, reconciling
// the pending counter for each one it managed to stop.
func (e *Engine) stopRetryTimers() {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	for id, t := range e.retryTimers {
		if t.Stop() {
			e.pendingRetries.Add(-1)
		}
		delete(e.retryTimers, id)
	}
}

// advanceWatermark persists maxTS unless the stored watermark is already at
// or past it.
func (e *Engine) advanceWatermark(current string, maxTS time.Time) error {
	if maxTS.IsZero() {
		return nil
	}
	if current != "" {
		if cur, err := time.Parse(time.RFC3339, current); err == nil && !maxTS.After(cur) {
			return nil
		}
	}
	return e.store.SetWatermark(maxTS.UTC().Format(time.RFC3339))
}
