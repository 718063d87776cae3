package readmodel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/types"
)

// StreamConfig controls the bootstrap and live-stream behaviour.
type StreamConfig struct {
	Templates            []string
	BootstrapTimeout     time.Duration // per-template snapshot drain budget
	BootstrapRetries     int           // attempts before degraded mode
	BootstrapRetryDelay  time.Duration
	ReconnectDelay       time.Duration // backoff after a dropped live stream
	TokenRefreshInterval time.Duration // proactive resubscribe before token expiry
	OffsetFile           string        // persisted offset; empty disables
	OffsetSaveDebounce   time.Duration
	OffsetMaxAge         time.Duration // persisted offsets older than this bootstrap fresh
}

// DefaultStreamConfig returns the production stream settings.
func DefaultStreamConfig(offsetFile string) StreamConfig {
	return StreamConfig{
		Templates: []string{
			types.TemplateOrder,
			types.TemplateTrade,
			types.TemplateAllocation,
		},
		BootstrapTimeout:     60 * time.Second,
		BootstrapRetries:     5,
		BootstrapRetryDelay:  8 * time.Second,
		ReconnectDelay:       3 * time.Second,
		TokenRefreshInterval: 4 * time.Minute,
		OffsetFile:           offsetFile,
		OffsetSaveDebounce:   time.Second,
		OffsetMaxAge:         time.Hour,
	}
}

type streamState struct {
	cfg    StreamConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	timer *time.Timer
	dirty bool
}

type persistedOffset struct {
	Offset  string    `json:"offset"`
	SavedAt time.Time `json:"savedAt"`
}

// Start bootstraps the projection and launches the live consumer. On a
// bootstrap failure after all retries the model starts degraded:
// IsReady reports false and queries must be preceded by
// RefreshFromQuery until the background loop recovers.
func (rm *ReadModel) Start(ctx context.Context, cfg StreamConfig) error {
	cfg = mergeDefaults(cfg)
	streamCtx, cancel := context.WithCancel(ctx)
	st := &streamState{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	rm.stream = st

	offset, err := rm.bootstrap(streamCtx, cfg)
	if err != nil {
		rm.logger.Error("bootstrap failed, starting degraded", "err", err)
		rm.ready.Store(false)
	} else {
		rm.mu.Lock()
		rm.offset = offset
		rm.mu.Unlock()
		rm.ready.Store(true)
		rm.logger.Info("bootstrap complete", "offset", offset)
	}

	go rm.runLive(streamCtx, st)
	return nil
}

// Stop tears down the live consumer and flushes the persisted offset.
func (rm *ReadModel) Stop() {
	st := rm.stream
	if st == nil {
		return
	}
	st.cancel()
	<-st.done
	rm.flushOffset(st)
}

// bootstrap takes a snapshot offset and drains one active-contract
// stream per template. A fresh persisted offset is tried first so a
// restart resumes where the previous run stopped; the live stream then
// replays the downtime window from the same offset. Absent, stale, or
// unusable offsets fall back to the current ledger end.
func (rm *ReadModel) bootstrap(ctx context.Context, cfg StreamConfig) (string, error) {
	if saved, ok := rm.loadOffset(cfg); ok {
		err := rm.drainTemplates(ctx, cfg, saved)
		if err == nil {
			rm.logger.Info("resumed from persisted offset", "offset", saved)
			return saved, nil
		}
		rm.logger.Warn("resume from persisted offset failed, bootstrapping fresh",
			"offset", saved,
			"err", err,
		)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.BootstrapRetries; attempt++ {
		offset, err := rm.bootstrapOnce(ctx, cfg)
		if err == nil {
			return offset, nil
		}
		lastErr = err
		rm.logger.Warn("bootstrap attempt failed",
			"attempt", attempt,
			"max", cfg.BootstrapRetries,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cfg.BootstrapRetryDelay):
		}
	}
	return "", lastErr
}

func (rm *ReadModel) bootstrapOnce(ctx context.Context, cfg StreamConfig) (string, error) {
	offset, err := rm.client.GetLedgerEnd(ctx)
	if err != nil {
		return "", err
	}
	if err := rm.drainTemplates(ctx, cfg, offset); err != nil {
		return "", err
	}
	return offset, nil
}

func (rm *ReadModel) drainTemplates(ctx context.Context, cfg StreamConfig, offset string) error {
	for _, template := range cfg.Templates {
		count, err := rm.drainSnapshot(ctx, offset, template, cfg.BootstrapTimeout)
		if err != nil {
			return err
		}
		rm.logger.Info("bootstrapped template", "template", template, "contracts", count)
	}
	return nil
}

// loadOffset reads the offset persisted by a previous run. Corrupt or
// aged-out files are ignored, not errors.
func (rm *ReadModel) loadOffset(cfg StreamConfig) (string, bool) {
	if cfg.OffsetFile == "" {
		return "", false
	}
	data, err := os.ReadFile(cfg.OffsetFile)
	if err != nil {
		return "", false
	}
	var p persistedOffset
	if err := json.Unmarshal(data, &p); err != nil || p.Offset == "" {
		rm.logger.Warn("corrupt offset file, bootstrapping fresh", "file", cfg.OffsetFile)
		return "", false
	}
	if cfg.OffsetMaxAge > 0 && time.Since(p.SavedAt) > cfg.OffsetMaxAge {
		rm.logger.Info("persisted offset aged out, bootstrapping fresh",
			"offset", p.Offset,
			"saved_at", p.SavedAt.Format(time.RFC3339),
		)
		return "", false
	}
	return p.Offset, true
}

func (rm *ReadModel) drainSnapshot(ctx context.Context, offset, template string, budget time.Duration) (int, error) {
	drainCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ch, err := rm.client.StreamActiveAtOffset(drainCtx, offset, []string{template})
	if err != nil {
		return 0, err
	}
	count := 0
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return count, nil
			}
			rm.mu.Lock()
			rm.applyCreateLocked(c)
			rm.mu.Unlock()
			count++
		case <-drainCtx.Done():
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			// Snapshot drain timed out; keep what arrived. The live
			// stream from the same offset fills the rest over time.
			rm.logger.Warn("snapshot drain timed out",
				"template", template,
				"contracts", count,
			)
			return count, nil
		}
	}
}

// runLive consumes update events in offset order, resubscribing on
// stream drop and proactively before the access token ages out.
func (rm *ReadModel) runLive(ctx context.Context, st *streamState) {
	defer close(st.done)

	for {
		if ctx.Err() != nil {
			return
		}
		from := rm.Offset()
		ch, err := rm.client.StreamUpdates(ctx, from, st.cfg.Templates)
		if err != nil {
			rm.logger.Error("subscribe updates", "from", from, "err", err)
			rm.ready.Store(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(st.cfg.ReconnectDelay):
			}
			continue
		}
		rm.ready.Store(true)
		rm.consume(ctx, st, ch)
	}
}

// consume applies events until the channel closes or the refresh timer
// fires. Returning resubscribes from the last applied offset, so no
// event is lost or duplicated.
func (rm *ReadModel) consume(ctx context.Context, st *streamState, ch <-chan ledger.Event) {
	refresh := time.NewTimer(st.cfg.TokenRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			rm.logger.Debug("resubscribing before token expiry", "offset", rm.Offset())
			return
		case ev, ok := <-ch:
			if !ok {
				rm.logger.Warn("update stream closed", "offset", rm.Offset())
				select {
				case <-ctx.Done():
				case <-time.After(st.cfg.ReconnectDelay):
				}
				return
			}
			rm.Apply(ev)
			rm.scheduleOffsetSave(st)
		}
	}
}

// RefreshFromQuery rebuilds the projection from paged REST queries.
// The page cap means results can be incomplete on large ledgers; it is
// the degraded-mode fallback, not a substitute for the streams.
func (rm *ReadModel) RefreshFromQuery(ctx context.Context) error {
	templates := []string{types.TemplateOrder, types.TemplateTrade, types.TemplateAllocation}
	contracts, err := rm.client.QueryActive(ctx, rm.operator, templates, ledger.MaxQueryPageSize)
	if err != nil {
		return err
	}
	if len(contracts) == ledger.MaxQueryPageSize {
		rm.logger.Warn("active query hit page cap, view may be incomplete",
			"page_size", ledger.MaxQueryPageSize)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.byContract = make(map[string]*types.Order)
	rm.byOrderID = make(map[string]*types.Order)
	rm.byOwner = make(map[string]map[string]*types.Order)
	rm.allocations = make(map[string]*types.Allocation)
	for pair := range rm.books {
		rm.books[pair] = newBook(pair)
	}
	for _, c := range contracts {
		rm.applyCreateLocked(c)
	}
	return nil
}

func (rm *ReadModel) scheduleOffsetSave(st *streamState) {
	if st.cfg.OffsetFile == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dirty = true
	if st.timer != nil {
		return
	}
	st.timer = time.AfterFunc(st.cfg.OffsetSaveDebounce, func() {
		st.mu.Lock()
		st.timer = nil
		st.dirty = false
		st.mu.Unlock()
		rm.saveOffset(st.cfg.OffsetFile)
	})
}

func (rm *ReadModel) flushOffset(st *streamState) {
	if st.cfg.OffsetFile == "" {
		return
	}
	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	dirty := st.dirty
	st.dirty = false
	st.mu.Unlock()
	if dirty {
		rm.saveOffset(st.cfg.OffsetFile)
	}
}

func (rm *ReadModel) saveOffset(file string) {
	data, err := json.Marshal(persistedOffset{Offset: rm.Offset(), SavedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		rm.logger.Error("create offset dir", "err", err)
		return
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		rm.logger.Error("write offset", "err", err)
		return
	}
	if err := os.Rename(tmp, file); err != nil {
		rm.logger.Error("rename offset", "err", err)
	}
}

func mergeDefaults(cfg StreamConfig) StreamConfig {
	def := DefaultStreamConfig(cfg.OffsetFile)
	if len(cfg.Templates) == 0 {
		cfg.Templates = def.Templates
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = def.BootstrapTimeout
	}
	if cfg.BootstrapRetries <= 0 {
		cfg.BootstrapRetries = def.BootstrapRetries
	}
	if cfg.BootstrapRetryDelay <= 0 {
		cfg.BootstrapRetryDelay = def.BootstrapRetryDelay
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.TokenRefreshInterval <= 0 {
		cfg.TokenRefreshInterval = def.TokenRefreshInterval
	}
	if cfg.OffsetSaveDebounce <= 0 {
		cfg.OffsetSaveDebounce = def.OffsetSaveDebounce
	}
	if cfg.OffsetMaxAge <= 0 {
		cfg.OffsetMaxAge = def.OffsetMaxAge
	}
	return cfg
}
