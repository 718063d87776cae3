// Package cache keeps the most recent trades per trading pair and
// persists them to disk with debounced writes so the history survives
// restarts without amplifying write load.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/types"
)

// Config configures the trade cache.
type Config struct {
	File             string        // on-disk JSON file; empty disables persistence
	MaxTradesPerPair int           // per-pair cap, oldest evicted first
	SaveDebounce     time.Duration // quiet period before a write
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig(file string) Config {
	return Config{
		File:             file,
		MaxTradesPerPair: 200,
		SaveDebounce:     2 * time.Second,
	}
}

// TradeCache is the bounded recent-trade cache.
type TradeCache struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	trades map[string][]*types.Trade // pair -> newest-last
	seen   map[string]bool           // tradeId dedupe
	timer  *time.Timer
	dirty  bool
}

// persistedTrade is the on-disk trade shape.
type persistedTrade struct {
	TradeID     string    `json:"tradeId"`
	TradingPair string    `json:"tradingPair"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	BasePrice   string    `json:"basePrice"`
	BaseAmount  string    `json:"baseAmount"`
	QuoteAmount string    `json:"quoteAmount"`
	BuyOrderID  string    `json:"buyOrderId,omitempty"`
	SellOrderID string    `json:"sellOrderId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// New creates a trade cache, loading prior state from disk when the
// file exists. A corrupt file is treated as empty state.
func New(cfg Config, logger log.Logger) *TradeCache {
	if cfg.MaxTradesPerPair <= 0 {
		cfg.MaxTradesPerPair = 200
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 2 * time.Second
	}
	c := &TradeCache{
		cfg:    cfg,
		logger: logger.With("component", "trade-cache"),
		trades: make(map[string][]*types.Trade),
		seen:   make(map[string]bool),
	}
	c.load()
	return c
}

// Append adds a trade to its pair bucket, deduplicated by trade id,
// evicting oldest-first past the cap, and schedules a debounced write.
func (c *TradeCache) Append(trade *types.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[trade.TradeID] {
		return
	}
	c.seen[trade.TradeID] = true

	pair := trade.Pair.String()
	bucket := append(c.trades[pair], trade)
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].Timestamp.Before(bucket[j].Timestamp)
	})
	for len(bucket) > c.cfg.MaxTradesPerPair {
		delete(c.seen, bucket[0].TradeID)
		bucket = bucket[1:]
	}
	c.trades[pair] = bucket

	c.dirty = true
	c.scheduleSaveLocked()
}

// Recent returns up to limit trades for a pair, newest first.
func (c *TradeCache) Recent(pair types.TradingPair, limit int) []*types.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.trades[pair.String()]
	if limit <= 0 || limit > len(bucket) {
		limit = len(bucket)
	}
	out := make([]*types.Trade, 0, limit)
	for i := len(bucket) - 1; i >= len(bucket)-limit; i-- {
		out = append(out, bucket[i])
	}
	return out
}

// Len returns the number of cached trades for a pair.
func (c *TradeCache) Len(pair types.TradingPair) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades[pair.String()])
}

// Flush writes pending state synchronously. Called on shutdown.
func (c *TradeCache) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	dirty := c.dirty
	c.mu.Unlock()
	if dirty {
		c.save()
	}
}

// scheduleSaveLocked arms the debounce timer if not already armed.
func (c *TradeCache) scheduleSaveLocked() {
	if c.cfg.File == "" || c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.SaveDebounce, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.save()
	})
}

func (c *TradeCache) save() {
	c.mu.Lock()
	out := make(map[string][]persistedTrade, len(c.trades))
	for pair, bucket := range c.trades {
		list := make([]persistedTrade, 0, len(bucket))
		for _, t := range bucket {
			list = append(list, persistedTrade{
				TradeID:     t.TradeID,
				TradingPair: t.Pair.String(),
				Buyer:       t.Buyer,
				Seller:      t.Seller,
				BasePrice:   t.BasePrice.String(),
				BaseAmount:  t.BaseAmount.String(),
				QuoteAmount: t.QuoteAmount.String(),
				BuyOrderID:  t.BuyOrderID,
				SellOrderID: t.SellOrderID,
				Timestamp:   t.Timestamp,
			})
		}
		out[pair] = list
	}
	c.dirty = false
	file := c.cfg.File
	c.mu.Unlock()

	if file == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("marshal trade cache", "err", err)
		return
	}
	tmp := file + ".tmp"
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		c.logger.Error("create cache dir", "err", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Error("write trade cache", "err", err)
		return
	}
	if err := os.Rename(tmp, file); err != nil {
		c.logger.Error("rename trade cache", "err", err)
	}
}

func (c *TradeCache) load() {
	if c.cfg.File == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.File)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read trade cache", "err", err)
		}
		return
	}
	var persisted map[string][]persistedTrade
	if err := json.Unmarshal(data, &persisted); err != nil {
		c.logger.Warn("trade cache corrupt, starting empty", "err", err)
		return
	}
	for pairStr, list := range persisted {
		pair, err := types.ParsePair(pairStr)
		if err != nil {
			continue
		}
		for _, p := range list {
			basePrice, err := math.LegacyNewDecFromStr(p.BasePrice)
			if err != nil {
				continue
			}
			baseAmount, err := math.LegacyNewDecFromStr(p.BaseAmount)
			if err != nil {
				continue
			}
			quoteAmount, err := math.LegacyNewDecFromStr(p.QuoteAmount)
			if err != nil {
				quoteAmount = basePrice.Mul(baseAmount)
			}
			if c.seen[p.TradeID] {
				continue
			}
			c.seen[p.TradeID] = true
			c.trades[pairStr] = append(c.trades[pairStr], &types.Trade{
				TradeID:     p.TradeID,
				Pair:        pair,
				Buyer:       p.Buyer,
				Seller:      p.Seller,
				BasePrice:   basePrice,
				BaseAmount:  baseAmount,
				QuoteAmount: quoteAmount,
				BuyOrderID:  p.BuyOrderID,
				SellOrderID: p.SellOrderID,
				Timestamp:   p.Timestamp,
			})
		}
		sort.SliceStable(c.trades[pairStr], func(i, j int) bool {
			return c.trades[pairStr][i].Timestamp.Before(c.trades[pairStr][j].Timestamp)
		})
	}
}
