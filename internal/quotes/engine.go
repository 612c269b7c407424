// Package quotes keeps rolling per-symbol tick windows fed by the
// market-data stream and computes indicators over them on demand.
package quotes

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/stream"
	"github.com/aristath/spyglass/pkg/formulas"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindowSize bounds the per-symbol tick window.
	DefaultWindowSize = 256

	// Indicator periods over the tick window
	DefaultSMAPeriod = 20
	DefaultEMAPeriod = 20
	DefaultRSIPeriod = 14

	snapshotTable = "quote_snapshots"
)

// Feed is the slice of the stream manager the engine consumes.
type Feed interface {
	Subscribe(symbols ...string) func()
	OnMessage(messageType string, handler stream.Handler) func()
}

// Tick is one observed price point.
type Tick struct {
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

// Analytics is the computed view of one symbol's tick window.
type Analytics struct {
	Symbol     string    `json:"symbol"`
	Last       float64   `json:"last"`
	Change     float64   `json:"change"`
	Ticks      int       `json:"ticks"`
	SMA        *float64  `json:"sma,omitempty"`
	EMA        *float64  `json:"ema,omitempty"`
	RSI        *float64  `json:"rsi,omitempty"`
	MeanReturn float64   `json:"mean_return"`
	StdDev     float64   `json:"stddev_return"`
	ZScore     *float64  `json:"zscore,omitempty"`
	Sentiment  *float64  `json:"sentiment,omitempty"`
	Stale      bool      `json:"stale,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// window holds the tick history for one watched symbol.
type window struct {
	ticks     []Tick
	sentiment *float64
	release   func()
	updatedAt time.Time
}

// Engine routes market updates into per-symbol windows. HTTP consumers
// watch and unwatch symbols; the stream manager ref-counts the wire side.
type Engine struct {
	feed   Feed
	cache  *clientcache.Repository
	events *events.Manager
	log    zerolog.Logger

	windowSize int

	mu      sync.RWMutex
	windows map[string]*window
	removes []func()
	started bool
}

// NewEngine creates a quote analytics engine. The cache and event manager
// may be nil; snapshots and live events are then skipped.
func NewEngine(feed Feed, cache *clientcache.Repository, eventManager *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		feed:       feed,
		cache:      cache,
		events:     eventManager,
		log:        log.With().Str("component", "quotes").Logger(),
		windowSize: DefaultWindowSize,
		windows:    make(map[string]*window),
	}
}

// Start registers the engine's feed handlers.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return
	}
	e.started = true

	e.removes = append(e.removes,
		e.feed.OnMessage(stream.TypeMarketUpdate, e.handleMarket),
		e.feed.OnMessage(stream.TypeSentimentUpdate, e.handleSentiment),
	)

	e.log.Info().Msg("Quote engine started")
}

// Stop removes the feed handlers and releases every watched symbol.
func (e *Engine) Stop() {
	e.mu.Lock()
	removes := e.removes
	e.removes = nil
	e.started = false

	releases := make([]func(), 0, len(e.windows))
	for _, w := range e.windows {
		if w.release != nil {
			releases = append(releases, w.release)
		}
	}
	e.windows = make(map[string]*window)
	e.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
	for _, release := range releases {
		release()
	}

	e.log.Info().Msg("Quote engine stopped")
}

// Watch starts collecting ticks for a symbol. Watching an already watched
// symbol is a no-op; the engine holds one stream reference per symbol.
func (e *Engine) Watch(symbol string) {
	sym := normalize(symbol)
	if sym == "" {
		return
	}

	e.mu.Lock()
	if _, ok := e.windows[sym]; ok {
		e.mu.Unlock()
		return
	}
	e.windows[sym] = &window{ticks: make([]Tick, 0, e.windowSize)}
	e.mu.Unlock()

	// Subscribe outside the lock; the release closure is stored after.
	release := e.feed.Subscribe(sym)

	e.mu.Lock()
	if w, ok := e.windows[sym]; ok {
		w.release = release
		e.mu.Unlock()
	} else {
		// Unwatched while we were subscribing
		e.mu.Unlock()
		release()
	}

	e.log.Info().Str("symbol", sym).Msg("Watching symbol")
}

// Unwatch drops a symbol's window and releases its stream reference.
func (e *Engine) Unwatch(symbol string) {
	sym := normalize(symbol)

	e.mu.Lock()
	w, ok := e.windows[sym]
	if ok {
		delete(e.windows, sym)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	if w.release != nil {
		w.release()
	}

	e.log.Info().Str("symbol", sym).Msg("Stopped watching symbol")
}

// Watched returns the symbols currently being collected.
func (e *Engine) Watched() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	symbols := make([]string, 0, len(e.windows))
	for sym := range e.windows {
		symbols = append(symbols, sym)
	}
	return symbols
}

// Analytics computes the indicator view for one symbol. When the symbol is
// not watched (or has no ticks yet), the last persisted snapshot is served
// with the stale flag set.
func (e *Engine) Analytics(symbol string) (Analytics, bool) {
	sym := normalize(symbol)

	e.mu.RLock()
	w, ok := e.windows[sym]
	var (
		prices    []float64
		last      Tick
		sentiment *float64
		updatedAt time.Time
		size      int
	)
	if ok && len(w.ticks) > 0 {
		size = len(w.ticks)
		prices = make([]float64, size)
		for i, tick := range w.ticks {
			prices[i] = tick.Price
		}
		last = w.ticks[size-1]
		sentiment = w.sentiment
		updatedAt = w.updatedAt
	}
	e.mu.RUnlock()

	if size == 0 {
		return e.staleSnapshot(sym)
	}

	returns := formulas.Returns(prices)

	a := Analytics{
		Symbol:     sym,
		Last:       last.Price,
		Change:     last.Change,
		Ticks:      size,
		SMA:        formulas.CalculateSMA(prices, DefaultSMAPeriod),
		EMA:        formulas.CalculateEMA(prices, DefaultEMAPeriod),
		RSI:        formulas.CalculateRSI(prices, DefaultRSIPeriod),
		MeanReturn: formulas.Mean(returns),
		StdDev:     formulas.StdDev(returns),
		ZScore:     formulas.ZScore(returns),
		Sentiment:  sentiment,
		UpdatedAt:  updatedAt,
	}
	return a, true
}

// handleMarket ingests one market_update frame.
func (e *Engine) handleMarket(msg stream.Message) {
	sym := normalize(msg.Symbol)
	if sym == "" {
		return
	}

	update, err := msg.DecodeMarket()
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", sym).Msg("Dropping undecodable market update")
		return
	}

	tick := Tick{
		Price:     update.Price,
		Change:    update.Change,
		Timestamp: parseTimestamp(msg.Timestamp),
	}

	e.mu.Lock()
	w, ok := e.windows[sym]
	if !ok {
		e.mu.Unlock()
		return
	}
	if len(w.ticks) >= e.windowSize {
		copy(w.ticks, w.ticks[1:])
		w.ticks[len(w.ticks)-1] = tick
	} else {
		w.ticks = append(w.ticks, tick)
	}
	w.updatedAt = tick.Timestamp
	e.mu.Unlock()

	if e.events != nil {
		e.events.EmitTyped("quotes", &events.QuoteUpdateData{
			Symbol:    sym,
			Price:     tick.Price,
			Change:    tick.Change,
			Timestamp: tick.Timestamp.Format(time.RFC3339),
		})
	}

	e.persistSnapshot(sym)
}

// handleSentiment ingests one sentiment_update frame.
func (e *Engine) handleSentiment(msg stream.Message) {
	sym := normalize(msg.Symbol)
	if sym == "" {
		return
	}

	update, err := msg.DecodeSentiment()
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", sym).Msg("Dropping undecodable sentiment update")
		return
	}

	e.mu.Lock()
	if w, ok := e.windows[sym]; ok {
		score := update.Score
		w.sentiment = &score
	}
	e.mu.Unlock()
}

// persistSnapshot writes the current analytics view to the cache so quote
// reads survive a feed outage. Best-effort.
func (e *Engine) persistSnapshot(sym string) {
	if e.cache == nil {
		return
	}

	a, ok := e.Analytics(sym)
	if !ok || a.Stale {
		return
	}

	if err := e.cache.Store(snapshotTable, sym, a, clientcache.TTLQuoteSnapshot); err != nil {
		e.log.Debug().Err(err).Str("symbol", sym).Msg("Failed to persist quote snapshot")
	}
}

// staleSnapshot serves the last persisted view, marked stale.
func (e *Engine) staleSnapshot(sym string) (Analytics, bool) {
	if e.cache == nil {
		return Analytics{}, false
	}

	data, err := e.cache.Get(snapshotTable, sym)
	if err != nil || data == nil {
		return Analytics{}, false
	}

	var a Analytics
	if err := json.Unmarshal(data, &a); err != nil {
		e.log.Warn().Err(err).Str("symbol", sym).Msg("Corrupt quote snapshot in cache")
		return Analytics{}, false
	}
	a.Stale = true
	return a, true
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// parseTimestamp tolerates feeds that omit or garble the timestamp.
func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Now()
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Now()
	}
	return parsed
}
