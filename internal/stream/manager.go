// Package stream maintains the WebSocket session to the upstream
// market-data feed and a ref-counted symbol subscription registry.
package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/metrics"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait     = 10 * time.Second
	dialTimeout   = 30 * time.Second
	notifyTimeout = 10 * time.Second

	// Reconnection defaults, overridable through Config
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxReconnects  = 5
)

// ErrClosed is returned by Connect after the manager has been torn down.
var ErrClosed = errors.New("stream manager closed")

// State is the connection state of the feed session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Handler receives inbound frames of one message type. Handlers run on the
// read-loop goroutine; long work should be handed off.
type Handler func(msg Message)

// Config holds the feed connection settings.
type Config struct {
	URL            string
	ClientID       string        // per-session client id, generated when empty
	ReconnectDelay time.Duration // fixed delay between reconnect attempts
	MaxReconnects  int           // attempts per disconnect episode
}

// Manager owns the single feed connection. Consumers never touch the socket
// directly; they share it through Subscribe/Unsubscribe and OnMessage.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	events     *events.Manager
	notifier   notify.Sink
	log        zerolog.Logger

	connectMu sync.Mutex // serializes dial attempts

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	state        State
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}

	// Subscription registry (separate lock, never held across the socket)
	regMu    sync.Mutex
	refs     map[string]int
	nextID   int
	handlers map[string]map[int]Handler
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because the feed's edge proxy negotiates HTTP/2 via TLS ALPN,
// but WebSocket requires HTTP/1.1 for the upgrade handshake.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewManager creates a feed manager. The event manager and notifier may be
// nil; state changes are then only logged.
func NewManager(cfg Config, eventManager *events.Manager, notifier notify.Sink, log zerolog.Logger) *Manager {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}

	return &Manager{
		cfg:        cfg,
		httpClient: createHTTP1Client(),
		events:     eventManager,
		notifier:   notifier,
		log:        log.With().Str("component", "stream").Logger(),
		state:      StateDisconnected,
		stopChan:   make(chan struct{}),
		refs:       make(map[string]int),
		handlers:   make(map[string]map[int]Handler),
	}
}

// Connect dials the feed and replays the current subscription set. On
// failure the reconnect loop takes over in the background, so callers may
// treat the returned error as advisory.
func (m *Manager) Connect() error {
	if err := m.connect(0); err != nil {
		if !errors.Is(err, ErrClosed) {
			m.log.Warn().Err(err).Msg("Feed connection failed, will retry in background")
			go m.reconnectLoop()
		}
		return err
	}
	return nil
}

// Close tears the session down: clears ref-counts and handlers, stops
// reconnect attempts and closes the socket. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.log.Info().Msg("Closing market-data stream")

	close(m.stopChan)

	m.mu.Lock()
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.cancelFunc = nil
	}
	conn := m.conn
	m.conn = nil
	m.connCtx = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.regMu.Lock()
	m.refs = make(map[string]int)
	m.handlers = make(map[string]map[int]Handler)
	m.regMu.Unlock()

	metrics.SetStreamConnected(false)
	metrics.SetStreamSubscriptions(0)
	m.notifyState(StateDisconnected, 0)

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			return fmt.Errorf("error closing feed connection: %w", err)
		}
	}
	return nil
}

// Subscribe registers interest in the given symbols. Symbols are normalized
// to uppercase; only those whose ref-count transitions 0->1 go upstream, in
// a single subscribe frame. The returned release function decrements exactly
// what this call added; calling it twice is a no-op.
func (m *Manager) Subscribe(symbols ...string) func() {
	normalized := normalizeSymbols(symbols)
	if len(normalized) == 0 {
		return func() {}
	}

	added := make([]string, 0, len(normalized))

	m.regMu.Lock()
	for _, sym := range normalized {
		m.refs[sym]++
		if m.refs[sym] == 1 {
			added = append(added, sym)
		}
	}
	total := len(m.refs)
	m.regMu.Unlock()

	metrics.SetStreamSubscriptions(total)

	m.log.Debug().
		Strs("symbols", normalized).
		Strs("new", added).
		Msg("Subscription added")

	if len(added) > 0 {
		m.send(controlFrame{Type: frameSubscribe, Symbols: added})
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(normalized) })
	}
}

// Unsubscribe decrements the ref-count for each symbol and sends one
// unsubscribe frame for those that reached zero.
func (m *Manager) Unsubscribe(symbols ...string) {
	m.release(normalizeSymbols(symbols))
}

// OnMessage registers a handler for one inbound message type.
// The returned function removes the registration; calling it twice is a no-op.
func (m *Manager) OnMessage(messageType string, handler Handler) func() {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.nextID++
	id := m.nextID

	if m.handlers[messageType] == nil {
		m.handlers[messageType] = make(map[int]Handler)
	}
	m.handlers[messageType][id] = handler

	return func() {
		m.regMu.Lock()
		defer m.regMu.Unlock()
		delete(m.handlers[messageType], id)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the feed session is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SubscriptionCount returns the number of symbols with ref-count > 0.
func (m *Manager) SubscriptionCount() int {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return len(m.refs)
}

// Subscriptions returns the sorted set of currently subscribed symbols.
func (m *Manager) Subscriptions() []string {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.symbolsLocked()
}

// connect performs one dial attempt. The attempt number only feeds the
// emitted state events; 0 means an explicit caller-initiated connect.
func (m *Manager) connect(attempt int) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.RLock()
	stopped := m.stopped
	existing := m.conn
	m.mu.RUnlock()

	if stopped {
		return ErrClosed
	}
	if existing != nil {
		return nil
	}

	m.setState(StateConnecting, attempt)

	wsURL := m.cfg.URL + "?client_id=" + m.cfg.ClientID
	m.log.Info().Str("url", m.cfg.URL).Msg("Connecting to market-data feed")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: m.httpClient,
	})
	if err != nil {
		m.setState(StateError, attempt)
		return fmt.Errorf("failed to dial market-data feed: %w", err)
	}

	// Long-lived context for the connection, cancelled on disconnect
	connCtx, connCancel := context.WithCancel(context.Background())

	// Replay the entire current symbol set in one frame before reporting
	// connected, so the server's view converges regardless of what changed
	// while disconnected.
	replayed := m.Subscriptions()
	if len(replayed) > 0 {
		if err := writeFrame(connCtx, conn, controlFrame{Type: frameSubscribe, Symbols: replayed}); err != nil {
			connCancel()
			conn.Close(websocket.StatusNormalClosure, "replay failed")
			m.setState(StateError, attempt)
			return fmt.Errorf("failed to replay subscriptions: %w", err)
		}
		m.log.Info().Int("symbols", len(replayed)).Msg("Replayed subscription set")
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	m.conn = conn
	m.connCtx = connCtx
	m.cancelFunc = connCancel
	m.mu.Unlock()

	m.setState(StateConnected, attempt)
	m.log.Info().Msg("Connected to market-data feed")

	// The registry can change while the replay frame is in flight;
	// reconcile the wire set with the current ref-counted set.
	m.converge(replayed)

	go m.readMessages(connCtx)
	return nil
}

// converge sends the subscribe/unsubscribe frames needed to move the wire
// set from the replayed snapshot to the current ref-counted set.
func (m *Manager) converge(replayed []string) {
	current := m.Subscriptions()

	if added := setMinus(current, replayed); len(added) > 0 {
		m.send(controlFrame{Type: frameSubscribe, Symbols: added})
	}
	if removed := setMinus(replayed, current); len(removed) > 0 {
		m.send(controlFrame{Type: frameUnsubscribe, Symbols: removed})
	}
}

// readMessages continuously reads frames until the connection drops.
func (m *Manager) readMessages(ctx context.Context) {
	defer func() {
		m.mu.RLock()
		stopped := m.stopped
		m.mu.RUnlock()
		if !stopped {
			go m.reconnectLoop()
		}
	}()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()

		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				m.log.Info().Int("status", int(closeStatus)).Msg("Feed closed by server")
			case ctx.Err() != nil:
				m.log.Debug().Msg("Feed read cancelled")
			default:
				m.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			m.handleDisconnect()
			return
		}

		if msgType != websocket.MessageText {
			m.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text frame")
			continue
		}

		m.handleMessage(data)
	}
}

// handleMessage decodes one inbound frame and dispatches it by type.
// Malformed frames are logged and dropped; the session survives.
func (m *Manager) handleMessage(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Str("frame", string(raw)).Msg("Dropping malformed feed frame")
		return
	}

	metrics.IncStreamMessage(msg.Type)

	if msg.Type == TypeError {
		m.log.Warn().
			Str("symbol", msg.Symbol).
			RawJSON("data", nonEmptyJSON(msg.Data)).
			Msg("Feed reported an error")
	}

	m.regMu.Lock()
	targets := make([]Handler, 0, len(m.handlers[msg.Type]))
	for _, h := range m.handlers[msg.Type] {
		targets = append(targets, h)
	}
	m.regMu.Unlock()

	if len(targets) == 0 {
		m.log.Debug().Str("type", msg.Type).Msg("No handler for feed message type, dropping")
		return
	}

	for _, h := range targets {
		m.dispatch(h, msg)
	}
}

// dispatch invokes one handler, recovering panics so a misbehaving
// consumer cannot take down the read loop.
func (m *Manager) dispatch(handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("type", msg.Type).
				Interface("panic", r).
				Msg("Feed handler panicked")
		}
	}()
	handler(msg)
}

// handleDisconnect clears the dead connection and records the transition.
func (m *Manager) handleDisconnect() {
	m.mu.Lock()
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.cancelFunc = nil
	}
	m.conn = nil
	m.connCtx = nil
	stopped := m.stopped
	m.mu.Unlock()

	if !stopped {
		m.setState(StateDisconnected, 0)
	}
}

// reconnectLoop runs bounded reconnect attempts with a fixed delay.
// Exhaustion leaves the session in the error state until an explicit
// Connect call starts a fresh episode.
func (m *Manager) reconnectLoop() {
	m.mu.Lock()
	if m.reconnecting || m.stopped {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.cfg.MaxReconnects; attempt++ {
		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-m.stopChan:
			return
		}

		m.log.Info().
			Int("attempt", attempt).
			Int("max", m.cfg.MaxReconnects).
			Msg("Reconnecting to market-data feed")

		if err := m.connect(attempt); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			metrics.IncStreamReconnect("failure")
			m.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}

		metrics.IncStreamReconnect("success")
		m.log.Info().Int("attempt", attempt).Msg("Reconnected to market-data feed")
		return
	}

	metrics.IncStreamReconnect("exhausted")
	m.log.Error().
		Int("attempts", m.cfg.MaxReconnects).
		Msg("Reconnect attempts exhausted, manual reconnect required")

	if m.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		n := notify.NewError(
			"Market data stream down",
			fmt.Sprintf("Reconnect gave up after %d attempts; trigger a reconnect to restore live data", m.cfg.MaxReconnects),
		)
		if err := m.notifier.Notify(ctx, n); err != nil {
			m.log.Warn().Err(err).Msg("Failed to deliver stream-down notification")
		}
	}
}

// send writes one control frame. Sending while not connected is a warn-level
// no-op: the replay on the next connect restores consistency.
func (m *Manager) send(frame controlFrame) {
	m.mu.RLock()
	conn := m.conn
	ctx := m.connCtx
	state := m.state
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		m.log.Warn().
			Str("type", frame.Type).
			Strs("symbols", frame.Symbols).
			Msg("Feed not connected, dropping control frame")
		return
	}

	if err := writeFrame(ctx, conn, frame); err != nil {
		m.log.Error().
			Err(err).
			Str("type", frame.Type).
			Strs("symbols", frame.Symbols).
			Msg("Failed to send control frame")
	}
}

// release decrements ref-counts and unsubscribes symbols that reached zero.
func (m *Manager) release(symbols []string) {
	if len(symbols) == 0 {
		return
	}

	removed := make([]string, 0, len(symbols))

	m.regMu.Lock()
	for _, sym := range symbols {
		count, ok := m.refs[sym]
		if !ok {
			continue
		}
		if count <= 1 {
			delete(m.refs, sym)
			removed = append(removed, sym)
		} else {
			m.refs[sym] = count - 1
		}
	}
	total := len(m.refs)
	m.regMu.Unlock()

	metrics.SetStreamSubscriptions(total)

	if len(removed) > 0 {
		m.send(controlFrame{Type: frameUnsubscribe, Symbols: removed})
	}
}

// setState records a transition and makes it observable. Repeated sets of
// the same state are suppressed.
func (m *Manager) setState(state State, attempt int) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	metrics.SetStreamConnected(state == StateConnected)
	m.notifyState(state, attempt)
}

// notifyState emits a StreamStatusChanged event for the given state.
func (m *Manager) notifyState(state State, attempt int) {
	if m.events == nil {
		return
	}
	m.events.EmitTyped("stream", &events.StreamStatusData{
		State:         string(state),
		Attempt:       attempt,
		Subscriptions: m.SubscriptionCount(),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

// symbolsLocked returns the sorted symbol set. Caller holds regMu.
func (m *Manager) symbolsLocked() []string {
	symbols := make([]string, 0, len(m.refs))
	for sym := range m.refs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// writeFrame marshals and writes one frame with a bounded write deadline.
func writeFrame(ctx context.Context, conn *websocket.Conn, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal control frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write control frame: %w", err)
	}
	return nil
}

// normalizeSymbols uppercases and trims symbols, dropping empty entries.
// Duplicates are kept: each occurrence counts one reference.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// setMinus returns the sorted elements of a that are not in b.
func setMinus(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}

	var out []string
	for _, s := range a {
		if _, ok := inB[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// nonEmptyJSON substitutes an empty payload so RawJSON never sees nil.
func nonEmptyJSON(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
