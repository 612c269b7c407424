package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// feedServer is a fake upstream feed: it accepts WebSocket sessions and
// records every control frame the manager sends.
type feedServer struct {
	srv      *httptest.Server
	frames   chan controlFrame
	accepted chan *feedConn
}

type feedConn struct {
	conn     *websocket.Conn
	clientID string
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()

	fs := &feedServer{
		frames:   make(chan controlFrame, 32),
		accepted: make(chan *feedConn, 8),
	}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}

		fs.accepted <- &feedConn{conn: conn, clientID: r.URL.Query().Get("client_id")}

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var frame controlFrame
			if json.Unmarshal(data, &frame) == nil {
				fs.frames <- frame
			}
		}
	}))
	t.Cleanup(fs.srv.Close)

	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) waitConn(t *testing.T) *feedConn {
	t.Helper()
	select {
	case fc := <-fs.accepted:
		return fc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for feed connection")
		return nil
	}
}

func (fs *feedServer) waitFrame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for control frame")
		return controlFrame{}
	}
}

func (fs *feedServer) assertNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-fs.frames:
		t.Fatalf("unexpected control frame: %+v", f)
	case <-time.After(wait):
	}
}

func (fc *feedConn) push(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, fc.conn.Write(context.Background(), websocket.MessageText, data))
}

func (fc *feedConn) pushRaw(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, fc.conn.Write(context.Background(), websocket.MessageText, []byte(raw)))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func recordEvents(bus *events.Bus) *eventRecorder {
	rec := &eventRecorder{}
	bus.SubscribeAll(func(event *events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, event)
	})
	return rec
}

// states returns the stream states in emission order.
func (r *eventRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type != events.StreamStatusChanged {
			continue
		}
		if data, ok := e.GetTypedData().(*events.StreamStatusData); ok {
			out = append(out, data.State)
		}
	}
	return out
}

type fakeSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *fakeSink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSink) last() notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return notify.Notification{}
	}
	return s.sent[len(s.sent)-1]
}

func newTestManager(t *testing.T, url string, cfg Config) (*Manager, *eventRecorder, *fakeSink) {
	t.Helper()

	cfg.URL = url
	bus := events.NewBus(zerolog.Nop())
	rec := recordEvents(bus)
	sink := &fakeSink{}

	m := NewManager(cfg, events.NewManager(bus, zerolog.Nop()), sink, zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })

	return m, rec, sink
}

func TestConnectReplaysSubscriptionsInOneFrame(t *testing.T) {
	fs := newFeedServer(t)
	m, rec, _ := newTestManager(t, fs.url(), Config{ClientID: "session-1"})

	m.Subscribe("aapl", "msft")
	require.Equal(t, []string{"AAPL", "MSFT"}, m.Subscriptions())

	require.NoError(t, m.Connect())

	fc := fs.waitConn(t)
	assert.Equal(t, "session-1", fc.clientID)

	frame := fs.waitFrame(t)
	assert.Equal(t, "subscribe", frame.Type)
	assert.Equal(t, []string{"AAPL", "MSFT"}, frame.Symbols)

	assert.True(t, m.IsConnected())
	assert.Equal(t, []string{"connecting", "connected"}, rec.states())
}

func TestSubscribeRefCounting(t *testing.T) {
	fs := newFeedServer(t)
	m, _, _ := newTestManager(t, fs.url(), Config{})

	require.NoError(t, m.Connect())
	fs.waitConn(t)

	first := m.Subscribe("AAPL")
	frame := fs.waitFrame(t)
	assert.Equal(t, "subscribe", frame.Type)
	assert.Equal(t, []string{"AAPL"}, frame.Symbols)

	// AAPL is already held, so only GOOG goes upstream
	second := m.Subscribe("AAPL", "GOOG")
	frame = fs.waitFrame(t)
	assert.Equal(t, "subscribe", frame.Type)
	assert.Equal(t, []string{"GOOG"}, frame.Symbols)
	assert.Equal(t, 2, m.SubscriptionCount())

	second()
	frame = fs.waitFrame(t)
	assert.Equal(t, "unsubscribe", frame.Type)
	assert.Equal(t, []string{"GOOG"}, frame.Symbols)
	assert.Equal(t, 1, m.SubscriptionCount())

	// releasing twice is a no-op
	second()
	fs.assertNoFrame(t, 50*time.Millisecond)
	assert.Equal(t, 1, m.SubscriptionCount())

	first()
	frame = fs.waitFrame(t)
	assert.Equal(t, "unsubscribe", frame.Type)
	assert.Equal(t, []string{"AAPL"}, frame.Symbols)
	assert.Equal(t, 0, m.SubscriptionCount())
}

func TestUnsubscribeOnlyAtZeroRefs(t *testing.T) {
	fs := newFeedServer(t)
	m, _, _ := newTestManager(t, fs.url(), Config{})

	require.NoError(t, m.Connect())
	fs.waitConn(t)

	m.Subscribe("AAPL")
	m.Subscribe("AAPL")
	frame := fs.waitFrame(t)
	require.Equal(t, []string{"AAPL"}, frame.Symbols)

	m.Unsubscribe("AAPL")
	fs.assertNoFrame(t, 50*time.Millisecond)
	assert.Equal(t, 1, m.SubscriptionCount())

	m.Unsubscribe("AAPL")
	frame = fs.waitFrame(t)
	assert.Equal(t, "unsubscribe", frame.Type)
	assert.Equal(t, []string{"AAPL"}, frame.Symbols)

	// unknown symbol: nothing to do
	m.Unsubscribe("AAPL")
	fs.assertNoFrame(t, 50*time.Millisecond)
}

func TestDispatchByMessageType(t *testing.T) {
	fs := newFeedServer(t)
	m, _, _ := newTestManager(t, fs.url(), Config{})

	require.NoError(t, m.Connect())
	fc := fs.waitConn(t)

	received := make(chan Message, 8)
	remove := m.OnMessage(TypeMarketUpdate, func(msg Message) { received <- msg })

	fc.push(t, Message{
		Type:   TypeMarketUpdate,
		Symbol: "AAPL",
		Data:   json.RawMessage(`{"price":189.5,"change":1.2,"change_pct":0.64,"volume":1000000}`),
	})

	select {
	case msg := <-received:
		assert.Equal(t, "AAPL", msg.Symbol)
		update, err := msg.DecodeMarket()
		require.NoError(t, err)
		assert.Equal(t, 189.5, update.Price)
		assert.Equal(t, 1.2, update.Change)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for market update")
	}

	// malformed and unknown frames are dropped without killing the session
	fc.pushRaw(t, `{not json`)
	fc.push(t, Message{Type: "galactic_update", Symbol: "AAPL"})
	fc.push(t, Message{Type: TypeMarketUpdate, Symbol: "MSFT", Data: json.RawMessage(`{"price":401}`)})

	select {
	case msg := <-received:
		assert.Equal(t, "MSFT", msg.Symbol)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not survive malformed frame")
	}

	remove()
	fc.push(t, Message{Type: TypeMarketUpdate, Symbol: "GOOG"})
	select {
	case msg := <-received:
		t.Fatalf("handler fired after removal: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWhileDisconnectedIsNoOp(t *testing.T) {
	fs := newFeedServer(t)
	m, _, _ := newTestManager(t, fs.url(), Config{})

	assert.NotPanics(t, func() {
		release := m.Subscribe("AAPL")
		release()
	})
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.SubscriptionCount())
}

func TestReconnectReplaysCurrentSetNotPreDisconnectSet(t *testing.T) {
	fs := newFeedServer(t)
	m, rec, _ := newTestManager(t, fs.url(), Config{
		ClientID:       "session-9",
		ReconnectDelay: 100 * time.Millisecond,
		MaxReconnects:  5,
	})

	m.Subscribe("AAPL")
	require.NoError(t, m.Connect())

	fc1 := fs.waitConn(t)
	frame := fs.waitFrame(t)
	require.Equal(t, []string{"AAPL"}, frame.Symbols)

	// server drops the session abnormally
	require.NoError(t, fc1.conn.Close(websocket.StatusInternalError, "restart"))
	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, time.Millisecond)

	// changes made while disconnected reach the wire only through replay
	m.Subscribe("GOOG")
	m.Unsubscribe("AAPL")

	fc2 := fs.waitConn(t)
	assert.Equal(t, "session-9", fc2.clientID)

	// after reconnect the wire-level set converges on exactly {GOOG}
	wire := map[string]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case f := <-fs.frames:
				for _, sym := range f.Symbols {
					wire[sym] = f.Type == "subscribe"
				}
			default:
				return m.IsConnected() && wire["GOOG"] && !wire["AAPL"]
			}
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, rec.states(), "disconnected")
	assert.Contains(t, rec.states(), "connected")
}

func TestReconnectExhaustionNotifiesAndStops(t *testing.T) {
	fs := newFeedServer(t)
	url := fs.url()
	fs.srv.Close()

	m, rec, sink := newTestManager(t, url, Config{
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  2,
	})

	require.Error(t, m.Connect())

	require.Eventually(t, func() bool { return sink.count() > 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateError, m.State())
	n := sink.last()
	assert.Equal(t, notify.KindError, n.Kind)
	assert.Contains(t, n.Message, "2 attempts")
	assert.Contains(t, rec.states(), "error")

	// a fresh explicit connect starts a new episode
	err := m.Connect()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
}

func TestCloseTearsDownAndRefusesReuse(t *testing.T) {
	fs := newFeedServer(t)
	m, _, _ := newTestManager(t, fs.url(), Config{})

	release := m.Subscribe("AAPL", "MSFT")
	require.NoError(t, m.Connect())
	fs.waitConn(t)
	fs.waitFrame(t)

	require.NoError(t, m.Close())

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.SubscriptionCount())
	assert.ErrorIs(t, m.Connect(), ErrClosed)
	assert.NotPanics(t, func() { release() })

	// closing twice is fine
	assert.NoError(t, m.Close())
}
