package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades incoming requests and hands each connection to the
// test's session func, recording dial counts and presented tokens.
type wsServer struct {
	*httptest.Server

	mu     sync.Mutex
	dials  int
	tokens []string
}

func newWSServer(t *testing.T, session func(conn *websocket.Conn, dial int)) *wsServer {
	t.Helper()

	ws := &wsServer{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		ws.dials++
		dial := ws.dials
		ws.tokens = append(ws.tokens, r.URL.Query().Get("token"))
		ws.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session(conn, dial)
	}))
	t.Cleanup(ws.Server.Close)
	return ws
}

func (ws *wsServer) dialCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.dials
}

func (ws *wsServer) token(i int) string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if i >= len(ws.tokens) {
		return ""
	}
	return ws.tokens[i]
}

func sendNotification(t *testing.T, conn *websocket.Conn, n Notification) {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	payload, err := json.Marshal(frame{Type: frameNotification, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// drain keeps the server side reading so control frames are processed.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func instantAfter(record *[]time.Duration, mu *sync.Mutex) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		mu.Lock()
		*record = append(*record, d)
		mu.Unlock()
		ch := make(chan time.Time)
		close(ch)
		return ch
	}
}

func TestEndpointURL(t *testing.T) {
	base, err := url.Parse("http://api.spark.local:8099")
	require.NoError(t, err)
	require.Equal(t, "ws://api.spark.local:8099/ws/notifications?token=abc", EndpointURL(base, "abc"))

	secure, err := url.Parse("https://api.spark.local")
	require.NoError(t, err)
	require.Equal(t, "wss://api.spark.local/ws/notifications?token=a%2Fb", EndpointURL(secure, "a/b"))
}

func TestNewTransportRejectsBadURL(t *testing.T) {
	_, err := NewTransport("ftp://nope", "tok")
	require.Error(t, err)
}

func TestTransportConnectAndDispatch(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		ready <- conn
		drain(conn)
	})

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.True(t, tr.IsConnected())
	require.Equal(t, "secret", srv.token(0))

	var (
		mu    sync.Mutex
		order []string
	)
	tr.OnNotification(func(n Notification) {
		mu.Lock()
		order = append(order, "first:"+n.ID)
		mu.Unlock()
	})
	tr.OnNotification(func(n Notification) {
		mu.Lock()
		order = append(order, "second:"+n.ID)
		mu.Unlock()
	})

	conn := <-ready
	sendNotification(t, conn, Notification{ID: "n-1", Type: TypeLevelUp, Title: "Level up"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first:n-1", "second:n-1"}, order, "handlers run in registration order")
}

func TestTransportConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) { drain(conn) })

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, 1, srv.dialCount())
}

func TestTransportConnectRequiresToken(t *testing.T) {
	tr, err := NewTransport("http://localhost:1", "")
	require.NoError(t, err)
	require.ErrorIs(t, tr.Connect(context.Background()), ErrNoToken)
	require.Equal(t, StateDisconnected, tr.State())
}

func TestTransportHeartbeat(t *testing.T) {
	pings := make(chan struct{}, 8)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil && f.Type == framePing {
				pings <- struct{}{}
				pong, _ := json.Marshal(frame{Type: framePong})
				_ = conn.WriteMessage(websocket.TextMessage, pong)
			}
		}
	})

	tr, err := NewTransport(srv.URL, "secret", WithHeartbeatInterval(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for heartbeat ping")
		}
	}
	require.True(t, tr.IsConnected(), "pong replies keep the connection up")
}

func TestTransportIgnoresMalformedFrames(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		ready <- conn
		drain(conn)
	})

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	received := make(chan Notification, 1)
	tr.OnNotification(func(n Notification) { received <- n })

	conn := <-ready
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification","data":42}`)))
	sendNotification(t, conn, Notification{ID: "ok", Type: TypeLevelUp})

	select {
	case n := <-received:
		require.Equal(t, "ok", n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid notification never arrived after malformed frames")
	}
	require.True(t, tr.IsConnected())
}

func TestTransportDisconnectSendsNormalClosure(t *testing.T) {
	codes := make(chan int, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					codes <- ce.Code
				}
				return
			}
		}
	})

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	tr.Disconnect()
	require.Equal(t, StateDisconnected, tr.State())

	select {
	case code := <-codes:
		require.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a close frame")
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.dialCount(), "deliberate disconnect must not reconnect")
}

func TestTransportServerNormalClosureDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(conn)
		conn.Close()
	})

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	tr, err := NewTransport(srv.URL, "secret", WithAfter(instantAfter(&delays, &mu)))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return tr.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, delays, "normal closure never schedules a reconnect")
	require.Equal(t, 1, srv.dialCount())
}

func TestTransportReconnectsAfterAbnormalDrop(t *testing.T) {
	ready := make(chan *websocket.Conn, 2)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		if dial == 1 {
			// Kill the socket without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		ready <- conn
		drain(conn)
	})

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	tr, err := NewTransport(srv.URL, "secret", WithAfter(instantAfter(&delays, &mu)))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	received := make(chan Notification, 1)
	tr.OnNotification(func(n Notification) { received <- n })

	require.Eventually(t, func() bool { return srv.dialCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	conn := <-ready
	sendNotification(t, conn, Notification{ID: "after-reconnect", Type: TypeLevelUp})

	select {
	case n := <-received:
		require.Equal(t, "after-reconnect", n.ID, "subscriptions survive the reconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived on the reconnected session")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{time.Second}, delays, "first retry waits the base delay")
}

func TestTransportDisconnectSuppressesInFlightReconnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		if dial == 1 {
			conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})

	// Park the reconnect dial at the TCP layer so Disconnect can land while
	// the attempt is in flight.
	var (
		dials  int32
		parked = make(chan struct{})
		gate   = make(chan struct{})
	)
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if atomic.AddInt32(&dials, 1) == 2 {
				close(parked)
				<-gate
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	tr, err := NewTransport(srv.URL, "secret",
		WithDialer(dialer),
		WithAfter(instantAfter(&delays, &mu)))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect attempt never started")
	}

	tr.Disconnect()
	close(gate)

	require.Eventually(t, func() bool { return srv.dialCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateDisconnected, tr.State(), "disconnect wins over the in-flight reconnect")
	require.False(t, tr.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{time.Second}, delays, "no further attempts after the deliberate disconnect")
}

func TestTransportReconnectBackoffExhausts(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		conn.UnderlyingConn().Close()
	})

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	tr, err := NewTransport(srv.URL, "secret", WithAfter(instantAfter(&delays, &mu)))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	// Take the endpoint away so every retry fails outright.
	srv.Close()

	require.Eventually(t, func() bool {
		return tr.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	require.Equal(t, want, delays, "five attempts with doubling delays, then give up")
}

func TestTransportHandlerPanicIsIsolated(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		ready <- conn
		drain(conn)
	})

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	received := make(chan Notification, 2)
	tr.OnNotification(func(Notification) { panic("handler bug") })
	tr.OnNotification(func(n Notification) { received <- n })

	conn := <-ready
	sendNotification(t, conn, Notification{ID: "n-1", Type: TypeLevelUp})
	sendNotification(t, conn, Notification{ID: "n-2", Type: TypeLevelUp})

	for _, want := range []string{"n-1", "n-2"} {
		select {
		case n := <-received:
			require.Equal(t, want, n.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %s lost after sibling handler panicked", want)
		}
	}
	require.True(t, tr.IsConnected())
}

func TestTransportUnsubscribeIsIdempotent(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) {
		ready <- conn
		drain(conn)
	})

	tr, err := NewTransport(srv.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	gone := make(chan Notification, 1)
	kept := make(chan Notification, 1)
	unsub := tr.OnNotification(func(n Notification) { gone <- n })
	tr.OnNotification(func(n Notification) { kept <- n })

	unsub()
	unsub()

	conn := <-ready
	sendNotification(t, conn, Notification{ID: "n-1", Type: TypeLevelUp})

	select {
	case n := <-kept:
		require.Equal(t, "n-1", n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining handler never fired")
	}
	select {
	case <-gone:
		t.Fatal("unsubscribed handler still fired")
	default:
	}
}

func TestTransportUpdateTokenRecycles(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) { drain(conn) })

	tr, err := NewTransport(srv.URL, "token-a")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	tr.UpdateToken("token-b")

	require.Eventually(t, func() bool { return srv.dialCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "token-a", srv.token(0))
	require.Equal(t, "token-b", srv.token(1))
	require.True(t, tr.IsConnected())
}

func TestTransportUpdateTokenWhileDisconnected(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, dial int) { drain(conn) })

	tr, err := NewTransport(srv.URL, "token-a")
	require.NoError(t, err)

	tr.UpdateToken("token-b")
	require.Equal(t, 0, srv.dialCount(), "no connection, nothing to recycle")

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Equal(t, "token-b", srv.token(0))
}
