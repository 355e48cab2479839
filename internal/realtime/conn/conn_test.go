package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// scriptedDialer fails every call except the ones listed in succeedOn
// (1-based call numbers)
type scriptedDialer struct {
	mu        sync.Mutex
	calls     int
	succeedOn map[int]bool
	real      websocket.Dialer
}

func (d *scriptedDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.calls++
	ok := d.succeedOn[d.calls]
	d.mu.Unlock()

	if !ok {
		return nil, nil, errors.New("connection refused")
	}
	return d.real.DialContext(ctx, url, h)
}

func (d *scriptedDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type subscriber struct {
	c     *Connection
	tiles []string
}

func (s *subscriber) Resubscribe() {
	_ = s.c.Send(wire.Subscribe(s.tiles))
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-c.States():
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s (current %s)", want, c.State())
		}
	}
}

func TestReconnectBackOffSequence(t *testing.T) {
	b := newReconnectBackOff(DefaultReconnectMin, DefaultReconnectMax)

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.NextBackOff())
	}

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("backoff sequence = %v, expected %v", got, want)
	}

	b.Reset()
	if d := b.NextBackOff(); d != 2*time.Second {
		t.Errorf("after reset expected 2s, got %s", d)
	}
}

func TestConnectionBackOffResetsAfterOpen(t *testing.T) {
	// Accept and immediately drop the socket
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	dialer := &scriptedDialer{succeedOn: map[int]bool{4: true}}
	c := New(Options{URL: wsURL(srv), Dialer: dialer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delays []time.Duration
	finished := make(chan struct{})
	c.wait = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		if len(delays) == 5 {
			close(finished)
			return false
		}
		return true
	}

	c.Connect(ctx)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect attempts")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 2 * time.Second, 4 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, expected %v", delays, want)
	}
}

func TestConnectionResubscribesAndDeliversFrames(t *testing.T) {
	received := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)

		frames := []string{
			`{"type":"snapshot","payload":{"vehicles":[{"key":"v1","type":1,"line":"175","lat":52.2,"lon":21.0}]}}`,
			`{"type":"bogus"}`,
			`not json at all`,
			`{"type":"pong"}`,
			`{"type":"delta","payload":{"removes":["v1"]}}`,
		}
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}

		// Hold the socket open until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer := &scriptedDialer{succeedOn: map[int]bool{1: true}}
	c := New(Options{URL: wsURL(srv), Dialer: dialer})
	c.SetResubscriber(&subscriber{c: c, tiles: []string{"14/1/1", "14/1/2"}})

	c.Connect(context.Background())
	waitState(t, c, Connected)

	select {
	case got := <-received:
		want := `{"type":"subscribe","payload":{"tileIds":["14/1/1","14/1/2"]}}`
		if got != want {
			t.Errorf("server received %s, expected %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscription")
	}

	var kinds []wire.Kind
	for len(kinds) < 2 {
		select {
		case msg := <-c.Messages():
			kinds = append(kinds, msg.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frames, got %v", kinds)
		}
	}
	if kinds[0] != wire.KindSnapshot || kinds[1] != wire.KindDelta {
		t.Errorf("expected snapshot then delta, got %v", kinds)
	}

	c.Disconnect()
	if c.State() != Disconnected {
		t.Errorf("expected disconnected after Disconnect, got %s", c.State())
	}

	// An intentional disconnect schedules nothing
	time.Sleep(50 * time.Millisecond)
	if calls := dialer.Calls(); calls != 1 {
		t.Errorf("expected exactly one dial, got %d", calls)
	}
}

func TestConnectionKeepalive(t *testing.T) {
	pings := make(chan struct{}, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == `{"type":"ping"}` {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Keepalive: 20 * time.Millisecond})
	c.Connect(context.Background())
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected keepalive ping %d", i+1)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/v1/ws"})

	if err := c.Send(wire.Ping()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if c.State() != Disconnected {
		t.Errorf("expected initial state disconnected, got %s", c.State())
	}

	// Disconnect on an idle connection is a no-op
	c.Disconnect()
}
