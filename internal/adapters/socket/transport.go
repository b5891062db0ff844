// Package socket is the websocket transport of a chat session.
package socket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/task"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Thread snapshots can be large.
	maxMessageSize = 4 << 20
)

// ErrNotOpen is returned by Send without an open connection.
var ErrNotOpen = errors.New("socket is not open")

// Transport is one websocket connection at a time to the chat backend.
type Transport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu           sync.Mutex
	conn         *websocket.Conn
	stop         chan struct{}
	onFrame      func([]byte)
	onDisconnect func(error)

	writeMu sync.Mutex
}

// New creates a transport for endpoint. query is appended to the URL.
func New(endpoint string, query url.Values) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return &Transport{
		url:    u.String(),
		header: http.Header{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}, nil
}

// URL returns the endpoint dialed by Open.
func (t *Transport) URL() string { return t.url }

// OnFrame sets the receiver of inbound frames. It runs on the read goroutine.
func (t *Transport) OnFrame(fn func([]byte)) {
	t.mu.Lock()
	t.onFrame = fn
	t.mu.Unlock()
}

// OnDisconnect sets the receiver of unexpected connection losses.
func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// Open dials in the background and reports the outcome to done. Cancelling
// the handle aborts a dial in progress; it has no effect once connected.
func (t *Transport) Open(ctx context.Context, done func(error)) task.Cancellable {
	dialCtx, cancel := context.WithCancel(ctx)
	var settled atomic.Bool

	go func() {
		defer cancel()
		conn, _, err := t.dialer.DialContext(dialCtx, t.url, t.header)
		if err != nil {
			log.Warn().Err(err).Str("url", t.url).Msg("Websocket dial failed")
			if settled.CompareAndSwap(false, true) {
				done(err)
			}
			return
		}
		if !settled.CompareAndSwap(false, true) {
			conn.Close()
			return
		}

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		stop := make(chan struct{})
		t.mu.Lock()
		prev, prevStop := t.conn, t.stop
		t.conn, t.stop = conn, stop
		t.mu.Unlock()
		if prev != nil {
			close(prevStop)
			prev.Close()
		}

		go t.readPump(conn)
		go t.pingPump(conn, stop)
		log.Debug().Str("url", t.url).Msg("Websocket connected")
		done(nil)
	}()

	return task.Once(func() {
		if settled.CompareAndSwap(false, true) {
			cancel()
		}
	})
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := t.conn == conn
			var fn func(error)
			if current {
				t.conn = nil
				close(t.stop)
				t.stop = nil
				fn = t.onDisconnect
			}
			t.mu.Unlock()
			conn.Close()

			if !current {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Websocket read error")
			}
			if fn != nil {
				fn(err)
			}
			return
		}

		t.mu.Lock()
		fn := t.onFrame
		t.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	}
}

func (t *Transport) pingPump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Msg("Websocket ping failed")
				return
			}
		}
	}
}

// Send writes one text frame.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close ends the connection without reporting a disconnect.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, stop := t.conn, t.stop
	t.conn, t.stop = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	return conn.Close()
}

// Connected reports whether a connection is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}
