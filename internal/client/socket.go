package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
)

const socketWriteWait = 10 * time.Second

// socketTransport is the persistent duplex channel. One instance serves one
// connection attempt; after closure it is discarded and a fresh one is built
// for the next attempt.
type socketTransport struct {
	url            string
	connectTimeout time.Duration
	logger         *zap.Logger

	conn   *websocket.Conn
	events chan Event

	closeOnce sync.Once
	quit      chan struct{}

	writeMu sync.Mutex
}

func newSocketTransport(url string, connectTimeout time.Duration, logger *zap.Logger) *socketTransport {
	return &socketTransport{
		url:            url,
		connectTimeout: connectTimeout,
		logger:         logger.With(zap.String("transport", "websocket"), zap.String("url", url)),
		events:         make(chan Event, 32),
		quit:           make(chan struct{}),
	}
}

// Open dials the socket endpoint. The handshake is capped by the connect
// timeout; exceeding it surfaces as a dial error classified as timeout.
func (t *socketTransport) Open() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.connectTimeout,
	}
	conn, _, err := dialer.Dial(t.url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop()
	return nil
}

func (t *socketTransport) Send(msg models.SignalMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return t.conn.WriteJSON(msg)
}

func (t *socketTransport) Events() <-chan Event {
	return t.events
}

// Close tears the socket down without emitting a closure event: a transport
// closed on purpose must not re-trigger reconnection logic.
func (t *socketTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
		if t.conn != nil {
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(time.Second))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
			t.conn.Close()
		}
	})
}

func (t *socketTransport) readLoop() {
	defer close(t.events)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.quit:
				// Torn down on purpose; swallow the close event.
				return
			default:
			}
			code, clean := closeDetails(err)
			t.events <- Event{Closed: true, CloseCode: code, Clean: clean, Err: err}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames are dropped, never fatal.
			t.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		t.events <- Event{Msg: &msg}
	}
}

// closeDetails extracts the websocket close code from a read error. A
// normal or going-away close counts as clean.
func closeDetails(err error) (code int, clean bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		clean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
		return ce.Code, clean
	}
	return websocket.CloseAbnormalClosure, false
}
