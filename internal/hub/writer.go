package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	sendBufferSize = 32
)

// clientWriter owns all writes to one websocket connection. Gorilla
// connections allow a single concurrent writer, so the hub never writes
// directly.
type clientWriter struct {
	conn   *websocket.Conn
	clock  clockwork.Clock
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

// trySend queues a message without blocking. Reports false when the
// client is too slow to keep up.
func (cw *clientWriter) trySend(msg []byte) bool {
	select {
	case cw.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	_ = cw.conn.Close()
}

// stopGraceful sends a close frame with the given reason before
// tearing the connection down.
func (cw *clientWriter) stopGraceful(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(time.Second))
	_ = cw.conn.WriteMessage(websocket.CloseMessage, msg)
	cw.stop()
}
