// Package wsserver hosts the three WebSocket RPC endpoints of SPEC_FULL
// §4.E.2, §4.E.3 and §6's subscribe_networkStatus: Validator List, Validator
// Details and Network Status. Each is a thin gorilla/websocket server
// (teacher's own transport dependency, internal/node/ws.go) fed by the
// Pub/Sub Cache's publish channels.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// upgrader is shared by all three servers; CheckOrigin is permissive
// because the core treats authentication as a boundary-layer concern (§7
// "Auth (at the boundary, not specified in core)").
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeRequest is the inbound envelope a client sends to pick a method
// (§6 "WebSocket RPC (exposed)"): {"method": "subscribe_validatorList"} or
// its per-account/unsubscribe variants.
type subscribeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// errorMessage is the serialized form of a user-visible WebSocket failure
// (§7 "Propagation": "User-visible failures in WebSocket subscriptions are
// serialized as ServiceError{description} before sink send").
type errorMessage struct {
	Error string `json:"error"`
}

// outbox is a per-connection, single-writer goroutine that serializes
// writes to one *websocket.Conn. gorilla/websocket forbids concurrent
// writers on the same connection; every server in this package funnels its
// sends through one of these rather than locking the conn directly.
type outbox struct {
	conn   *websocket.Conn
	ch     chan any
	done   chan struct{}
	closed sync.Once
}

func newOutbox(conn *websocket.Conn) *outbox {
	o := &outbox{conn: conn, ch: make(chan any, 64), done: make(chan struct{})}
	go o.run()
	return o
}

func (o *outbox) run() {
	for {
		select {
		case msg, ok := <-o.ch:
			if !ok {
				return
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := o.conn.WriteJSON(msg); err != nil {
				o.Close()
				return
			}
		case <-o.done:
			return
		}
	}
}

// send enqueues msg, dropping it (and closing the connection) if the
// client is too slow to keep up rather than blocking the publisher that
// called in (§9 "Broadcast bus": "a send failure closes that subscription
// without blocking publishers").
func (o *outbox) send(msg any) {
	select {
	case o.ch <- msg:
	default:
		o.Close()
	}
}

func (o *outbox) Close() {
	o.closed.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}

// readLoop reads subscribeRequest frames from conn until the socket closes,
// invoking handle for each. It returns when the connection is closed by
// either side, which is the cancellation signal every per-subscription
// task in this package watches (§5 "Cancellation").
func readLoop(log *logrus.Entry, conn *websocket.Conn, handle func(subscribeRequest)) {
	for {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}
		handle(req)
	}
}
