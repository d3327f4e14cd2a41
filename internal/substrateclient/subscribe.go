package substrateclient

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helikon-labs/subvt-backend/internal/subvterr"
)

// subscribeRequest and the notification envelope below mirror
// the JSON-RPC pubsub convention every Substrate node speaks for
// chain_subscribeFinalizedHeads: one request carrying a subscription method
// name, then a stream of {"method":"chain_finalizedHead","params":{"result":...}}
// notifications sharing the original subscription id.
type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type headerNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Number         string   `json:"number"`
			ParentHash     string   `json:"parentHash"`
			StateRoot      string   `json:"stateRoot"`
			ExtrinsicsRoot string   `json:"extrinsicsRoot"`
			Digest         struct {
				Logs []string `json:"logs"`
			} `json:"digest"`
		} `json:"result"`
	} `json:"params"`
}

// SubscribeToFinalizedBlocks dials the configured WebSocket endpoint and
// streams chain_subscribeFinalizedHeads notifications to callback until ctx
// is cancelled or the connection fails (§4.A). Grounded on the teacher's
// DialAndSubscribeHeaders: gorilla/websocket dial, one subscribe message,
// a read loop, and a best-effort close handshake on exit.
func (c *client) SubscribeToFinalizedBlocks(ctx context.Context, callback func(BlockHeader)) error {
	u, err := url.Parse(c.rpc.wsURL)
	if err != nil {
		return subvterr.NewTransportError("parse ws url", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return subvterr.NewTransportError("dial finalized head subscription", err)
	}

	sub := subscribeRequest{
		JSONRPC: "2.0",
		ID:      c.rpc.nextID.Add(1),
		Method:  "chain_subscribeFinalizedHeads",
		Params:  nil,
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return subvterr.NewTransportError("send chain_subscribeFinalizedHeads", err)
	}

	defer func() {
		deadline := time.Now().Add(1500 * time.Millisecond)
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.SetReadDeadline(deadline)
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// The request timeout doubles as an idle kick: a healthy chain
		// finalizes well inside it, so a silent connection is treated as
		// dead and the outer loop reconnects (§5 "Timeouts").
		if c.rpc.requestTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.rpc.requestTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return subvterr.NewTransportError("read finalized head notification", err)
		}
		header, ok := parseFinalizedHeadNotification(msg)
		if !ok {
			continue
		}
		callback(header)
	}
}

func parseFinalizedHeadNotification(b []byte) (BlockHeader, bool) {
	var n headerNotification
	if err := json.Unmarshal(b, &n); err != nil {
		return BlockHeader{}, false
	}
	if n.Method != "chain_finalizedHead" || n.Params.Result.Number == "" {
		return BlockHeader{}, false
	}
	num, err := parseHexU32(n.Params.Result.Number)
	if err != nil {
		return BlockHeader{}, false
	}
	return BlockHeader{
		Number:         num,
		ParentHash:     n.Params.Result.ParentHash,
		StateRoot:      n.Params.Result.StateRoot,
		ExtrinsicsRoot: n.Params.Result.ExtrinsicsRoot,
		DigestLogsHex:  n.Params.Result.Digest.Logs,
	}, true
}
