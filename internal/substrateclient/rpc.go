package substrateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// systemEventsStorageKey is the well-known twox128("System") ++
// twox128("Events") storage key. The hashing itself belongs to the SCALE
// codec library (§1 Non-goals); this constant is the conventional value
// published by every Substrate chain's metadata for this particular
// storage item.
const systemEventsStorageKey = "0x26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7"

// storagePageSize is the page size used for Staking::Validators,
// Staking::ErasStakers and Staking::Nominators key iteration (§4.A).
const storagePageSize = 1000

// accountQueryChunkSize bounds state_queryStorageAt requests (§4.A).
const accountQueryChunkSize = 1000

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcTransport is a per-endpoint JSON-RPC-over-HTTP transport plus the
// finalized-head WebSocket subscription (§4.A). It is the analogue of the
// teacher's httpClient (internal/node/client.go): a small struct holding an
// *http.Client with sane timeouts and a derived WebSocket URL.
type rpcTransport struct {
	http           *http.Client
	rpcURL         string
	wsURL          string
	requestTimeout time.Duration
	nextID         atomic.Uint64
}

func newRPCTransport(rpcURL, wsURL string, connectTimeout, requestTimeout time.Duration) *rpcTransport {
	return &rpcTransport{
		http:           &http.Client{Timeout: connectTimeout + requestTimeout},
		rpcURL:         rpcURL,
		wsURL:          wsURL,
		requestTimeout: requestTimeout,
	}
}

func (t *rpcTransport) call(ctx context.Context, method string, params []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (t *rpcTransport) getStorageRaw(ctx context.Context, blockHash, key string) (string, error) {
	var raw *string
	if err := t.call(ctx, "state_getStorage", []any{key, blockHash}, &raw); err != nil {
		return "", err
	}
	if raw == nil {
		return "0x", nil
	}
	return *raw, nil
}

// getKeysPaged iterates one storage prefix in pages of storagePageSize,
// following `state_getKeysPaged`'s startKey cursor convention (§4.A).
func (t *rpcTransport) getKeysPaged(ctx context.Context, blockHash, prefix string) ([]string, error) {
	var all []string
	startKey := ""
	for {
		var page []string
		params := []any{prefix, storagePageSize, startKey, blockHash}
		if startKey == "" {
			params = []any{prefix, storagePageSize, nil, blockHash}
		}
		if err := t.call(ctx, "state_getKeysPaged", params, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < storagePageSize {
			return all, nil
		}
		startKey = page[len(page)-1]
	}
}

// queryStorageAt looks up many keys at one block hash, chunking requests
// to accountQueryChunkSize keys each (§4.A "chunked into requests of
// ≤1000 keys ... via state_queryStorageAt").
func (t *rpcTransport) queryStorageAt(ctx context.Context, blockHash string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += accountQueryChunkSize {
		end := start + accountQueryChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		var results []struct {
			Block   string `json:"block"`
			Changes [][2]*string `json:"changes"`
		}
		if err := t.call(ctx, "state_queryStorageAt", []any{chunk, blockHash}, &results); err != nil {
			return nil, err
		}
		for _, r := range results {
			for _, change := range r.Changes {
				if change[0] == nil {
					continue
				}
				val := ""
				if change[1] != nil {
					val = *change[1]
				}
				out[*change[0]] = val
			}
		}
	}
	return out, nil
}

// trimHexPrefix is a small shared helper for hex key/value parsing used
// across storage.go and client.go.
func trimHexPrefix(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}
