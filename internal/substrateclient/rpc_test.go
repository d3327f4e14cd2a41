package substrateclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *rpcTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newRPCTransport(srv.URL, "ws://unused", 2*time.Second, 2*time.Second)
}

func decodeRequest(t *testing.T, r *http.Request) rpcRequest {
	t.Helper()
	var req rpcRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func writeResult(t *testing.T, w http.ResponseWriter, id uint64, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{ID: id, Result: raw}))
}

func TestRPCTransport_Call(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "chain_getBlockHash", req.Method)
		writeResult(t, w, req.ID, "0xcafe")
	})

	var hash string
	require.NoError(t, tr.call(context.Background(), "chain_getBlockHash", []any{uint32(7)}, &hash))
	assert.Equal(t, "0xcafe", hash)
}

func TestRPCTransport_CallSurfacesRPCError(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	var out string
	err := tr.call(context.Background(), "bogus_method", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestRPCTransport_GetKeysPagedFollowsCursor(t *testing.T) {
	// First page is exactly storagePageSize keys, so the iterator must
	// issue a second request starting from the last key of page one.
	fullPage := make([]string, storagePageSize)
	for i := range fullPage {
		fullPage[i] = fmt.Sprintf("0xkey%04d", i)
	}
	lastPage := []string{"0xtail0", "0xtail1"}

	var calls int
	var secondStart any
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		calls++
		switch calls {
		case 1:
			writeResult(t, w, req.ID, fullPage)
		case 2:
			secondStart = req.Params[2]
			writeResult(t, w, req.ID, lastPage)
		default:
			t.Fatalf("unexpected third request")
		}
	})

	keys, err := tr.getKeysPaged(context.Background(), "0xblock", "0xprefix")
	require.NoError(t, err)
	assert.Len(t, keys, storagePageSize+2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, fullPage[len(fullPage)-1], secondStart, "second page must resume from the last key seen")
}

func TestRPCTransport_QueryStorageAtChunksRequests(t *testing.T) {
	keys := make([]string, accountQueryChunkSize+500)
	for i := range keys {
		keys[i] = fmt.Sprintf("0xacct%05d", i)
	}

	var chunkSizes []int
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		chunk, ok := req.Params[0].([]any)
		require.True(t, ok)
		chunkSizes = append(chunkSizes, len(chunk))

		changes := make([][2]*string, len(chunk))
		for i, k := range chunk {
			key := k.(string)
			val := "0xvalue"
			changes[i] = [2]*string{&key, &val}
		}
		writeResult(t, w, req.ID, []map[string]any{{"block": "0xblock", "changes": changes}})
	})

	out, err := tr.queryStorageAt(context.Background(), "0xblock", keys)
	require.NoError(t, err)
	assert.Len(t, out, len(keys))
	assert.Equal(t, []int{accountQueryChunkSize, 500}, chunkSizes)
	assert.Equal(t, "0xvalue", out[keys[0]])
}

func TestRPCTransport_GetStorageRawMissingValueIsEmptyHex(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		writeResult(t, w, req.ID, nil)
	})

	raw, err := tr.getStorageRaw(context.Background(), "0xblock", "0xkey")
	require.NoError(t, err)
	assert.Equal(t, "0x", raw)
}
