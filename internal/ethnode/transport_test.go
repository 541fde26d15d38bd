package ethnode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

type nodeRequest struct {
	Jsonrpc string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// strictNode answers like a geth endpoint: anything but a 2.0 envelope is
// rejected as an invalid request.
type strictNode struct {
	mu       sync.Mutex
	requests []nodeRequest
	results  map[string]string
}

func (n *strictNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "pool" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if req.Jsonrpc != "2.0" || req.Params == nil {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid request"}}`))
		return
	}
	result, ok := n.results[req.Method]
	if !ok {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) +
			`,"error":{"code":-32601,"message":"the method ` + req.Method + ` does not exist/is not available"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
}

func newStrictClient(t *testing.T, node *strictNode, user string) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	c := newRPCClient(newHTTPTransport(srv.URL, user, "secret", time.Second))
	t.Cleanup(c.Close)
	return c
}

func TestHTTPTransport_SendsVersion2(t *testing.T) {
	node := &strictNode{results: map[string]string{
		"eth_blockNumber": `"0x1b4"`,
		"eth_submitWork":  `true`,
	}}
	c := newStrictClient(t, node, "pool")

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(436), n)

	ok, err := c.SubmitWork(context.Background(), "abc123", header, seed)
	require.NoError(t, err)
	require.True(t, ok)

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.requests, 2)
	require.Equal(t, "eth_blockNumber", node.requests[0].Method)
	require.Empty(t, node.requests[0].Params)
	require.Equal(t, `"0x0000000000abc123"`, string(node.requests[1].Params[0]))
	require.NotEqual(t, string(node.requests[0].ID), string(node.requests[1].ID))
}

func TestHTTPTransport_NodeErrorIsFinal(t *testing.T) {
	node := &strictNode{results: map[string]string{}}
	c := newStrictClient(t, node, "pool")

	_, err := c.GetWork(context.Background())
	require.Error(t, err)
	require.False(t, errors.IsRetryable(err))
	require.ErrorContains(t, err, "eth_getWork does not exist")

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.requests, 1, "node errors are not retried")
}

func TestHTTPTransport_Unauthorized(t *testing.T) {
	node := &strictNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	tr := newHTTPTransport(srv.URL, "", "", time.Second)
	defer tr.Shutdown()

	_, err := tr.RawRequest("eth_blockNumber", nil)
	require.ErrorContains(t, err, "401")
}

func TestNewRPCClient_InvalidAddress(t *testing.T) {
	_, err := NewRPCClient("", 8545, "", "")
	require.Error(t, err)

	_, err = NewRPCClient("127.0.0.1", 0, "", "")
	require.Error(t, err)
}
