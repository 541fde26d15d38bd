package ethnode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
)

// maxResponseBytes bounds a node response body.
const maxResponseBytes = 4 << 20

// httpTransport posts JSON-RPC 2.0 requests to a node. Ethereum nodes reject
// the 1.0 envelope sent by rpcclient, so requests are framed here with the
// btcjson types and version 2.0.
type httpTransport struct {
	url    string
	user   string
	pass   string
	client *http.Client
	nextID atomic.Uint64
}

func newHTTPTransport(url, user, pass string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		url:    url,
		user:   user,
		pass:   pass,
		client: &http.Client{Timeout: timeout},
	}
}

// RawRequest sends method with already encoded params. A node error is
// returned as *btcjson.RPCError.
func (t *httpTransport) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	if params == nil {
		params = []json.RawMessage{}
	}
	body, err := json.Marshal(&btcjson.Request{
		Jsonrpc: btcjson.RpcVersion2,
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.user != "" {
		req.SetBasicAuth(t.user, t.pass)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var reply btcjson.Response
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("node replied %s: %w", resp.Status, err)
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node replied %s", resp.Status)
	}
	return reply.Result, nil
}

// Shutdown drops idle connections.
func (t *httpTransport) Shutdown() {
	t.client.CloseIdleConnections()
}
