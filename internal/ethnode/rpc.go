// Package ethnode talks to an Ethereum node: the work RPCs a pool needs and
// new-head notifications over ZMQ.
package ethnode

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-ethash/pkg/circuit"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/retry"
)

// rawCaller is the JSON-RPC transport.
type rawCaller interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// Node is the set of node calls the pool services use
type Node interface {
	GetWork(ctx context.Context) (*Work, error)
	SubmitWork(ctx context.Context, nonce, headerHash, mixDigest string) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// RPCClient calls an Ethereum node's JSON-RPC API over HTTP POST. Calls
// run behind a circuit breaker and are retried on transport errors.
type RPCClient struct {
	rpc            rawCaller
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ Node = (*RPCClient)(nil)

// requestTimeout bounds a single HTTP round trip to the node.
const requestTimeout = 30 * time.Second

// NewRPCClient creates a client for the node at host:port. No connection
// is made until the first call.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	if host == "" || port <= 0 || port > 65535 {
		return nil, errors.New(errors.ErrorTypeValidation, "rpc_client_creation", "invalid node address").
			WithContext("host", host).
			WithContext("port", port)
	}
	url := fmt.Sprintf("http://%s:%d", host, port)
	return newRPCClient(newHTTPTransport(url, username, password, requestTimeout)), nil
}

func newRPCClient(rpc rawCaller) *RPCClient {
	cb := circuit.NodeConfig("ethnode")
	cb.IsFailure = errors.IsRetryable
	return &RPCClient{
		rpc:            rpc,
		circuitBreaker: circuit.New(cb),
		retryConfig:    retry.NodeConfig(),
	}
}

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.rpc.Shutdown()
}

// call runs method through the breaker and retry policy. The transport is
// not context aware, so ctx only bounds how long the caller waits.
func (c *RPCClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, method, "failed to encode parameter")
		}
		raw = append(raw, b)
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func(ctx context.Context) (json.RawMessage, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) (json.RawMessage, error) {
			type result struct {
				msg json.RawMessage
				err error
			}
			done := make(chan result, 1)
			go func() {
				msg, err := c.rpc.RawRequest(method, raw)
				done <- result{msg, err}
			}()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case r := <-done:
				if r.err != nil {
					return nil, nodeError(method, r.err)
				}
				return r.msg, nil
			}
		})
	})
}

// nodeError classifies err. Errors the node answered with are final;
// transport failures are retryable.
func nodeError(method string, err error) error {
	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) {
		e := errors.Wrap(err, errors.ErrorTypeNode, method, "node returned an error").
			WithContext("code", int(rpcErr.Code))
		e.Retryable = false
		return e
	}
	e := errors.Wrap(err, errors.ErrorTypeNode, method, "node request failed")
	e.Retryable = true
	return e
}

// GetWork returns the node's current work package
func (c *RPCClient) GetWork(ctx context.Context) (*Work, error) {
	raw, err := c.call(ctx, "eth_getWork")
	if err != nil {
		return nil, err
	}
	return parseWork(raw)
}

// SubmitWork submits a solution. It reports whether the node accepted it.
func (c *RPCClient) SubmitWork(ctx context.Context, nonce, headerHash, mixDigest string) (bool, error) {
	n, err := formatNonce(nonce)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeValidation, "eth_submitWork", "invalid nonce")
	}

	raw, err := c.call(ctx, "eth_submitWork", n, with0x(headerHash), with0x(mixDigest))
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeNode, "eth_submitWork", "unexpected result")
	}
	return accepted, nil
}

// BlockNumber returns the number of the node's head block
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeNode, "eth_blockNumber", "unexpected result")
	}
	n, err := parseQuantity(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeNode, "eth_blockNumber", "invalid block number")
	}
	return n, nil
}
