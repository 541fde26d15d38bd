package stratum

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bardlex/gomp-ethash/internal/validation"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Methods
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodExtranonce    = "mining.extranonce.subscribe"
)

// ProtocolVersion is announced in the subscribe response.
const ProtocolVersion = "EthereumStratum/1.0.0"

// RejectCode maps a share rejection reason to its wire error code.
func RejectCode(reason validation.Reason) int {
	switch reason {
	case validation.ReasonJobNotFound:
		return ErrorJobNotFound
	case validation.ReasonDuplicateShare:
		return ErrorDuplicateShare
	case validation.ReasonLowDifficulty:
		return ErrorLowDifficulty
	case validation.ReasonMalformedNonce:
		return ErrorInvalidParams
	default:
		return ErrorOther
	}
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	Protocol  string
}

// AuthorizeRequest represents a mining.authorize request. Username is
// "<address>[.<worker>]".
type AuthorizeRequest struct {
	Username string
	Password string
}

// Miner returns the payout address part of Username.
func (r *AuthorizeRequest) Miner() string {
	miner, _, _ := strings.Cut(r.Username, ".")
	return miner
}

// Worker returns the worker part of Username, "default" when absent.
func (r *AuthorizeRequest) Worker() string {
	if _, worker, ok := strings.Cut(r.Username, "."); ok && worker != "" {
		return worker
	}
	return "default"
}

// SubmitRequest represents a mining.submit request. Nonce is the worker's
// part of the nonce; the session's extranonce prefix completes it.
type SubmitRequest struct {
	Worker string
	JobID  string
	Nonce  string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// SubscribeResult builds the mining.subscribe result:
// [["mining.notify", sessionID, protocol], extranonce].
func SubscribeResult(sessionID, extraNonce string) []any {
	return []any{
		[]string{MethodNotify, sessionID, ProtocolVersion},
		extraNonce,
	}
}

// NotifyParams builds mining.notify parameters:
// [jobId, seedHash, headerHash, cleanJobs].
func NotifyParams(jobID, seedHash, headerHash string, cleanJobs bool) []any {
	return []any{jobID, strip0x(seedHash), strip0x(headerHash), cleanJobs}
}

// ParseSubscribeRequest parses mining.subscribe parameters
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if protocol, ok := params[1].(string); ok {
			req.Protocol = protocol
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters [worker, jobId, nonce]
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	worker, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("worker must be string")
	}

	jobID, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	nonce, ok := params[2].(string)
	if !ok {
		return nil, fmt.Errorf("nonce must be string")
	}

	return &SubmitRequest{
		Worker: worker,
		JobID:  jobID,
		Nonce:  nonce,
	}, nil
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
