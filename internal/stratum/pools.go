// Package stratum implements the EthereumStratum mining protocol: message
// parsing, sessions and variable difficulty.
package stratum

import (
	"encoding/json"
	"fmt"
	"sync"
)

// messagePool reuses inbound Message structs on the read path
var messagePool = sync.Pool{
	New: func() any {
		return &Message{}
	},
}

// GetMessage gets a reset Message from the pool
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	*msg = Message{}
	return msg
}

// PutMessage returns a Message to the pool
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// parsePooled parses data into a pooled Message. The caller returns it with
// PutMessage once the message is handled.
func parsePooled(data []byte) (*Message, error) {
	msg := GetMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		PutMessage(msg)
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return msg, nil
}
