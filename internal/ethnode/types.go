package ethnode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// Work is an eth_getWork package: [headerHash, seedHash, target, blockNumber].
type Work struct {
	HeaderHash string
	SeedHash   string
	Target     string
	// Height is the number of the block being mined. Nodes that return only
	// three elements leave it zero.
	Height uint64
}

// parseWork decodes an eth_getWork result.
func parseWork(raw json.RawMessage) (*Work, error) {
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_work", "unexpected eth_getWork result")
	}
	if len(parts) < 3 {
		return nil, errors.New(errors.ErrorTypeNode, "get_work", "eth_getWork returned too few elements").
			WithContext("elements", len(parts))
	}

	w := &Work{HeaderHash: parts[0], SeedHash: parts[1], Target: parts[2]}
	if len(parts) > 3 {
		h, err := parseQuantity(parts[3])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNode, "get_work", "invalid block number").
				WithContext("block_number", parts[3])
		}
		w.Height = h
	}
	return w, nil
}

// parseQuantity parses a 0x-prefixed hex quantity.
func parseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("quantity %q lacks 0x prefix", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

// formatNonce renders a nonce as the 8-byte hex data eth_submitWork expects.
func formatNonce(nonce string) (string, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(nonce)), "0x"), "0X")
	if s == "" || len(s) > 16 {
		return "", fmt.Errorf("nonce %q is not 1 to 16 hex digits", nonce)
	}
	if _, err := strconv.ParseUint(s, 16, 64); err != nil {
		return "", fmt.Errorf("nonce %q is not hex: %w", nonce, err)
	}
	return "0x" + strings.Repeat("0", 16-len(s)) + s, nil
}

func with0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
