package validation

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/bardlex/gomp-ethash/internal/dataset"
	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// Template is the work a job hands out: the header hash miners search a
// nonce for and the network target a block needs.
type Template struct {
	Height     uint64
	HeaderHash []byte
	SeedHash   []byte
	Target     *big.Int
}

// TemplateFromHex builds a Template from hex strings as delivered by
// eth_getWork. A "0x" prefix is optional.
func TemplateFromHex(height uint64, headerHash, seedHash, target string) (Template, error) {
	header, err := decodeHex(headerHash)
	if err != nil || len(header) != 32 {
		return Template{}, errors.New(errors.ErrorTypeValidation, "parse_template", "header hash must be 32 bytes of hex").
			WithContext("header_hash", headerHash)
	}

	var seed []byte
	if seedHash != "" {
		if seed, err = decodeHex(seedHash); err != nil || len(seed) != 32 {
			return Template{}, errors.New(errors.ErrorTypeValidation, "parse_template", "seed hash must be 32 bytes of hex").
				WithContext("seed_hash", seedHash)
		}
	}

	t, ok := new(big.Int).SetString(strip0x(target), 16)
	if !ok || t.Sign() < 0 {
		return Template{}, errors.New(errors.ErrorTypeValidation, "parse_template", "target must be hex").
			WithContext("target", target)
	}

	return Template{Height: height, HeaderHash: header, SeedHash: seed, Target: t}, nil
}

func (t Template) validate() *errors.ServiceError {
	if len(t.HeaderHash) != 32 {
		return errors.New(errors.ErrorTypeValidation, "new_job", "header hash must be 32 bytes")
	}
	if t.Target == nil || t.Target.Sign() < 0 {
		return errors.New(errors.ErrorTypeValidation, "new_job", "target is required")
	}
	return nil
}

// WorkerContext is the per-connection state a share is validated against.
type WorkerContext struct {
	Miner     string
	Worker    string
	IP        string
	UserAgent string

	// ExtraNonce is the hex nonce prefix assigned to the connection; empty
	// when the miner submits full nonces.
	ExtraNonce string

	Difficulty float64
	// PreviousDifficulty is the difficulty before the last retarget, zero
	// when there is none.
	PreviousDifficulty float64
	LastRetarget       time.Time
}

// Worker is the session-side view of a connected miner. OnDisconnect
// registers fn to run once when the connection ends, or immediately if it
// already has; the returned func unregisters it.
type Worker interface {
	ConnectionID() string
	Context() WorkerContext
	OnDisconnect(fn func()) (remove func())
}

// DatasetSource resolves the verification dataset for an epoch.
type DatasetSource interface {
	EpochOf(height uint64) uint64
	GetOrBuild(ctx context.Context, epoch uint64) (*dataset.Lease, error)
}

// Share is the immutable record of an accepted share.
type Share struct {
	ID          string
	JobID       string
	BlockHeight uint64

	Miner     string
	Worker    string
	IP        string
	UserAgent string

	// Difficulty is the stratum difficulty credited for the share; either
	// the worker's current difficulty or, after a retarget, the previous one.
	Difficulty float64
	// ActualDifficulty is the difficulty the submitted hash achieved.
	ActualDifficulty float64

	IsBlockCandidate bool
	Nonce            string
	HeaderHash       string
	MixDigest        string

	// TransactionConfirmationData is "0x<nonce>:0x<header>:0x<mix>" for
	// block candidates and empty otherwise.
	TransactionConfirmationData string

	Created time.Time
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strip0x(s))
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// canonicalNonce trims whitespace and an optional 0x prefix and lowercases
// the nonce so that case variants of one nonce compare equal.
func canonicalNonce(s string) string {
	return strings.ToLower(strip0x(strings.TrimSpace(s)))
}
