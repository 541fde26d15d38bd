package postgres

import (
	"time"

	"github.com/bardlex/gomp-ethash/internal/validation"
)

// Miner is a payout address that submitted shares
type Miner struct {
	ID         int64     `db:"id"`
	Address    string    `db:"address"`
	CreatedAt  time.Time `db:"created_at"`
	LastSeenAt time.Time `db:"last_seen_at"`
}

// Share is a persisted accepted share
type Share struct {
	ID               string    `db:"id"`
	MinerID          int64     `db:"miner_id"`
	Worker           string    `db:"worker"`
	JobID            string    `db:"job_id"`
	BlockHeight      int64     `db:"block_height"`
	Difficulty       float64   `db:"difficulty"`
	ActualDifficulty float64   `db:"actual_difficulty"`
	IsBlockCandidate bool      `db:"is_block_candidate"`
	Nonce            string    `db:"nonce"`
	HeaderHash       string    `db:"header_hash"`
	MixDigest        string    `db:"mix_digest"`
	IPAddress        string    `db:"ip_address"`
	UserAgent        string    `db:"user_agent"`
	CreatedAt        time.Time `db:"created_at"`
}

// NewShare converts an accepted share for minerID.
func NewShare(minerID int64, s validation.Share) *Share {
	return &Share{
		ID:               s.ID,
		MinerID:          minerID,
		Worker:           s.Worker,
		JobID:            s.JobID,
		BlockHeight:      int64(s.BlockHeight),
		Difficulty:       s.Difficulty,
		ActualDifficulty: s.ActualDifficulty,
		IsBlockCandidate: s.IsBlockCandidate,
		Nonce:            s.Nonce,
		HeaderHash:       s.HeaderHash,
		MixDigest:        s.MixDigest,
		IPAddress:        s.IP,
		UserAgent:        s.UserAgent,
		CreatedAt:        s.Created,
	}
}

// Block statuses
const (
	BlockPending  = "pending"
	BlockAccepted = "accepted"
	BlockRejected = "rejected"
	BlockError    = "error"
)

// Block is a block candidate and its submission outcome
type Block struct {
	ID               int64      `db:"id"`
	ShareID          string     `db:"share_id"`
	BlockHeight      int64      `db:"block_height"`
	Miner            string     `db:"miner"`
	Worker           string     `db:"worker"`
	Nonce            string     `db:"nonce"`
	HeaderHash       string     `db:"header_hash"`
	MixDigest        string     `db:"mix_digest"`
	ConfirmationData string     `db:"confirmation_data"`
	Difficulty       float64    `db:"difficulty"`
	Status           string     `db:"status"`
	ErrorMessage     string     `db:"error_message"`
	FoundAt          time.Time  `db:"found_at"`
	SubmittedAt      *time.Time `db:"submitted_at"`
}
