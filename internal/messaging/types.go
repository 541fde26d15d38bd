package messaging

import (
	"time"

	"github.com/bardlex/gomp-ethash/internal/validation"
)

// JobMessage is an eth_getWork package distributed to stratumd services
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Height     uint64    `json:"height"`
	HeaderHash string    `json:"header_hash"`
	SeedHash   string    `json:"seed_hash"`
	Target     string    `json:"target"`
	CleanJobs  bool      `json:"clean_jobs"`
	CreatedAt  time.Time `json:"created_at"`
}

// Template converts the work package into a validation template.
func (m JobMessage) Template() (validation.Template, error) {
	return validation.TemplateFromHex(m.Height, m.HeaderHash, m.SeedHash, m.Target)
}

// BlockCandidateMessage carries a share whose hash meets the network target
// from stratumd to blocksubmit.
type BlockCandidateMessage struct {
	ShareID     string `json:"share_id"`
	JobID       string `json:"job_id"`
	BlockHeight uint64 `json:"block_height"`
	Nonce       string `json:"nonce"`
	HeaderHash  string `json:"header_hash"`
	MixDigest   string `json:"mix_digest"`
	// ConfirmationData is "0x<nonce>:0x<header>:0x<mix>".
	ConfirmationData string    `json:"confirmation_data"`
	Miner            string    `json:"miner"`
	Worker           string    `json:"worker"`
	Difficulty       float64   `json:"difficulty"`
	FoundAt          time.Time `json:"found_at"`
}

// NewBlockCandidate builds the candidate message for an accepted share.
func NewBlockCandidate(share validation.Share) BlockCandidateMessage {
	return BlockCandidateMessage{
		ShareID:          share.ID,
		JobID:            share.JobID,
		BlockHeight:      share.BlockHeight,
		Nonce:            share.Nonce,
		HeaderHash:       share.HeaderHash,
		MixDigest:        share.MixDigest,
		ConfirmationData: share.TransactionConfirmationData,
		Miner:            share.Miner,
		Worker:           share.Worker,
		Difficulty:       share.ActualDifficulty,
		FoundAt:          share.Created,
	}
}

// Block submission statuses
const (
	BlockStatusAccepted = "accepted"
	BlockStatusRejected = "rejected"
	BlockStatusError    = "error"
)

// BlockSubmissionResult is the outcome of eth_submitWork for a candidate
type BlockSubmissionResult struct {
	ShareID        string    `json:"share_id"`
	BlockHeight    uint64    `json:"block_height"`
	Nonce          string    `json:"nonce"`
	MixDigest      string    `json:"mix_digest"`
	Miner          string    `json:"miner"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SubmissionTime time.Time `json:"submission_time"`
	LatencyMs      float64   `json:"latency_ms"`
}
