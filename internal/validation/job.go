// Package validation validates Ethash shares submitted against a mining job.
package validation

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gomp-ethash/internal/dataset"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

// Option configures a Job.
type Option func(*Job)

// WithRetargetGrace limits how long after a retarget the previous
// difficulty is still honoured. Zero honours it until the session clears it.
func WithRetargetGrace(d time.Duration) Option {
	return func(j *Job) { j.retargetGrace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// WithLogger sets the job's logger.
func WithLogger(l *log.Logger) Option {
	return func(j *Job) { j.logger = l }
}

// Job is one unit of work handed to miners. It validates the shares
// submitted against it and remembers which nonces each connection already
// submitted.
type Job struct {
	id       string
	template Template
	epoch    uint64
	source   DatasetSource

	retargetGrace time.Duration
	now           func() time.Time
	logger        *log.Logger
	created       time.Time

	mu      sync.Mutex
	workers map[string]*nonceSet
	closed  bool
}

type nonceSet struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	remove func()
}

// NewJob creates a job for a template. The epoch is derived from the
// template height using source.
func NewJob(id string, template Template, source DatasetSource, opts ...Option) (*Job, error) {
	if err := template.validate(); err != nil {
		return nil, err.WithContext("job_id", id)
	}

	j := &Job{
		id:       id,
		template: template,
		epoch:    source.EpochOf(template.Height),
		source:   source,
		now:      time.Now,
		workers:  make(map[string]*nonceSet),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = log.Nop()
	}
	j.logger = j.logger.WithJob(id, template.Height)
	j.created = j.now()
	return j, nil
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Height returns the block height the job mines on.
func (j *Job) Height() uint64 { return j.template.Height }

// Epoch returns the dataset epoch of the job.
func (j *Job) Epoch() uint64 { return j.epoch }

// Template returns the job's work template.
func (j *Job) Template() Template { return j.template }

// Created returns when the job was created.
func (j *Job) Created() time.Time { return j.created }

// TrackedWorkers returns the number of connections with recorded nonces.
func (j *Job) TrackedWorkers() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.workers)
}

// ValidateShare validates a nonce submitted by worker. It returns the
// accepted share or a *RejectError.
func (j *Job) ValidateShare(ctx context.Context, worker Worker, rawNonce string) (Share, error) {
	wc := worker.Context()
	suffix := canonicalNonce(rawNonce)
	if suffix == "" {
		return Share{}, reject(ReasonMalformedNonce, "missing nonce")
	}

	nonceValue, err := assembleNonce(canonicalNonce(wc.ExtraNonce), suffix)
	if err != nil {
		return Share{}, err
	}

	// Nonces are tracked by value so zero-padded spellings of one nonce
	// collide.
	fullNonce := fmt.Sprintf("%016x", nonceValue)
	duplicate, err := j.registerNonce(worker, fullNonce)
	if err != nil {
		return Share{}, err
	}
	if duplicate {
		return Share{}, reject(ReasonDuplicateShare, "duplicate share")
	}

	lease, err := j.source.GetOrBuild(ctx, j.epoch)
	if err != nil {
		return Share{}, datasetReject(err, j.epoch)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			j.logger.WithError(err).Warn("failed to release dataset lease")
		}
	}()

	result, ok := lease.Compute(j.template.HeaderHash, nonceValue)
	if !ok {
		return Share{}, reject(ReasonInvalidHash, "bad hash")
	}

	value := new(big.Int).SetBytes(result.Value[:])
	shareDiff := ShareDifficulty(value)
	isCandidate := value.Cmp(j.template.Target) <= 0

	credited := wc.Difficulty
	if !isCandidate {
		if credited, ok = j.creditedDifficulty(wc, shareDiff); !ok {
			return Share{}, &RejectError{
				Reason:     ReasonLowDifficulty,
				Message:    fmt.Sprintf("low difficulty share (%v)", shareDiff),
				Difficulty: shareDiff,
			}
		}
	}

	share := Share{
		ID:               uuid.NewString(),
		JobID:            j.id,
		BlockHeight:      j.template.Height,
		Miner:            wc.Miner,
		Worker:           wc.Worker,
		IP:               wc.IP,
		UserAgent:        wc.UserAgent,
		Difficulty:       credited,
		ActualDifficulty: shareDiff,
		IsBlockCandidate: isCandidate,
		Nonce:            fullNonce,
		HeaderHash:       hex.EncodeToString(j.template.HeaderHash),
		MixDigest:        hex.EncodeToString(result.MixDigest[:]),
		Created:          j.now(),
	}
	if isCandidate {
		share.TransactionConfirmationData = fmt.Sprintf("0x%s:0x%s:0x%s", share.Nonce, share.HeaderHash, share.MixDigest)
	}
	return share, nil
}

// creditedDifficulty returns the stratum difficulty a non-candidate share is
// credited with, checking the current difficulty first and, after a
// retarget, the previous one.
func (j *Job) creditedDifficulty(wc WorkerContext, shareDiff float64) (float64, bool) {
	if wc.Difficulty > 0 && shareDiff/wc.Difficulty >= ShareTolerance {
		return wc.Difficulty, true
	}
	if !j.retargetActive(wc) {
		return 0, false
	}
	if shareDiff/wc.PreviousDifficulty >= ShareTolerance {
		return wc.PreviousDifficulty, true
	}
	return 0, false
}

func (j *Job) retargetActive(wc WorkerContext) bool {
	if wc.PreviousDifficulty <= 0 || wc.LastRetarget.IsZero() {
		return false
	}
	return j.retargetGrace <= 0 || j.now().Sub(wc.LastRetarget) <= j.retargetGrace
}

// registerNonce records nonce for the worker's connection and reports
// whether it was already present. The first nonce of a connection registers
// a disconnect hook that drops the connection's table.
func (j *Job) registerNonce(worker Worker, nonce string) (bool, error) {
	connID := worker.ConnectionID()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return false, reject(ReasonJobNotFound, "stale share")
	}
	set, ok := j.workers[connID]
	if !ok {
		set = &nonceSet{seen: make(map[string]struct{})}
		j.workers[connID] = set
	}
	j.mu.Unlock()

	if !ok {
		remove := worker.OnDisconnect(func() { j.forget(connID, set) })
		set.mu.Lock()
		set.remove = remove
		set.mu.Unlock()

		j.mu.Lock()
		closed := j.closed
		j.mu.Unlock()
		if closed {
			remove()
		}
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	if _, dup := set.seen[nonce]; dup {
		return true, nil
	}
	set.seen[nonce] = struct{}{}
	return false, nil
}

// forget drops a connection's nonce table. It is the disconnect hook
// registered by registerNonce.
func (j *Job) forget(connID string, set *nonceSet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.workers[connID] == set {
		delete(j.workers, connID)
	}
}

// Close drops all nonce tables and unregisters their disconnect hooks.
// Shares submitted afterwards are rejected as stale.
func (j *Job) Close() {
	j.mu.Lock()
	sets := j.workers
	j.workers = make(map[string]*nonceSet)
	j.closed = true
	j.mu.Unlock()

	for _, set := range sets {
		set.mu.Lock()
		remove := set.remove
		set.mu.Unlock()
		if remove != nil {
			remove()
		}
	}
}

// assembleNonce prepends the connection's extranonce to the submitted
// suffix. With an extranonce the two must fill all 16 digits so the prefix
// stays in the high bytes of the nonce.
func assembleNonce(extraNonce, suffix string) (uint64, error) {
	full := extraNonce + suffix
	if extraNonce != "" && len(full) != 16 {
		return 0, reject(ReasonMalformedNonce, fmt.Sprintf("nonce must be %d hex digits after extranonce", 16-len(extraNonce)))
	}
	return parseNonce(full)
}

// parseNonce parses a full nonce of up to 16 hex digits.
func parseNonce(s string) (uint64, error) {
	if s == "" || len(s) > 16 {
		return 0, reject(ReasonMalformedNonce, "malformed nonce")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &RejectError{Reason: ReasonMalformedNonce, Message: "malformed nonce", Cause: err}
	}
	return v, nil
}

func datasetReject(err error, epoch uint64) *RejectError {
	reason := ReasonDatasetBuildFailed
	if errors.Is(err, dataset.ErrBuildTimeout) || errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonDatasetBuildTimeout
	}
	return &RejectError{
		Reason:  reason,
		Message: fmt.Sprintf("verification dataset for epoch %d unavailable", epoch),
		Cause:   err,
	}
}
