// Package jobs keeps the set of active mining jobs and routes share
// submissions to them.
package jobs

//go:generate mockgen -source=manager.go -destination=mocks/mock_sink.go -package=mocks ShareSink

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

// ShareSink receives accepted shares for persistence and block submission.
type ShareSink interface {
	PublishShare(ctx context.Context, share validation.Share) error
}

// Datasets is the dataset manager as seen by the job manager.
type Datasets interface {
	validation.DatasetSource
	RetireBelow(epoch uint64) []uint64
}

// Config holds job manager settings
type Config struct {
	// MaxBlockBacklog is how many heights behind the newest job a job stays
	// valid for submissions.
	MaxBlockBacklog uint64
	// RetargetGrace bounds how long the previous difficulty is honoured
	// after a retarget; zero means until the session clears it.
	RetargetGrace time.Duration
	// WarmDatasets builds a new job's dataset in the background so the
	// first share does not wait for it.
	WarmDatasets bool
}

// DefaultConfig returns the default job manager configuration
func DefaultConfig() Config {
	return Config{
		MaxBlockBacklog: 3,
		WarmDatasets:    true,
	}
}

// Manager owns the active jobs.
type Manager struct {
	cfg      Config
	datasets Datasets
	sink     ShareSink
	recorder metrics.Recorder
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	warm   sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*validation.Job
	current *validation.Job
}

// NewManager creates a job manager. sink may be nil.
func NewManager(cfg Config, datasets Datasets, sink ShareSink, recorder metrics.Recorder, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		datasets: datasets,
		sink:     sink,
		recorder: metrics.OrNoop(recorder),
		logger:   logger.WithComponent("jobs"),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*validation.Job),
	}
}

// AddJob registers a job for template. Jobs more than MaxBlockBacklog
// heights behind the newest job are dropped together with datasets of
// epochs no remaining job can reach.
func (m *Manager) AddJob(id string, template validation.Template) (*validation.Job, error) {
	job, err := validation.NewJob(id, template, m.datasets,
		validation.WithRetargetGrace(m.cfg.RetargetGrace),
		validation.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeValidation, "add_job", "duplicate job id").
			WithContext("job_id", id)
	}
	m.jobs[id] = job
	if m.current == nil || job.Height() >= m.current.Height() {
		m.current = job
	}
	pruned := m.pruneLocked()
	minEpoch := m.minEpochLocked()
	m.mu.Unlock()

	for _, old := range pruned {
		old.Close()
	}
	if retired := m.datasets.RetireBelow(minEpoch); len(retired) > 0 {
		m.logger.Info("retired unreachable datasets", "epochs", retired)
	}

	m.logger.WithJob(id, job.Height()).Debug("job added",
		"epoch", job.Epoch(),
		"pruned", len(pruned),
		"active", m.Len(),
	)

	if m.cfg.WarmDatasets {
		m.warmDataset(job.Epoch())
	}
	return job, nil
}

func (m *Manager) pruneLocked() []*validation.Job {
	var pruned []*validation.Job
	newest := m.current.Height()
	for id, job := range m.jobs {
		if job.Height()+m.cfg.MaxBlockBacklog < newest {
			delete(m.jobs, id)
			pruned = append(pruned, job)
		}
	}
	return pruned
}

func (m *Manager) minEpochLocked() uint64 {
	first := true
	var minEpoch uint64
	for _, job := range m.jobs {
		if first || job.Epoch() < minEpoch {
			minEpoch = job.Epoch()
			first = false
		}
	}
	return minEpoch
}

func (m *Manager) warmDataset(epoch uint64) {
	m.warm.Add(1)
	go func() {
		defer m.warm.Done()
		lease, err := m.datasets.GetOrBuild(m.ctx, epoch)
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.WithEpoch(epoch).WithError(err).Warn("failed to warm dataset")
			}
			return
		}
		lease.Release()
	}()
}

// SubmitShare validates a nonce for jobID submitted by worker. Accepted
// shares are handed to the sink; a sink failure does not reject the share.
func (m *Manager) SubmitShare(ctx context.Context, jobID string, worker validation.Worker, nonce string) (validation.Share, error) {
	wc := worker.Context()
	logger := m.logger.WithMiner(wc.Miner, wc.Worker)

	job := m.Job(jobID)
	if job == nil {
		m.recorder.ShareRejected(string(validation.ReasonJobNotFound))
		logger.LogShareSubmission(wc.Miner, wc.Worker, jobID, wc.Difficulty, string(validation.ReasonJobNotFound))
		return validation.Share{}, &validation.RejectError{Reason: validation.ReasonJobNotFound, Message: "stale share"}
	}

	share, err := job.ValidateShare(ctx, worker, nonce)
	if err != nil {
		reason := validation.ReasonOf(err)
		if reason == "" {
			reason = "error"
		}
		m.recorder.ShareRejected(string(reason))
		logger.LogShareSubmission(wc.Miner, wc.Worker, jobID, wc.Difficulty, string(reason))
		return validation.Share{}, err
	}

	m.recorder.ShareAccepted(share.Difficulty)
	logger.LogShareSubmission(share.Miner, share.Worker, jobID, share.Difficulty, "accepted")
	if share.IsBlockCandidate {
		m.recorder.BlockCandidate(share.BlockHeight)
		logger.LogBlockFound(share.MixDigest, share.BlockHeight, share.Miner, share.Worker, share.ActualDifficulty)
	}

	if m.sink != nil {
		if err := m.sink.PublishShare(ctx, share); err != nil {
			logger.WithShare(share.ID, share.Difficulty).WithError(err).Error("failed to publish accepted share")
		}
	}
	return share, nil
}

// Job returns the active job with id, or nil.
func (m *Manager) Job(id string) *validation.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Current returns the newest job, or nil before the first job.
func (m *Manager) Current() *validation.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Len returns the number of active jobs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// Close stops dataset warm-up and closes every job.
func (m *Manager) Close() {
	m.cancel()
	m.warm.Wait()

	m.mu.Lock()
	jobs := m.jobs
	m.jobs = make(map[string]*validation.Job)
	m.current = nil
	m.mu.Unlock()

	for _, job := range jobs {
		job.Close()
	}
}
