package dataset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/sync/semaphore"

	"github.com/bardlex/gomp-ethash/internal/ethash"
	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

var (
	// ErrBuildTimeout is returned when no build slot was acquired within
	// Config.BuildLockTimeout. The request may be retried.
	ErrBuildTimeout = errors.Sentinel("timed out waiting for dataset build slot")

	// ErrRetired is returned when a dataset was retired before it could be
	// leased.
	ErrRetired = errors.Sentinel("dataset retired")

	// ErrClosed is returned after Close.
	ErrClosed = errors.Sentinel("dataset manager closed")
)

// Config holds dataset manager settings
type Config struct {
	// Dir holds memory-mapped dataset files; empty keeps datasets in
	// anonymous memory.
	Dir string
	// MaxResident bounds the datasets kept in memory, least recently used
	// first out.
	MaxResident int
	// Pregenerate builds the next epoch in the background once an epoch is
	// served. Requires MaxResident >= 2.
	Pregenerate bool
	// BuildLockTimeout bounds the wait for a build slot.
	BuildLockTimeout time.Duration
	// MaxConcurrentBuilds bounds builds across all epochs.
	MaxConcurrentBuilds int64
	// KeepOnDisk is the number of dataset files kept in Dir; 0 disables
	// pruning.
	KeepOnDisk int
	// PregenerateBackoff is how long background pre-generation of an epoch
	// is suspended after it failed.
	PregenerateBackoff time.Duration
}

// DefaultConfig returns the default dataset configuration: previous, current
// and next epoch resident, one build at a time.
func DefaultConfig() Config {
	return Config{
		MaxResident:         3,
		Pregenerate:         true,
		BuildLockTimeout:    30 * time.Minute,
		MaxConcurrentBuilds: 1,
		KeepOnDisk:          3,
		PregenerateBackoff:  5 * time.Minute,
	}
}

func (c Config) normalize() Config {
	if c.MaxResident < 1 {
		c.MaxResident = 1
	}
	if c.MaxResident < 2 {
		c.Pregenerate = false
	}
	if c.BuildLockTimeout <= 0 {
		c.BuildLockTimeout = DefaultConfig().BuildLockTimeout
	}
	if c.MaxConcurrentBuilds < 1 {
		c.MaxConcurrentBuilds = 1
	}
	if c.PregenerateBackoff <= 0 {
		c.PregenerateBackoff = DefaultConfig().PregenerateBackoff
	}
	return c
}

// generateFunc builds a full dataset from a light cache.
type generateFunc func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error)

// Manager owns all datasets of a process.
type Manager struct {
	cfg      Config
	params   ethash.Params
	logger   *log.Logger
	recorder metrics.Recorder

	builds   *semaphore.Weighted
	generate generateFunc
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu       sync.Mutex
	resident *simplelru.LRU
	pending  map[uint64]bool
	failed   map[uint64]time.Time
	closed   bool
}

// NewManager creates a dataset manager. Close must be called to release
// memory held by resident datasets.
func NewManager(cfg Config, params ethash.Params, logger *log.Logger, recorder metrics.Recorder) *Manager {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		params:   params,
		logger:   logger.WithComponent("dataset"),
		recorder: metrics.OrNoop(recorder),
		builds:   semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]bool),
		failed:   make(map[uint64]time.Time),
	}
	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		return ethash.GenerateFull(m.params, light, m.cfg.Dir, progress)
	}

	// The size is validated by normalize, so NewLRU cannot fail here.
	m.resident, _ = simplelru.NewLRU(cfg.MaxResident, m.onEvict)
	return m
}

// Params returns the Ethash parameters datasets are built with.
func (m *Manager) Params() ethash.Params {
	return m.params
}

// EpochOf returns the epoch of a block height.
func (m *Manager) EpochOf(height uint64) uint64 {
	return m.params.EpochOf(height)
}

// GetOrBuild returns a lease on the dataset for epoch, building it first if
// needed. Ready datasets are returned without taking the build lock.
// Concurrent callers for the same epoch share a single build.
func (m *Manager) GetOrBuild(ctx context.Context, epoch uint64) (*Lease, error) {
	lease, err := m.getOrBuild(ctx, epoch)
	if err != nil {
		return nil, err
	}
	m.pregenerate(epoch + 1)
	return lease, nil
}

// maxRetiredRetries bounds how often a lookup is repeated after the dataset
// it found was retired by a concurrent eviction.
const maxRetiredRetries = 2

func (m *Manager) getOrBuild(ctx context.Context, epoch uint64) (*Lease, error) {
	var err error
	for r := 0; r < maxRetiredRetries+1; r++ {
		var d *Dataset
		if d, err = m.lookup(epoch); err != nil {
			return nil, err
		}
		if lease := d.acquire(); lease != nil {
			return lease, nil
		}

		if err = m.build(ctx, d); err == nil {
			if lease := d.acquire(); lease != nil {
				return lease, nil
			}
			err = errors.Wrap(ErrRetired, errors.ErrorTypeDataset, "get_dataset", "dataset retired before it could be used").
				WithContext("epoch", epoch)
		}
		if !errors.Is(err, ErrRetired) {
			return nil, err
		}
	}
	return nil, err
}

// lookup returns the tracked dataset for epoch, adding it when missing.
// Adding may evict the least recently used dataset.
func (m *Manager) lookup(epoch uint64) (*Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.Wrap(ErrClosed, errors.ErrorTypeDataset, "get_dataset", "manager is closed")
	}

	var d *Dataset
	if v, ok := m.resident.Get(epoch); ok {
		d = v.(*Dataset)
	} else {
		d = newDataset(epoch)
		m.resident.Add(epoch, d)
		m.recorder.DatasetsResident(m.resident.Len())
	}
	d.touch(m.now())
	return d, nil
}

func (m *Manager) build(ctx context.Context, d *Dataset) error {
	logger := m.logger.WithEpoch(d.epoch)

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildLockTimeout)
	defer cancel()

	// Per-epoch slot first so callers waiting on an epoch that is already
	// being built do not occupy a global build slot.
	if err := d.slot.Acquire(waitCtx, 1); err != nil {
		return m.slotError(ctx, d.epoch, err)
	}
	defer d.slot.Release(1)

	// The epoch may have been built while this caller queued on its slot.
	switch d.currentState() {
	case StateReady:
		return nil
	case StateRetired:
		return errors.Wrap(ErrRetired, errors.ErrorTypeDataset, "build_dataset", "dataset retired while waiting to build").
			WithContext("epoch", d.epoch)
	}

	if err := m.builds.Acquire(waitCtx, 1); err != nil {
		return m.slotError(ctx, d.epoch, err)
	}
	defer m.builds.Release(1)

	switch d.begin() {
	case StateReady:
		return nil
	case StateRetired:
		return errors.Wrap(ErrRetired, errors.ErrorTypeDataset, "build_dataset", "dataset retired while waiting to build").
			WithContext("epoch", d.epoch)
	}

	start := m.now()
	full, err := m.buildFull(ctx, d.epoch, logger)
	took := m.now().Sub(start)
	if err != nil {
		d.abort()
		m.recorder.DatasetBuilt(d.epoch, took, err)
		logger.WithError(err).Error("dataset generation failed")
		return errors.Wrap(err, errors.ErrorTypeDataset, "build_dataset", "dataset generation failed").
			WithContext("epoch", d.epoch)
	}

	published, err := d.finish(full, took)
	if err != nil {
		logger.WithError(err).Warn("failed to release dataset retired during build")
	}
	if !published {
		return errors.Wrap(ErrRetired, errors.ErrorTypeDataset, "build_dataset", "dataset retired during build").
			WithContext("epoch", d.epoch)
	}

	m.recorder.DatasetBuilt(d.epoch, took, nil)
	logger.LogDuration("generate_dataset", took)
	m.pruneDisk(d.epoch)
	return nil
}

// buildFull generates the light cache and the full dataset. The light cache
// is released on every return path.
func (m *Manager) buildFull(ctx context.Context, epoch uint64, logger *log.Logger) (*ethash.Full, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	light, err := ethash.NewLight(m.params, epoch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := light.Release(); err != nil {
			logger.WithError(err).Warn("failed to release light cache")
		}
	}()

	logger.Info("generating dataset",
		"dataset_bytes", m.params.DatasetSize(epoch),
		"dir", m.cfg.Dir,
	)

	full, err := m.generate(light, func(percent int) bool {
		if percent%10 == 0 {
			logger.LogDatasetProgress(epoch, percent)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		if errors.Is(err, ethash.ErrAborted) && ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeDataset, "generate_dataset", "dataset generation cancelled")
		}
		return nil, err
	}
	if full == nil {
		return nil, errors.New(errors.ErrorTypeDataset, "generate_dataset", "generator returned no dataset")
	}
	return full, nil
}

func (m *Manager) slotError(ctx context.Context, epoch uint64, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrorTypeDataset, "acquire_build_slot", "cancelled while waiting for build slot").
			WithContext("epoch", epoch)
	}
	m.logger.WithEpoch(epoch).Warn("timed out waiting for dataset build slot",
		"timeout", m.cfg.BuildLockTimeout,
	)
	return errors.Wrap(ErrBuildTimeout, errors.ErrorTypeTimeout, "acquire_build_slot", "build slot not acquired in time").
		WithContext("epoch", epoch).
		WithContext("timeout", m.cfg.BuildLockTimeout.String())
}

// pregenerate builds epoch in the background unless it is already tracked,
// being built, or failed within PregenerateBackoff.
func (m *Manager) pregenerate(epoch uint64) {
	if !m.cfg.Pregenerate {
		return
	}

	m.mu.Lock()
	if m.closed || m.pending[epoch] {
		m.mu.Unlock()
		return
	}
	if v, ok := m.resident.Peek(epoch); ok && v.(*Dataset).currentState() != StateNotGenerated {
		m.mu.Unlock()
		return
	}
	if at, ok := m.failed[epoch]; ok && m.now().Sub(at) < m.cfg.PregenerateBackoff {
		m.mu.Unlock()
		return
	}
	m.pending[epoch] = true
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.pending, epoch)
			m.mu.Unlock()
		}()

		lease, err := m.getOrBuild(m.ctx, epoch)
		if err != nil {
			if m.ctx.Err() == nil {
				m.mu.Lock()
				m.failed[epoch] = m.now()
				m.mu.Unlock()
				m.logger.WithEpoch(epoch).WithError(err).Warn("dataset pre-generation failed",
					"retry_after", m.cfg.PregenerateBackoff)
			}
			return
		}
		m.mu.Lock()
		delete(m.failed, epoch)
		m.mu.Unlock()
		lease.Release()
	}()
}

func (m *Manager) pruneDisk(epoch uint64) {
	if m.cfg.Dir == "" || m.cfg.KeepOnDisk <= 0 {
		return
	}
	removed, err := ethash.PruneDisk(m.cfg.Dir, epoch, m.cfg.KeepOnDisk)
	if err != nil {
		m.logger.WithError(err).Warn("failed to prune dataset files")
	}
	for _, path := range removed {
		m.logger.Info("removed stale dataset file", "path", path)
	}
}

// onEvict runs with m.mu held whenever a dataset leaves the resident set.
func (m *Manager) onEvict(key, value interface{}) {
	d := value.(*Dataset)
	retired, err := d.retire()
	if err != nil {
		m.logger.WithEpoch(d.epoch).WithError(err).Warn("failed to release retired dataset")
	}
	if retired {
		m.recorder.DatasetRetired(d.epoch)
		m.logger.WithEpoch(d.epoch).Info("dataset retired")
	}
}

// Retire drops the dataset of an epoch. Outstanding leases stay valid until
// released.
func (m *Manager) Retire(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.resident.Remove(epoch)
	m.recorder.DatasetsResident(m.resident.Len())
	return removed
}

// RetireBelow drops every dataset older than epoch and returns the retired
// epochs.
func (m *Manager) RetireBelow(epoch uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retired []uint64
	for _, k := range m.resident.Keys() {
		if e := k.(uint64); e < epoch {
			m.resident.Remove(e)
			retired = append(retired, e)
		}
	}
	m.recorder.DatasetsResident(m.resident.Len())
	sort.Slice(retired, func(i, j int) bool { return retired[i] < retired[j] })
	return retired
}

// Resident returns the number of tracked datasets.
func (m *Manager) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resident.Len()
}

// Snapshot returns the tracked datasets ordered by epoch.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	datasets := make([]*Dataset, 0, m.resident.Len())
	for _, k := range m.resident.Keys() {
		if v, ok := m.resident.Peek(k); ok {
			datasets = append(datasets, v.(*Dataset))
		}
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(datasets))
	for _, d := range datasets {
		infos = append(infos, d.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Epoch < infos[j].Epoch })
	return infos
}

// Close cancels background builds and retires every dataset. Datasets with
// outstanding leases are released by their last lease.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.bg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for _, k := range m.resident.Keys() {
		v, ok := m.resident.Peek(k)
		if !ok {
			continue
		}
		d := v.(*Dataset)
		retired, err := d.retire()
		if err != nil {
			result = multierror.Append(result, err)
		}
		if retired {
			m.recorder.DatasetRetired(d.epoch)
		}
	}
	m.resident.Purge()
	m.recorder.DatasetsResident(0)
	return result.ErrorOrNil()
}
