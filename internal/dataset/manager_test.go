package dataset

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gomp-ethash/internal/ethash"
	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/pkg/errors"
)

var testHeader, _ = hex.DecodeString("c9149cc0386e689d789a1c2f3d5d169a61a6218ed30e74414dc736e442ef3d1f")

type buildRecorder struct {
	metrics.NoopRecorder

	mu      sync.Mutex
	built   map[uint64]int
	failed  map[uint64]int
	retired []uint64
}

func newBuildRecorder() *buildRecorder {
	return &buildRecorder{built: map[uint64]int{}, failed: map[uint64]int{}}
}

func (r *buildRecorder) DatasetBuilt(epoch uint64, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed[epoch]++
		return
	}
	r.built[epoch]++
}

func (r *buildRecorder) DatasetRetired(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, epoch)
}

func (r *buildRecorder) builds(epoch uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built[epoch]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pregenerate = false
	cfg.BuildLockTimeout = 5 * time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *buildRecorder) {
	t.Helper()
	rec := newBuildRecorder()
	m := NewManager(cfg, ethash.TestParams, nil, rec)
	t.Cleanup(func() { m.Close() })
	return m, rec
}

// blockingGenerate replaces the generator with one that signals entry and
// waits for release before building.
func blockingGenerate(m *Manager) (entered chan uint64, release chan struct{}) {
	entered = make(chan uint64, 16)
	release = make(chan struct{})
	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		entered <- light.Epoch()
		<-release
		return ethash.GenerateFull(ethash.TestParams, light, "", progress)
	}
	return entered, release
}

func lightResult(t *testing.T, epoch, nonce uint64) ethash.Result {
	t.Helper()
	light, err := ethash.NewLight(ethash.TestParams, epoch)
	require.NoError(t, err)
	defer light.Release()
	res, ok := light.Compute(testHeader, nonce)
	require.True(t, ok)
	return res
}

func TestGetOrBuild_SingleBuildForConcurrentCallers(t *testing.T) {
	m, rec := newTestManager(t, testConfig())
	want := lightResult(t, 0, 99)

	const callers = 16
	leases := make([]*Lease, callers)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			lease, err := m.GetOrBuild(context.Background(), 0)
			leases[i] = lease
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, rec.builds(0))
	for _, lease := range leases {
		got, ok := lease.Compute(testHeader, 99)
		require.True(t, ok)
		require.Equal(t, want, got)
		require.NoError(t, lease.Release())
	}

	infos := m.Snapshot()
	require.Len(t, infos, 1)
	require.Equal(t, StateReady, infos[0].State)
	require.Zero(t, infos[0].Leases)
}

func TestGetOrBuild_ReadyDatasetSkipsBuildLock(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	lease, err := m.GetOrBuild(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	// Occupy every build slot; a ready dataset must still be served.
	require.True(t, m.builds.TryAcquire(1))
	defer m.builds.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err = m.GetOrBuild(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lease.Epoch())
	require.NoError(t, lease.Release())
}

func TestGetOrBuild_BuildLockTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BuildLockTimeout = 50 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	entered, release := blockingGenerate(m)

	first := make(chan error, 1)
	go func() {
		lease, err := m.GetOrBuild(context.Background(), 0)
		if err == nil {
			lease.Release()
		}
		first <- err
	}()
	require.Equal(t, uint64(0), <-entered)

	for _, epoch := range []uint64{0, 1} {
		_, err := m.GetOrBuild(context.Background(), epoch)
		require.Error(t, err, "epoch %d", epoch)
		require.True(t, errors.Is(err, ErrBuildTimeout))
		require.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
		require.True(t, errors.IsRetryable(err))
	}

	close(release)
	require.NoError(t, <-first)
}

func TestGetOrBuild_CancelledBuildReleasesLightAndAllowsRetry(t *testing.T) {
	m, rec := newTestManager(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	var captured *ethash.Light
	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		captured = light
		cancel()
		return ethash.GenerateFull(ethash.TestParams, light, "", progress)
	}

	_, err := m.GetOrBuild(ctx, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, errors.IsRetryable(err))
	require.NotNil(t, captured)
	require.True(t, captured.Released())

	infos := m.Snapshot()
	require.Len(t, infos, 1)
	require.Equal(t, StateNotGenerated, infos[0].State)
	require.Equal(t, 1, rec.failed[0])

	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		return ethash.GenerateFull(ethash.TestParams, light, "", progress)
	}
	lease, err := m.GetOrBuild(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.Equal(t, 1, rec.builds(0))
}

func TestGetOrBuild_GeneratorFailure(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	boom := errors.New(errors.ErrorTypeDataset, "allocate_dataset", "out of memory")
	m.generate = func(*ethash.Light, ethash.ProgressFunc) (*ethash.Full, error) {
		return nil, boom
	}

	_, err := m.GetOrBuild(context.Background(), 3)
	require.Error(t, err)
	require.True(t, errors.Is(err, boom))
	require.False(t, errors.Is(err, ErrBuildTimeout))
	require.Equal(t, StateNotGenerated, m.Snapshot()[0].State)
}

func TestGetOrBuild_CancelledWhileWaiting(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	entered, release := blockingGenerate(m)
	defer close(release)

	go m.GetOrBuild(context.Background(), 0)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetOrBuild(ctx, 1)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBuildTimeout))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGetOrBuild_QueuedCallerDoesNotWaitForOtherEpochBuild(t *testing.T) {
	cfg := testConfig()
	cfg.BuildLockTimeout = time.Second
	m, rec := newTestManager(t, cfg)

	gates := map[uint64]chan struct{}{1: make(chan struct{}), 5: make(chan struct{})}
	entered := make(chan uint64, 4)
	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		entered <- light.Epoch()
		<-gates[light.Epoch()]
		return ethash.GenerateFull(ethash.TestParams, light, "", progress)
	}

	get := func(epoch uint64) <-chan error {
		done := make(chan error, 1)
		go func() {
			lease, err := m.GetOrBuild(context.Background(), epoch)
			if err == nil {
				err = lease.Release()
			}
			done <- err
		}()
		return done
	}

	first := get(1)
	require.Equal(t, uint64(1), <-entered)

	// epoch 5 queues on the build slot, a second caller for epoch 1 on the
	// epoch's own slot
	other := get(5)
	time.Sleep(50 * time.Millisecond)
	second := get(1)
	time.Sleep(50 * time.Millisecond)

	close(gates[1])
	require.NoError(t, <-first)
	require.Equal(t, uint64(5), <-entered)

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("caller for a ready epoch still waiting")
	}
	require.Equal(t, 1, rec.builds(1))

	close(gates[5])
	require.NoError(t, <-other)
}

func TestPregenerateBacksOffAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Pregenerate = true
	cfg.PregenerateBackoff = time.Minute
	m, _ := newTestManager(t, cfg)

	var offset atomic.Int64
	m.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	var mu sync.Mutex
	attempts := 0
	m.generate = func(light *ethash.Light, progress ethash.ProgressFunc) (*ethash.Full, error) {
		if light.Epoch() == 8 {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New(errors.ErrorTypeDataset, "allocate_dataset", "out of memory")
		}
		return ethash.GenerateFull(ethash.TestParams, light, "", progress)
	}
	calls := func() int {
		mu.Lock()
		defer mu.Unlock()
		return attempts
	}
	settled := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.pending[8]
	}
	serve := func() {
		lease, err := m.GetOrBuild(context.Background(), 7)
		require.NoError(t, err)
		require.NoError(t, lease.Release())
	}

	serve()
	require.Eventually(t, func() bool { return calls() == 1 && settled() }, 5*time.Second, 5*time.Millisecond)

	for j := 0; j < 50; j++ {
		serve()
	}
	require.Eventually(t, settled, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, calls())

	offset.Store(int64(2 * time.Minute))
	serve()
	require.Eventually(t, func() bool { return calls() == 2 && settled() }, 5*time.Second, 5*time.Millisecond)
}

func TestMaxConcurrentBuilds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentBuilds = 2
	m, _ := newTestManager(t, cfg)
	entered, release := blockingGenerate(m)

	var g errgroup.Group
	for _, epoch := range []uint64{0, 1} {
		epoch := epoch
		g.Go(func() error {
			lease, err := m.GetOrBuild(context.Background(), epoch)
			if err != nil {
				return err
			}
			return lease.Release()
		})
	}

	got := map[uint64]bool{<-entered: true, <-entered: true}
	require.Equal(t, map[uint64]bool{0: true, 1: true}, got)
	close(release)
	require.NoError(t, g.Wait())
}

func TestEvictionWaitsForOutstandingLeases(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResident = 1
	m, rec := newTestManager(t, cfg)
	want := lightResult(t, 0, 5)

	old, err := m.GetOrBuild(context.Background(), 0)
	require.NoError(t, err)

	next, err := m.GetOrBuild(context.Background(), 1)
	require.NoError(t, err)
	defer next.Release()

	require.Equal(t, []uint64{0}, rec.retired)
	require.False(t, old.full.Released())

	got, ok := old.Compute(testHeader, 5)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, old.Release())
	require.True(t, old.full.Released())
	require.NoError(t, old.Release())

	_, ok = old.Compute(testHeader, 5)
	require.False(t, ok)

	infos := m.Snapshot()
	require.Len(t, infos, 1)
	require.Equal(t, uint64(1), infos[0].Epoch)
}

func TestRetire(t *testing.T) {
	cfg := testConfig()
	cfg.MaxResident = 4
	m, rec := newTestManager(t, cfg)

	for epoch := uint64(0); epoch < 4; epoch++ {
		lease, err := m.GetOrBuild(context.Background(), epoch)
		require.NoError(t, err)
		require.NoError(t, lease.Release())
	}
	require.Equal(t, 4, m.Resident())

	require.Equal(t, []uint64{0, 1}, m.RetireBelow(2))
	require.True(t, m.Retire(3))
	require.False(t, m.Retire(3))
	require.Equal(t, 1, m.Resident())
	require.ElementsMatch(t, []uint64{0, 1, 3}, rec.retired)

	// A retired epoch is rebuilt on demand.
	lease, err := m.GetOrBuild(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.Equal(t, 2, rec.builds(0))
}

func TestPregenerateNextEpoch(t *testing.T) {
	cfg := testConfig()
	cfg.Pregenerate = true
	m, rec := newTestManager(t, cfg)

	lease, err := m.GetOrBuild(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	require.Eventually(t, func() bool { return rec.builds(8) == 1 }, 5*time.Second, 10*time.Millisecond)

	infos := m.Snapshot()
	require.Len(t, infos, 2)
	require.Equal(t, uint64(8), infos[1].Epoch)
	require.Equal(t, StateReady, infos[1].State)
	require.Zero(t, rec.builds(9), "pre-generation must not cascade")
}

func TestClose(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	lease, err := m.GetOrBuild(context.Background(), 0)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Zero(t, m.Resident())

	// Outstanding leases keep their memory until released.
	require.False(t, lease.full.Released())
	_, ok := lease.Compute(testHeader, 1)
	require.True(t, ok)
	require.NoError(t, lease.Release())
	require.True(t, lease.full.Released())

	_, err = m.GetOrBuild(context.Background(), 0)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestOnDiskDatasets(t *testing.T) {
	cfg := testConfig()
	cfg.Dir = t.TempDir()
	cfg.KeepOnDisk = 1
	cfg.MaxResident = 1
	m, _ := newTestManager(t, cfg)

	for _, epoch := range []uint64{0, 1} {
		lease, err := m.GetOrBuild(context.Background(), epoch)
		require.NoError(t, err)
		require.Contains(t, lease.full.Path(), ethash.DatasetFileName(epoch))
		require.NoError(t, lease.Release())
	}

	require.NoFileExists(t, cfg.Dir+"/"+ethash.DatasetFileName(0))
	require.FileExists(t, cfg.Dir+"/"+ethash.DatasetFileName(1))
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateNotGenerated: "not_generated",
		StateGenerating:   "generating",
		StateReady:        "ready",
		StateRetired:      "retired",
		State(42):         "unknown",
	}
	for state, want := range tests {
		require.Equal(t, want, state.String())
	}
}
