package jobs

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-ethash/internal/dataset"
	"github.com/bardlex/gomp-ethash/internal/ethash"
	"github.com/bardlex/gomp-ethash/internal/jobs/mocks"
	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// minDifficulty is below the difficulty of any possible hash, so every
// well-formed share is accepted.
const minDifficulty = 1e-10

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type worker struct {
	id string
	wc validation.WorkerContext
}

func (w worker) ConnectionID() string                { return w.id }
func (w worker) Context() validation.WorkerContext   { return w.wc }
func (w worker) OnDisconnect(func()) (remove func()) { return func() {} }

func newWorker(id string) worker {
	return worker{id: id, wc: validation.WorkerContext{Miner: "0xminer", Worker: "rig", Difficulty: minDifficulty}}
}

type shareRecorder struct {
	metrics.NoopRecorder

	mu         sync.Mutex
	accepted   int
	rejected   map[string]int
	candidates []uint64
}

func (r *shareRecorder) ShareAccepted(float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *shareRecorder) ShareRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *shareRecorder) BlockCandidate(height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, height)
}

func template(t *testing.T, height uint64, target *big.Int) validation.Template {
	t.Helper()
	header := make([]byte, 32)
	copy(header, fmt.Sprintf("header-%d", height))
	return validation.Template{Height: height, HeaderHash: header, Target: target}
}

func newTestManager(t *testing.T, cfg Config, sink ShareSink) (*Manager, *dataset.Manager, *shareRecorder) {
	t.Helper()
	dcfg := dataset.DefaultConfig()
	dcfg.Pregenerate = false
	datasets := dataset.NewManager(dcfg, ethash.TestParams, nil, nil)

	rec := &shareRecorder{rejected: map[string]int{}}
	m := NewManager(cfg, datasets, sink, rec, nil)
	t.Cleanup(func() {
		m.Close()
		datasets.Close()
	})
	return m, datasets, rec
}

func noWarm() Config {
	cfg := DefaultConfig()
	cfg.WarmDatasets = false
	return cfg
}

func TestSubmitShare_PublishesAcceptedShare(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockShareSink(ctrl)
	m, _, rec := newTestManager(t, noWarm(), sink)

	_, err := m.AddJob("job-1", template(t, 10, maxTarget))
	require.NoError(t, err)

	var published validation.Share
	sink.EXPECT().PublishShare(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, share validation.Share) error {
			published = share
			return nil
		})

	share, err := m.SubmitShare(context.Background(), "job-1", newWorker("c1"), "0x01")
	require.NoError(t, err)
	require.Equal(t, share, published)
	require.True(t, share.IsBlockCandidate)
	require.Equal(t, "job-1", share.JobID)
	require.Equal(t, 1, rec.accepted)
	require.Equal(t, []uint64{10}, rec.candidates)
}

func TestSubmitShare_SinkFailureKeepsShare(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockShareSink(ctrl)
	m, _, _ := newTestManager(t, noWarm(), sink)

	_, err := m.AddJob("job-1", template(t, 10, big.NewInt(0)))
	require.NoError(t, err)

	sink.EXPECT().PublishShare(gomock.Any(), gomock.Any()).
		Return(errors.New(errors.ErrorTypeKafka, "publish_share", "broker unavailable"))

	share, err := m.SubmitShare(context.Background(), "job-1", newWorker("c1"), "02")
	require.NoError(t, err)
	require.False(t, share.IsBlockCandidate)
}

func TestSubmitShare_Rejections(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockShareSink(ctrl)
	m, _, rec := newTestManager(t, noWarm(), sink)

	_, err := m.AddJob("job-1", template(t, 10, big.NewInt(0)))
	require.NoError(t, err)

	// Only the first submission reaches the sink.
	sink.EXPECT().PublishShare(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	w := newWorker("c1")
	_, err = m.SubmitShare(context.Background(), "job-1", w, "abc")
	require.NoError(t, err)

	_, err = m.SubmitShare(context.Background(), "job-1", w, "0xABC")
	require.True(t, errors.Is(err, validation.ErrDuplicateShare))

	_, err = m.SubmitShare(context.Background(), "unknown", w, "abd")
	require.True(t, errors.Is(err, validation.ErrJobNotFound))

	_, err = m.SubmitShare(context.Background(), "job-1", w, "not-hex")
	require.True(t, errors.Is(err, validation.ErrMalformedNonce))

	require.Equal(t, map[string]int{
		"duplicate_share": 1,
		"job_not_found":   1,
		"malformed_nonce": 1,
	}, rec.rejected)
}

func TestAddJob_PrunesBacklog(t *testing.T) {
	m, _, _ := newTestManager(t, noWarm(), nil)

	for height := uint64(100); height <= 104; height++ {
		_, err := m.AddJob(fmt.Sprintf("job-%d", height), template(t, height, big.NewInt(0)))
		require.NoError(t, err)
	}

	require.Equal(t, 4, m.Len())
	require.Nil(t, m.Job("job-100"))
	require.NotNil(t, m.Job("job-101"))
	require.Equal(t, "job-104", m.Current().ID())

	_, err := m.SubmitShare(context.Background(), "job-100", newWorker("c1"), "01")
	require.True(t, errors.Is(err, validation.ErrJobNotFound))

	// An older template does not replace the current job.
	_, err = m.AddJob("job-late", template(t, 102, big.NewInt(0)))
	require.NoError(t, err)
	require.Equal(t, "job-104", m.Current().ID())
}

func TestAddJob_DuplicateID(t *testing.T) {
	m, _, _ := newTestManager(t, noWarm(), nil)

	_, err := m.AddJob("job-1", template(t, 1, big.NewInt(0)))
	require.NoError(t, err)
	_, err = m.AddJob("job-1", template(t, 2, big.NewInt(0)))
	require.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = m.AddJob("bad", validation.Template{Height: 3})
	require.Error(t, err)
}

func TestAddJob_RetiresUnreachableEpochs(t *testing.T) {
	m, datasets, _ := newTestManager(t, noWarm(), nil)

	_, err := m.AddJob("old", template(t, 29999, big.NewInt(0)))
	require.NoError(t, err)
	_, err = m.SubmitShare(context.Background(), "old", newWorker("c1"), "01")
	require.NoError(t, err)
	require.Equal(t, uint64(0), datasets.Snapshot()[0].Epoch)

	// Still reachable through the backlog.
	_, err = m.AddJob("boundary", template(t, 30001, big.NewInt(0)))
	require.NoError(t, err)
	require.Len(t, datasets.Snapshot(), 1)

	_, err = m.AddJob("new", template(t, 30010, big.NewInt(0)))
	require.NoError(t, err)
	require.Empty(t, datasets.Snapshot())
	require.Equal(t, 1, m.Len())
}

func TestAddJob_WarmsDataset(t *testing.T) {
	m, datasets, _ := newTestManager(t, DefaultConfig(), nil)

	_, err := m.AddJob("job-1", template(t, 60000, big.NewInt(0)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		infos := datasets.Snapshot()
		return len(infos) == 1 && infos[0].Epoch == 2 && infos[0].State == dataset.StateReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	m, _, _ := newTestManager(t, noWarm(), nil)

	_, err := m.AddJob("job-1", template(t, 1, big.NewInt(0)))
	require.NoError(t, err)
	job := m.Job("job-1")

	m.Close()
	require.Zero(t, m.Len())
	require.Nil(t, m.Current())

	_, err = job.ValidateShare(context.Background(), newWorker("c1"), "01")
	require.True(t, errors.Is(err, validation.ErrJobNotFound))
}
