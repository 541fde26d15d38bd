package database

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-ethash/internal/database/postgres"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/retry"
)

type fakeStore struct {
	mu       sync.Mutex
	shares   map[string]validation.Share
	blocks   map[string]*postgres.Block
	failures int
	failWith error
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{shares: map[string]validation.Share{}, blocks: map[string]*postgres.Block{}}
}

func (s *fakeStore) fail() error {
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	return nil
}

func (s *fakeStore) SaveShare(_ context.Context, share validation.Share) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, ok := s.shares[share.ID]; ok {
		return false, nil
	}
	s.shares[share.ID] = share
	return true, nil
}

func (s *fakeStore) SaveBlock(_ context.Context, b *postgres.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.blocks[b.ShareID] = b
	return nil
}

func (s *fakeStore) UpdateBlockStatus(_ context.Context, shareID, status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[shareID]
	if !ok {
		return postgres.ErrNotFound
	}
	b.Status, b.ErrorMessage, b.SubmittedAt = status, errMsg, &at
	return nil
}

func (s *fakeStore) Health(context.Context) error { return nil }
func (s *fakeStore) Close() error                 { s.closed = true; return nil }

type fakeCache struct {
	difficulty map[string]float64
	err        error
}

func (c *fakeCache) AddShare(_ context.Context, miner, worker, _ string, d float64, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.difficulty[miner+"."+worker] += d
	return nil
}

func (c *fakeCache) Hashrate(_ context.Context, miner, worker string, window time.Duration) (float64, error) {
	return c.difficulty[miner+"."+worker] * 4294967296 / window.Seconds(), nil
}

func (c *fakeCache) Health(context.Context) error { return c.err }
func (c *fakeCache) Close() error                 { return c.err }

type fakeSeries struct {
	shares   []string
	blocks   []string
	hashrate map[string]float64
}

func (s *fakeSeries) WriteShare(share validation.Share) { s.shares = append(s.shares, share.ID) }
func (s *fakeSeries) WriteBlock(_ uint64, _ string, status string, _ float64) {
	s.blocks = append(s.blocks, status)
}
func (s *fakeSeries) WriteHashrate(miner, worker string, h float64) { s.hashrate[miner+"."+worker] = h }
func (s *fakeSeries) Health(context.Context) error                 { return nil }
func (s *fakeSeries) Close()                                       {}

func newTestManager() (*Manager, *fakeStore, *fakeCache, *fakeSeries) {
	store := newFakeStore()
	cache := &fakeCache{difficulty: map[string]float64{}}
	series := &fakeSeries{hashrate: map[string]float64{}}
	m := New(store, cache, series, nil)
	m.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	m.hashrateWindow = time.Minute
	return m, store, cache, series
}

func share(id string, difficulty float64) validation.Share {
	return validation.Share{ID: id, Miner: "0xabc", Worker: "rig", Difficulty: difficulty, Created: time.Now()}
}

func TestRecordShare(t *testing.T) {
	m, store, _, series := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.RecordShare(ctx, share("a", 30)))
	require.NoError(t, m.RecordShare(ctx, share("b", 30)))
	require.NoError(t, m.RecordShare(ctx, share("a", 30)))

	require.Len(t, store.shares, 2)
	require.Equal(t, []string{"a", "b"}, series.shares)
	require.InDelta(t, 60*4294967296.0/60, series.hashrate["0xabc.rig"], 1e-3)
}

func TestRecordShare_RetriesTransientError(t *testing.T) {
	m, store, _, _ := newTestManager()
	store.failures = 2
	store.failWith = stderrors.New("dial tcp: connection refused")

	require.NoError(t, m.RecordShare(context.Background(), share("a", 1)))
	require.Len(t, store.shares, 1)
}

func TestRecordShare_PermanentError(t *testing.T) {
	m, store, _, series := newTestManager()
	store.failures = 1
	store.failWith = stderrors.New("violates foreign key constraint")

	err := m.RecordShare(context.Background(), share("a", 1))
	require.ErrorContains(t, err, "foreign key")
	require.Empty(t, store.shares)
	require.Empty(t, series.shares)
}

func TestRecordShare_CacheFailureIsBestEffort(t *testing.T) {
	m, store, cache, series := newTestManager()
	cache.err = stderrors.New("redis down")

	require.NoError(t, m.RecordShare(context.Background(), share("a", 1)))
	require.Len(t, store.shares, 1)
	require.Empty(t, series.hashrate)
}

func TestRecordBlock(t *testing.T) {
	m, store, _, series := newTestManager()
	ctx := context.Background()

	candidate := messaging.NewBlockCandidate(validation.Share{
		ID: "s1", BlockHeight: 100, Miner: "0xabc", Nonce: "01", HeaderHash: "02", MixDigest: "03",
		TransactionConfirmationData: "0x01:0x02:0x03", ActualDifficulty: 9, Created: time.Now(),
	})
	require.NoError(t, m.RecordBlockCandidate(ctx, candidate))
	require.Equal(t, postgres.BlockPending, store.blocks["s1"].Status)
	require.Equal(t, "0x01:0x02:0x03", store.blocks["s1"].ConfirmationData)

	require.NoError(t, m.RecordBlockResult(ctx, messaging.BlockSubmissionResult{
		ShareID: "s1", BlockHeight: 100, Status: messaging.BlockStatusAccepted, SubmissionTime: time.Now(),
	}))
	require.Equal(t, messaging.BlockStatusAccepted, store.blocks["s1"].Status)
	require.NotNil(t, store.blocks["s1"].SubmittedAt)
	require.Equal(t, []string{messaging.BlockStatusAccepted}, series.blocks)

	err := m.RecordBlockResult(ctx, messaging.BlockSubmissionResult{ShareID: "missing"})
	require.ErrorIs(t, err, postgres.ErrNotFound)
}

func TestHealthAndClose(t *testing.T) {
	m, store, cache, _ := newTestManager()
	require.NoError(t, m.Health(context.Background()))

	cache.err = stderrors.New("redis down")
	require.ErrorContains(t, m.Health(context.Background()), "redis down")
	require.ErrorContains(t, m.Close(), "redis down")
	require.True(t, store.closed)
}

func TestNilOptionalStores(t *testing.T) {
	store := newFakeStore()
	m := New(store, nil, nil, nil)
	require.NoError(t, m.RecordShare(context.Background(), share("a", 1)))
	require.NoError(t, m.Health(context.Background()))
	require.NoError(t, m.Close())
}
