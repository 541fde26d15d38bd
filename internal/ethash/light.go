package ethash

import (
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// Result is the output of one hashimoto run.
type Result struct {
	MixDigest [32]byte
	Value     [32]byte
}

// Light is the seed cache a full dataset is generated from. It can verify
// hashes on its own, but at a cost of thousands of keccak512 calls per hash.
type Light struct {
	epoch       uint64
	datasetSize uint64
	mem         mmap.MMap
	cache       []uint32
	released    atomic.Bool
}

// NewLight allocates and generates the light cache for an epoch.
func NewLight(p Params, epoch uint64) (*Light, error) {
	size := p.CacheSize(epoch)

	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataset, "allocate_light_cache", "failed to allocate light cache").
			WithContext("epoch", epoch).
			WithContext("bytes", size)
	}

	l := &Light{
		epoch:       epoch,
		datasetSize: p.DatasetSize(epoch),
		mem:         mem,
		cache:       wordsView(mem),
	}
	generateCache(l.cache, SeedHash(epoch))
	return l, nil
}

// Epoch returns the epoch the cache was generated for.
func (l *Light) Epoch() uint64 {
	return l.epoch
}

// Compute runs hashimoto against the light cache.
func (l *Light) Compute(header []byte, nonce uint64) (Result, bool) {
	if len(header) != 32 || l.released.Load() {
		return Result{}, false
	}
	digest, value := hashimotoLight(l.datasetSize, l.cache, header, nonce)
	return newResult(digest, value), true
}

// Release unmaps the cache. Safe to call more than once.
func (l *Light) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	l.cache = nil
	if err := l.mem.Unmap(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDataset, "release_light_cache", "failed to unmap light cache").
			WithContext("epoch", l.epoch)
	}
	return nil
}

// Released reports whether Release has been called.
func (l *Light) Released() bool {
	return l.released.Load()
}

func newResult(digest, value []byte) Result {
	var r Result
	copy(r.MixDigest[:], digest)
	copy(r.Value[:], value)
	return r
}

func mapAnonymous(size uint64) (mmap.MMap, error) {
	return mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
}
