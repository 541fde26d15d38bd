// Package ethash implements the Ethash proof-of-work verification primitives:
// the light seed cache, the full verification dataset and hashimoto compute.
package ethash

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

const (
	datasetInitBytes   = 1 << 30 // Bytes in dataset at genesis
	datasetGrowthBytes = 1 << 23 // Dataset growth per epoch
	cacheInitBytes     = 1 << 24 // Bytes in cache at genesis
	cacheGrowthBytes   = 1 << 17 // Cache growth per epoch
	mixBytes           = 128     // Width of mix
	hashBytes          = 64      // Hash length in bytes
	hashWords          = 16      // Number of 32 bit ints in a hash
	datasetParents     = 256     // Number of parents of each dataset element
	cacheRounds        = 3       // Number of rounds in cache production
	loopAccesses       = 64      // Number of accesses in hashimoto loop

	// DefaultEpochLength is the number of blocks sharing one dataset.
	DefaultEpochLength = 30000
)

// Params selects the epoch length and dataset sizing. Zero CacheBytes or
// DatasetBytes means the size is derived from the epoch with the Ethash
// growth formulas.
type Params struct {
	EpochLength  uint64
	CacheBytes   uint64
	DatasetBytes uint64
}

var (
	// DefaultParams are the mainnet parameters.
	DefaultParams = Params{EpochLength: DefaultEpochLength}

	// TestParams use tiny fixed sizes so datasets build in milliseconds.
	TestParams = Params{EpochLength: DefaultEpochLength, CacheBytes: 1024, DatasetBytes: 32 * 1024}
)

// EpochOf returns the epoch containing the given block height.
func (p Params) EpochOf(height uint64) uint64 {
	return height / p.epochLength()
}

// CacheSize returns the light cache size in bytes for an epoch.
func (p Params) CacheSize(epoch uint64) uint64 {
	if p.CacheBytes != 0 {
		return p.CacheBytes
	}
	return calcCacheSize(epoch)
}

// DatasetSize returns the full dataset size in bytes for an epoch.
func (p Params) DatasetSize(epoch uint64) uint64 {
	if p.DatasetBytes != 0 {
		return p.DatasetBytes
	}
	return calcDatasetSize(epoch)
}

func (p Params) epochLength() uint64 {
	if p.EpochLength == 0 {
		return DefaultEpochLength
	}
	return p.EpochLength
}

// calcCacheSize returns the largest size below the linear growth bound whose
// row count is prime.
func calcCacheSize(epoch uint64) uint64 {
	size := cacheInitBytes + cacheGrowthBytes*epoch - hashBytes
	for !new(big.Int).SetUint64(size / hashBytes).ProbablyPrime(1) { // Always accurate for n < 2^64
		size -= 2 * hashBytes
	}
	return size
}

func calcDatasetSize(epoch uint64) uint64 {
	size := datasetInitBytes + datasetGrowthBytes*epoch - mixBytes
	for !new(big.Int).SetUint64(size / mixBytes).ProbablyPrime(1) {
		size -= 2 * mixBytes
	}
	return size
}

// SeedHash returns the seed used to generate the light cache of an epoch.
func SeedHash(epoch uint64) []byte {
	seed := make([]byte, 32)
	keccak256 := makeHasher(sha3.NewLegacyKeccak256())
	for i := uint64(0); i < epoch; i++ {
		keccak256(seed, seed)
	}
	return seed
}
