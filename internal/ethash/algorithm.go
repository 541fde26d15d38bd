package ethash

import (
	"encoding/binary"
	"hash"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/crypto/sha3"
)

// hasher is a repetitive hasher allowing the same hash data structures to be
// reused between hash runs instead of requiring new ones to be created.
type hasher func(dest []byte, data []byte)

// makeHasher creates a repetitive hasher. Keccak states that support Read
// squeeze straight into dest.
func makeHasher(h hash.Hash) hasher {
	type readerHash interface {
		hash.Hash
		Read([]byte) (int, error)
	}
	outputLen := h.Size()
	if rh, ok := h.(readerHash); ok {
		return func(dest []byte, data []byte) {
			rh.Reset()
			rh.Write(data)
			rh.Read(dest[:outputLen])
		}
	}
	return func(dest []byte, data []byte) {
		h.Reset()
		h.Write(data)
		h.Sum(dest[:0])
	}
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

func keccak512(data []byte) []byte {
	h := sha3.NewLegacyKeccak512()
	h.Write(data)
	return h.Sum(nil)
}

// generateCache fills dest with the light cache derived from seed: a
// sequential keccak512 chain followed by cacheRounds of RandMemoHash.
func generateCache(dest []uint32, seed []byte) {
	cache := bytesView(dest)
	size := uint64(len(cache))
	rows := int(size) / hashBytes

	hash512 := makeHasher(sha3.NewLegacyKeccak512())

	hash512(cache, seed)
	for offset := uint64(hashBytes); offset < size; offset += hashBytes {
		hash512(cache[offset:], cache[offset-hashBytes:offset])
	}

	temp := make([]byte, hashBytes)
	for r := 0; r < cacheRounds; r++ {
		for j := 0; j < rows; j++ {
			var (
				srcOff = ((j - 1 + rows) % rows) * hashBytes
				dstOff = j * hashBytes
				xorOff = (binary.LittleEndian.Uint32(cache[dstOff:]) % uint32(rows)) * hashBytes
			)
			for k := range temp {
				temp[k] = cache[srcOff+k] ^ cache[int(xorOff)+k]
			}
			hash512(cache[dstOff:], temp)
		}
	}
	if !isLittleEndian() {
		swap(cache)
	}
}

func fnv(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

func fnvHash(mix []uint32, data []uint32) {
	for i := 0; i < len(mix); i++ {
		mix[i] = mix[i]*0x01000193 ^ data[i]
	}
}

// generateDatasetItem combines datasetParents pseudorandomly selected cache
// rows into one 64 byte dataset item.
func generateDatasetItem(cache []uint32, index uint32, hash512 hasher) []byte {
	rows := uint32(len(cache) / hashWords)

	mix := make([]byte, hashBytes)
	binary.LittleEndian.PutUint32(mix, cache[(index%rows)*hashWords]^index)
	for i := 1; i < hashWords; i++ {
		binary.LittleEndian.PutUint32(mix[i*4:], cache[(index%rows)*hashWords+uint32(i)])
	}
	hash512(mix, mix)

	intMix := make([]uint32, hashWords)
	for i := 0; i < len(intMix); i++ {
		intMix[i] = binary.LittleEndian.Uint32(mix[i*4:])
	}
	for i := uint32(0); i < datasetParents; i++ {
		parent := fnv(index^i, intMix[i%16]) % rows
		fnvHash(intMix, cache[parent*hashWords:])
	}
	for i, val := range intMix {
		binary.LittleEndian.PutUint32(mix[i*4:], val)
	}
	hash512(mix, mix)
	return mix
}

// generateDataset fills dest from the cache using all CPUs. progress is
// called with a strictly increasing percentage; a false return stops every
// worker and generateDataset reports false.
func generateDataset(dest []uint32, cache []uint32, progress func(percent int) bool) bool {
	dataset := bytesView(dest)
	size := uint64(len(dataset))
	items := size / hashBytes

	threads := runtime.NumCPU()
	tick := max(items/100, 1)

	var (
		pend    sync.WaitGroup
		done    atomic.Uint64
		aborted atomic.Bool

		reportMu    sync.Mutex
		lastPercent int
	)
	report := func(n uint64) {
		reportMu.Lock()
		defer reportMu.Unlock()
		percent := int(n * 100 / items)
		if percent <= lastPercent || aborted.Load() {
			return
		}
		lastPercent = percent
		if progress != nil && !progress(percent) {
			aborted.Store(true)
		}
	}

	batch := (items + uint64(threads) - 1) / uint64(threads)
	for i := 0; i < threads; i++ {
		pend.Add(1)
		go func(id int) {
			defer pend.Done()

			hash512 := makeHasher(sha3.NewLegacyKeccak512())
			first := uint64(id) * batch
			limit := min(first+batch, items)

			for index := first; index < limit; index++ {
				if aborted.Load() {
					return
				}
				item := generateDatasetItem(cache, uint32(index), hash512)
				copy(dataset[index*hashBytes:], item)

				if n := done.Add(1); n%tick == 0 || n == items {
					report(n)
				}
			}
		}(i)
	}
	pend.Wait()

	if aborted.Load() {
		return false
	}
	if !isLittleEndian() {
		swap(dataset)
	}
	return true
}

// hashimoto aggregates data from the full dataset in order to produce the
// mix digest and final value for a header hash and nonce.
func hashimoto(hash []byte, nonce uint64, size uint64, lookup func(index uint32) []uint32) ([]byte, []byte) {
	rows := uint32(size / mixBytes)

	seed := make([]byte, 40)
	copy(seed, hash)
	binary.LittleEndian.PutUint64(seed[32:], nonce)

	seed = keccak512(seed)
	seedHead := binary.LittleEndian.Uint32(seed)

	mix := make([]uint32, mixBytes/4)
	for i := 0; i < len(mix); i++ {
		mix[i] = binary.LittleEndian.Uint32(seed[i%16*4:])
	}

	temp := make([]uint32, len(mix))
	for i := 0; i < loopAccesses; i++ {
		parent := fnv(uint32(i)^seedHead, mix[i%len(mix)]) % rows
		for j := uint32(0); j < mixBytes/hashBytes; j++ {
			copy(temp[j*hashWords:], lookup(2*parent+j))
		}
		fnvHash(mix, temp)
	}

	for i := 0; i < len(mix); i += 4 {
		mix[i/4] = fnv(fnv(fnv(mix[i], mix[i+1]), mix[i+2]), mix[i+3])
	}
	mix = mix[:len(mix)/4]

	digest := make([]byte, 32)
	for i, val := range mix {
		binary.LittleEndian.PutUint32(digest[i*4:], val)
	}
	return digest, keccak256(seed, digest)
}

func hashimotoLight(size uint64, cache []uint32, hash []byte, nonce uint64) ([]byte, []byte) {
	hash512 := makeHasher(sha3.NewLegacyKeccak512())

	lookup := func(index uint32) []uint32 {
		rawData := generateDatasetItem(cache, index, hash512)

		data := make([]uint32, len(rawData)/4)
		for i := 0; i < len(data); i++ {
			data[i] = binary.LittleEndian.Uint32(rawData[i*4:])
		}
		return data
	}
	return hashimoto(hash, nonce, size, lookup)
}

func hashimotoFull(dataset []uint32, hash []byte, nonce uint64) ([]byte, []byte) {
	lookup := func(index uint32) []uint32 {
		offset := index * hashWords
		return dataset[offset : offset+hashWords]
	}
	return hashimoto(hash, nonce, uint64(len(dataset))*4, lookup)
}

func bytesView(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}

func wordsView(mem []byte) []uint32 {
	if len(mem) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4)
}

func isLittleEndian() bool {
	n := uint32(0x01020304)
	return *(*byte)(unsafe.Pointer(&n)) == 0x04
}

// swap changes the byte order of the buffer assuming a uint32 representation.
func swap(buffer []byte) {
	for i := 0; i < len(buffer); i += 4 {
		binary.BigEndian.PutUint32(buffer[i:], binary.LittleEndian.Uint32(buffer[i:]))
	}
}
