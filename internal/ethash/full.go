package ethash

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// algorithmRevision is the data structure version used for file naming.
const algorithmRevision = 23

// dumpMagic is a dataset dump header to sanity check a data dump.
var dumpMagic = []uint32{0xbaddcafe, 0xfee1dead}

var (
	// ErrAborted is returned when the progress callback stops a build.
	ErrAborted = errors.Sentinel("dataset generation aborted")

	// ErrLightReleased is returned when generating from a released cache.
	ErrLightReleased = errors.Sentinel("light cache already released")

	errInvalidDumpMagic = errors.Sentinel("invalid dump magic")
)

// ProgressFunc receives the completed percentage of a dataset build and
// returns false to abort it.
type ProgressFunc func(percent int) bool

// noCopy may be embedded into structs which must not be copied after first
// use; go vet's copylocks check reports violations.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Full is a generated verification dataset. It is read-only once returned
// and may be used by any number of concurrent Compute calls. Release must
// not race with Compute; callers fence that with reference counting.
type Full struct {
	noCopy noCopy

	epoch    uint64
	path     string
	dump     *os.File
	mem      mmap.MMap
	dataset  []uint32
	released atomic.Bool
}

// GenerateFull builds the full dataset for the light cache's epoch. With a
// non-empty dir the dataset lives in a memory-mapped file that is reused by
// later builds; otherwise it is held in anonymous memory.
func GenerateFull(p Params, light *Light, dir string, progress ProgressFunc) (*Full, error) {
	if light.Released() {
		return nil, errors.Wrap(ErrLightReleased, errors.ErrorTypeDataset, "generate_dataset", "cannot generate from released cache").
			WithContext("epoch", light.epoch)
	}

	epoch := light.epoch
	size := p.DatasetSize(epoch)

	if dir == "" {
		return generateAnonymous(epoch, size, light, progress)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataset, "generate_dataset", "failed to create dataset directory").
			WithContext("dir", dir)
	}

	path := filepath.Join(dir, DatasetFileName(epoch))
	if f, err := loadDump(path, epoch, size); err == nil {
		if progress != nil {
			progress(100)
		}
		return f, nil
	}
	return generateDump(path, epoch, size, light, progress)
}

// DatasetFileName returns the on-disk file name of an epoch's dataset.
func DatasetFileName(epoch uint64) string {
	seed := SeedHash(epoch)
	return fmt.Sprintf("full-R%d-%x", algorithmRevision, seed[:8])
}

func generateAnonymous(epoch, size uint64, light *Light, progress ProgressFunc) (*Full, error) {
	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataset, "allocate_dataset", "failed to allocate dataset").
			WithContext("epoch", epoch).
			WithContext("bytes", size)
	}

	dataset := wordsView(mem)
	if !generateDataset(dataset, light.cache, progress) {
		_ = mem.Unmap()
		return nil, ErrAborted
	}
	return &Full{epoch: epoch, mem: mem, dataset: dataset}, nil
}

// generateDump generates into a temporary file that is renamed into place
// only after a complete build, then maps it read-only.
func generateDump(path string, epoch, size uint64, light *Light, progress ProgressFunc) (*Full, error) {
	temp := path + "." + fmt.Sprintf("%08x", rand.Uint32())

	dump, err := os.Create(temp)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataset, "create_dataset_file", "failed to create dataset file").
			WithContext("path", temp)
	}
	fail := func(err error) (*Full, error) {
		dump.Close()
		os.Remove(temp)
		return nil, err
	}

	headerBytes := uint64(len(dumpMagic) * 4)
	if err := dump.Truncate(int64(headerBytes + size)); err != nil {
		return fail(errors.Wrap(err, errors.ErrorTypeDataset, "allocate_dataset_file", "failed to size dataset file").
			WithContext("path", temp))
	}

	mem, err := mmap.Map(dump, mmap.RDWR, 0)
	if err != nil {
		return fail(errors.Wrap(err, errors.ErrorTypeDataset, "map_dataset_file", "failed to map dataset file").
			WithContext("path", temp))
	}
	words := wordsView(mem)
	copy(words, dumpMagic)

	if !generateDataset(words[len(dumpMagic):], light.cache, progress) {
		_ = mem.Unmap()
		return fail(ErrAborted)
	}
	if err := mem.Flush(); err != nil {
		_ = mem.Unmap()
		return fail(errors.Wrap(err, errors.ErrorTypeDataset, "flush_dataset_file", "failed to flush dataset file"))
	}
	if err := mem.Unmap(); err != nil {
		return fail(errors.Wrap(err, errors.ErrorTypeDataset, "unmap_dataset_file", "failed to unmap dataset file"))
	}
	dump.Close()

	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return nil, errors.Wrap(err, errors.ErrorTypeDataset, "rename_dataset_file", "failed to move dataset file into place").
			WithContext("path", path)
	}
	return loadDump(path, epoch, size)
}

func loadDump(path string, epoch, size uint64) (*Full, error) {
	dump, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}

	mem, err := mmap.Map(dump, mmap.RDONLY, 0)
	if err != nil {
		dump.Close()
		return nil, err
	}

	words := wordsView(mem)
	if uint64(len(mem)) != uint64(len(dumpMagic)*4)+size {
		_ = mem.Unmap()
		dump.Close()
		return nil, errInvalidDumpMagic
	}
	for i, magic := range dumpMagic {
		if words[i] != magic {
			_ = mem.Unmap()
			dump.Close()
			return nil, errInvalidDumpMagic
		}
	}

	return &Full{
		epoch:   epoch,
		path:    path,
		dump:    dump,
		mem:     mem,
		dataset: words[len(dumpMagic):],
	}, nil
}

// Epoch returns the epoch the dataset was generated for.
func (f *Full) Epoch() uint64 {
	return f.epoch
}

// Size returns the dataset size in bytes.
func (f *Full) Size() uint64 {
	return uint64(len(f.dataset)) * 4
}

// Path returns the backing file, or "" for an in-memory dataset.
func (f *Full) Path() string {
	return f.path
}

// Compute runs hashimoto for a 32 byte header hash and nonce. It returns
// false when the header is malformed or the dataset has been released.
func (f *Full) Compute(header []byte, nonce uint64) (Result, bool) {
	if len(header) != 32 || f.released.Load() {
		return Result{}, false
	}
	digest, value := hashimotoFull(f.dataset, header, nonce)
	return newResult(digest, value), true
}

// Release unmaps the dataset. Safe to call more than once.
func (f *Full) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		return nil
	}
	f.dataset = nil

	err := f.mem.Unmap()
	if f.dump != nil {
		f.dump.Close()
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDataset, "release_dataset", "failed to unmap dataset").
			WithContext("epoch", f.epoch)
	}
	return nil
}

// Released reports whether Release has been called.
func (f *Full) Released() bool {
	return f.released.Load()
}

// staleTempAge is how old a partial dataset file of an unwanted epoch must
// be before PruneDisk treats it as left behind by a dead build.
const staleTempAge = time.Hour

// PruneDisk removes dataset files in dir except those of the newest keep
// epochs up to and including epoch and of epoch+1. Partial files of other
// epochs are removed once they are older than staleTempAge.
func PruneDisk(dir string, epoch uint64, keep int) ([]string, error) {
	wanted := map[string]bool{DatasetFileName(epoch + 1): true}
	for i := 0; i < keep && uint64(i) <= epoch; i++ {
		wanted[DatasetFileName(epoch-uint64(i))] = true
	}

	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("full-R%d-*", algorithmRevision)))
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, path := range matches {
		name := filepath.Base(path)
		base, _, partial := strings.Cut(name, ".")
		if wanted[base] {
			continue
		}
		if partial {
			info, err := os.Stat(path)
			if err != nil || time.Since(info.ModTime()) < staleTempAge {
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrap(err, errors.ErrorTypeDataset, "prune_dataset_files", "failed to remove dataset file").
				WithContext("path", path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
