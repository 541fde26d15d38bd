// Package dataset manages the lifecycle of Ethash verification datasets:
// building them at most once per epoch, lending them to concurrent hash
// computations and releasing them once retired and unused.
package dataset

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bardlex/gomp-ethash/internal/ethash"
)

// State is the build state of a dataset.
type State int32

const (
	StateNotGenerated State = iota
	StateGenerating
	StateReady
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateNotGenerated:
		return "not_generated"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Dataset tracks one epoch. The full dataset is only handed out through
// leases and is unmapped once the dataset is retired and the last lease is
// released.
type Dataset struct {
	epoch uint64
	slot  *semaphore.Weighted

	lastUsed atomic.Int64

	mu        sync.Mutex
	state     State
	full      *ethash.Full
	leases    int
	buildTime time.Duration
}

func newDataset(epoch uint64) *Dataset {
	return &Dataset{
		epoch: epoch,
		slot:  semaphore.NewWeighted(1),
	}
}

// Info is a point-in-time view of a dataset.
type Info struct {
	Epoch     uint64
	State     State
	Leases    int
	LastUsed  time.Time
	BuildTime time.Duration
}

func (d *Dataset) info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{
		Epoch:     d.epoch,
		State:     d.state,
		Leases:    d.leases,
		LastUsed:  time.Unix(0, d.lastUsed.Load()),
		BuildTime: d.buildTime,
	}
}

func (d *Dataset) touch(now time.Time) {
	d.lastUsed.Store(now.UnixNano())
}

func (d *Dataset) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// begin moves a not generated dataset to generating. It reports the state
// found so callers can skip ready datasets and give up on retired ones.
func (d *Dataset) begin() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateNotGenerated {
		d.state = StateGenerating
		return StateNotGenerated
	}
	return d.state
}

// abort returns a failed build to not generated so a later caller retries.
func (d *Dataset) abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateGenerating {
		d.state = StateNotGenerated
	}
}

// finish publishes a built dataset. If the dataset was retired while it was
// being generated the result is released and false is returned.
func (d *Dataset) finish(full *ethash.Full, took time.Duration) (bool, error) {
	d.mu.Lock()
	if d.state == StateRetired {
		d.mu.Unlock()
		return false, full.Release()
	}
	d.full = full
	d.buildTime = took
	d.state = StateReady
	d.mu.Unlock()
	return true, nil
}

func (d *Dataset) acquire() *Lease {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateReady {
		return nil
	}
	d.leases++
	return &Lease{dataset: d, full: d.full}
}

func (d *Dataset) release() error {
	d.mu.Lock()
	d.leases--
	full := d.drainLocked()
	d.mu.Unlock()

	if full != nil {
		return full.Release()
	}
	return nil
}

// retire stops new leases. Memory is freed now if nothing holds a lease,
// otherwise by the last release.
func (d *Dataset) retire() (bool, error) {
	d.mu.Lock()
	if d.state == StateRetired {
		d.mu.Unlock()
		return false, nil
	}
	d.state = StateRetired
	full := d.drainLocked()
	d.mu.Unlock()

	if full != nil {
		return true, full.Release()
	}
	return true, nil
}

func (d *Dataset) drainLocked() *ethash.Full {
	if d.state != StateRetired || d.leases > 0 || d.full == nil {
		return nil
	}
	full := d.full
	d.full = nil
	return full
}

// Lease is a borrowed reference to a ready dataset. The dataset memory stays
// valid until Release, even if the dataset is retired in the meantime.
type Lease struct {
	dataset  *Dataset
	full     *ethash.Full
	released atomic.Bool
}

// Epoch returns the leased dataset's epoch.
func (l *Lease) Epoch() uint64 {
	return l.dataset.epoch
}

// Compute runs hashimoto against the leased dataset. It returns false for a
// malformed header or after Release.
func (l *Lease) Compute(header []byte, nonce uint64) (ethash.Result, bool) {
	if l.released.Load() {
		return ethash.Result{}, false
	}
	return l.full.Compute(header, nonce)
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.dataset.release()
}
