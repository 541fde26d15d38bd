// Package metrics defines the pool's metrics hooks and their backends.
package metrics

import "time"

// Recorder receives pool events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ConnOpened()
	ConnClosed()
	ShareAccepted(difficulty float64)
	ShareRejected(reason string)
	BlockCandidate(height uint64)
	BlockSubmitted(success bool)
	DatasetBuilt(epoch uint64, duration time.Duration, err error)
	DatasetRetired(epoch uint64)
	DatasetsResident(n int)
}

// NoopRecorder implements Recorder without emitting metrics.
type NoopRecorder struct{}

func (NoopRecorder) ConnOpened()                               {}
func (NoopRecorder) ConnClosed()                               {}
func (NoopRecorder) ShareAccepted(float64)                     {}
func (NoopRecorder) ShareRejected(string)                      {}
func (NoopRecorder) BlockCandidate(uint64)                     {}
func (NoopRecorder) BlockSubmitted(bool)                       {}
func (NoopRecorder) DatasetBuilt(uint64, time.Duration, error) {}
func (NoopRecorder) DatasetRetired(uint64)                     {}
func (NoopRecorder) DatasetsResident(int)                      {}

// Tee fans every event out to several recorders.
type Tee []Recorder

func (t Tee) ConnOpened() {
	for _, r := range t {
		r.ConnOpened()
	}
}

func (t Tee) ConnClosed() {
	for _, r := range t {
		r.ConnClosed()
	}
}

func (t Tee) ShareAccepted(difficulty float64) {
	for _, r := range t {
		r.ShareAccepted(difficulty)
	}
}

func (t Tee) ShareRejected(reason string) {
	for _, r := range t {
		r.ShareRejected(reason)
	}
}

func (t Tee) BlockCandidate(height uint64) {
	for _, r := range t {
		r.BlockCandidate(height)
	}
}

func (t Tee) BlockSubmitted(success bool) {
	for _, r := range t {
		r.BlockSubmitted(success)
	}
}

func (t Tee) DatasetBuilt(epoch uint64, duration time.Duration, err error) {
	for _, r := range t {
		r.DatasetBuilt(epoch, duration, err)
	}
}

func (t Tee) DatasetRetired(epoch uint64) {
	for _, r := range t {
		r.DatasetRetired(epoch)
	}
}

func (t Tee) DatasetsResident(n int) {
	for _, r := range t {
		r.DatasetsResident(n)
	}
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
