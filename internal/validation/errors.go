package validation

import (
	"fmt"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// Reason classifies why a share was rejected.
type Reason string

const (
	ReasonDuplicateShare      Reason = "duplicate_share"
	ReasonMalformedNonce      Reason = "malformed_nonce"
	ReasonDatasetBuildTimeout Reason = "dataset_build_timeout"
	ReasonDatasetBuildFailed  Reason = "dataset_build_failed"
	ReasonInvalidHash         Reason = "invalid_hash"
	ReasonLowDifficulty       Reason = "low_difficulty_share"
	ReasonJobNotFound         Reason = "job_not_found"
)

// RejectError is returned for every rejected share.
type RejectError struct {
	Reason  Reason
	Message string
	// Difficulty is the difficulty the share achieved, set for
	// low difficulty rejections.
	Difficulty float64
	Cause      error
}

// Sentinels for matching rejections with errors.Is.
var (
	ErrDuplicateShare      = &RejectError{Reason: ReasonDuplicateShare}
	ErrMalformedNonce      = &RejectError{Reason: ReasonMalformedNonce}
	ErrDatasetBuildTimeout = &RejectError{Reason: ReasonDatasetBuildTimeout}
	ErrDatasetBuildFailed  = &RejectError{Reason: ReasonDatasetBuildFailed}
	ErrInvalidHash         = &RejectError{Reason: ReasonInvalidHash}
	ErrLowDifficulty       = &RejectError{Reason: ReasonLowDifficulty}
	ErrJobNotFound         = &RejectError{Reason: ReasonJobNotFound}
)

func reject(reason Reason, message string) *RejectError {
	return &RejectError{Reason: reason, Message: message}
}

func (e *RejectError) Error() string {
	msg := string(e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *RejectError) Unwrap() error {
	return e.Cause
}

// Is matches any RejectError with the same reason.
func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Reason == e.Reason
}

// IsRetryable reports whether resubmitting the same share may succeed.
func (e *RejectError) IsRetryable() bool {
	return e.Reason == ReasonDatasetBuildTimeout
}

// ReasonOf returns the rejection reason of err, or "" if err is not a
// rejection.
func ReasonOf(err error) Reason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
