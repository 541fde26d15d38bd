package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromRecorder(t *testing.T) {
	p, err := NewPromRecorder("test")
	require.NoError(t, err)

	var r Recorder = p
	r.ShareAccepted(2)
	r.ShareAccepted(3)
	r.ShareRejected("duplicate_share")
	r.ShareRejected("duplicate_share")
	r.ShareRejected("low_difficulty_share")
	r.BlockCandidate(120)
	r.DatasetBuilt(4, 3*time.Second, nil)
	r.DatasetBuilt(5, time.Second, errors.New("aborted"))
	r.DatasetRetired(3)
	r.DatasetsResident(2)

	require.Equal(t, 2.0, testutil.ToFloat64(p.shareAccepted))
	require.Equal(t, 5.0, testutil.ToFloat64(p.shareDifficulty))
	require.Equal(t, 2.0, testutil.ToFloat64(p.shareRejected.WithLabelValues("duplicate_share")))
	require.Equal(t, 120.0, testutil.ToFloat64(p.lastBlockHeight))
	require.Equal(t, 1.0, testutil.ToFloat64(p.datasetBuilds.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.datasetBuilds.WithLabelValues("failure")))
	require.Equal(t, 4.0, testutil.ToFloat64(p.datasetEpoch))
	require.Equal(t, 2.0, testutil.ToFloat64(p.datasetsResident))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "test_dataset_build_seconds"))
}

type countingRecorder struct {
	NoopRecorder
	accepted int
}

func (c *countingRecorder) ShareAccepted(float64) { c.accepted++ }

func TestTee(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	tee := Tee{a, b, OrNoop(nil)}

	tee.ShareAccepted(1)
	tee.ShareRejected("invalid_hash")

	require.Equal(t, 1, a.accepted)
	require.Equal(t, 1, b.accepted)
}
