package validation

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomp-ethash/pkg/errors"
)

func TestShareDifficulty(t *testing.T) {
	pow224 := new(big.Int).Lsh(big.NewInt(1), 224)

	tests := []struct {
		name  string
		value *big.Int
		want  float64
	}{
		{"difficulty one", pow224, 1},
		{"half value doubles difficulty", new(big.Int).Rsh(pow224, 1), 2},
		{"max value", maxUint256, 1.0 / 4294967296},
		{"zero value", big.NewInt(0), ShareDifficulty(big.NewInt(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InEpsilon(t, tt.want, ShareDifficulty(tt.value), 1e-9)
		})
	}
}

func TestDifficultyToTarget(t *testing.T) {
	for _, diff := range []float64{0.5, 1, 1000, 4e9, 1.5e15} {
		target := DifficultyToTarget(diff)
		require.InEpsilon(t, diff, ShareDifficulty(target), 1e-9, "difficulty %v", diff)
	}

	require.Equal(t, maxUint256, DifficultyToTarget(0))
	require.Equal(t, maxUint256, DifficultyToTarget(-1))
	require.Equal(t, maxUint256, DifficultyToTarget(1e-12))
}

func TestTemplateFromHex(t *testing.T) {
	header := "0xc9149cc0386e689d789a1c2f3d5d169a61a6218ed30e74414dc736e442ef3d1f"
	seed := "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"

	tpl, err := TemplateFromHex(30001, header, seed, "0x00000000ffff0000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, uint64(30001), tpl.Height)
	require.Len(t, tpl.HeaderHash, 32)
	require.Len(t, tpl.SeedHash, 32)
	require.Equal(t, 0, tpl.Target.Cmp(new(big.Int).Lsh(big.NewInt(0xffff), 208)))

	tpl, err = TemplateFromHex(1, header[2:], "", "ff")
	require.NoError(t, err)
	require.Nil(t, tpl.SeedHash)
	require.Equal(t, int64(255), tpl.Target.Int64())

	tests := []struct {
		name   string
		header string
		seed   string
		target string
	}{
		{"short header", "0xabcd", seed, "ff"},
		{"bad header", "0xzz", seed, "ff"},
		{"bad seed", header, "0x1234", "ff"},
		{"bad target", header, seed, "0xnothex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TemplateFromHex(1, tt.header, tt.seed, tt.target)
			require.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestRejectError(t *testing.T) {
	err := &RejectError{Reason: ReasonLowDifficulty, Message: "low difficulty share (0.5)", Difficulty: 0.5}
	require.Equal(t, "low_difficulty_share: low difficulty share (0.5)", err.Error())
	require.True(t, errors.Is(err, ErrLowDifficulty))
	require.False(t, errors.Is(err, ErrDuplicateShare))
	require.Equal(t, ReasonLowDifficulty, ReasonOf(errors.Wrap(err, errors.ErrorTypeValidation, "submit", "rejected")))
	require.Equal(t, Reason(""), ReasonOf(errors.New(errors.ErrorTypeInternal, "x", "y")))

	cause := errors.Sentinel("boom")
	wrapped := &RejectError{Reason: ReasonDatasetBuildFailed, Message: "unavailable", Cause: cause}
	require.Equal(t, "dataset_build_failed: unavailable (caused by: boom)", wrapped.Error())
	require.True(t, errors.Is(wrapped, cause))
}
