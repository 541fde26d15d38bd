package validation

import (
	"math"
	"math/big"
)

// ShareTolerance is the fraction of the assigned difficulty a share must
// reach to be accepted.
const ShareTolerance = 0.99

// HashesPerDifficulty is the expected number of hashes per unit of stratum
// difficulty.
const HashesPerDifficulty = 4294967296

var (
	// maxUint256 is 2^256-1, the largest hash value.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// diff1 scales hash difficulty down to stratum difficulty units.
	diff1 = new(big.Float).SetFloat64(HashesPerDifficulty)
)

// ShareDifficulty converts a hash value into stratum difficulty:
// (2^256-1) / value / 2^32. A zero value yields the maximum difficulty.
func ShareDifficulty(value *big.Int) float64 {
	if value.Sign() <= 0 {
		value = big.NewInt(1)
	}
	q := new(big.Int).Div(maxUint256, value)
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(q), diff1).Float64()
	return f
}

// DifficultyToTarget returns the largest hash value meeting a stratum
// difficulty.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(maxUint256)
	}
	d := new(big.Float).Mul(new(big.Float).SetFloat64(difficulty), diff1)
	t, _ := new(big.Float).Quo(new(big.Float).SetInt(maxUint256), d).Int(nil)
	if t.Cmp(maxUint256) > 0 {
		return new(big.Int).Set(maxUint256)
	}
	return t
}
