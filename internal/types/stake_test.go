package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stakeOf(b byte, total int64) ValidatorStake {
	return ValidatorStake{
		Validator:  mkAccount(b),
		SelfStake:  big.NewInt(total / 10),
		TotalStake: big.NewInt(total),
	}
}

func TestEraStakers_MinMaxAvgMedianTotalStake(t *testing.T) {
	e := EraStakers{
		EraIndex: 100,
		Validators: []ValidatorStake{
			stakeOf(1, 400),
			stakeOf(2, 100),
			stakeOf(3, 300),
			stakeOf(4, 200),
		},
	}
	min, max, avg, median := e.MinMaxAvgMedianTotalStake()
	assert.Equal(t, int64(100), min.Int64())
	assert.Equal(t, int64(400), max.Int64())
	assert.Equal(t, int64(250), avg.Int64())
	assert.Equal(t, int64(250), median.Int64(), "even count medians the middle pair")
}

func TestEraStakers_MedianOddCount(t *testing.T) {
	e := EraStakers{Validators: []ValidatorStake{stakeOf(1, 10), stakeOf(2, 90), stakeOf(3, 50)}}
	_, _, _, median := e.MinMaxAvgMedianTotalStake()
	assert.Equal(t, int64(50), median.Int64())
}

func TestEraStakers_EmptyYieldsZeroes(t *testing.T) {
	var e EraStakers
	min, max, avg, median := e.MinMaxAvgMedianTotalStake()
	for _, v := range []*big.Int{min, max, avg, median} {
		require.NotNil(t, v)
		assert.Zero(t, v.Sign())
	}
}
