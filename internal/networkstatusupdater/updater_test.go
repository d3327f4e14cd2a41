package networkstatusupdater

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

func mkId(b byte) types.AccountId {
	var id types.AccountId
	id[0] = b
	return id
}

func TestAssembleStatus(t *testing.T) {
	header := substrateclient.BlockHeader{Number: 500}
	era := types.Era{Index: 100}
	epoch := types.Epoch{Index: 600}
	stakers := types.EraStakers{Validators: []types.ValidatorStake{
		{Validator: mkId(1), TotalStake: big.NewInt(300)},
		{Validator: mkId(2), TotalStake: big.NewInt(100)},
	}}
	points := map[types.AccountId]uint64{mkId(1): 20, mkId(2): 40}

	status := assembleStatus(header, "0xbest", "0xfin", era, epoch, 2, 5, stakers, points)

	assert.Equal(t, uint32(500), status.BestBlockNumber)
	assert.Equal(t, "0xbest", status.BestBlockHash)
	assert.Equal(t, "0xfin", status.FinalizedBlockHash)
	assert.Equal(t, era, status.ActiveEra)
	assert.Equal(t, epoch, status.CurrentEpoch)
	assert.Equal(t, 2, status.ActiveValidatorCount)
	assert.Equal(t, 3, status.InactiveValidatorCount)
	assert.Equal(t, int64(400), status.TotalStake.Int64())
	assert.Equal(t, int64(100), status.MinStake.Int64())
	assert.Equal(t, int64(300), status.MaxStake.Int64())
	assert.Equal(t, uint64(60), status.EraRewardPointsSoFar)
}

func TestAssembleStatus_NegativeInactiveCountClamped(t *testing.T) {
	status := assembleStatus(substrateclient.BlockHeader{}, "", "", types.Era{}, types.Epoch{}, 10, 4, types.EraStakers{}, nil)
	assert.Zero(t, status.InactiveValidatorCount)
}

func TestReturnRatePerMillion(t *testing.T) {
	// 1000 reward per era on 365_000_000 stake = 1000*365/365e6 per year
	// = 0.1% = 1000 parts per million.
	assert.Equal(t, uint32(1000), returnRatePerMillion("1000", big.NewInt(365_000_000)))

	assert.Zero(t, returnRatePerMillion("not-a-number", big.NewInt(1)))
	assert.Zero(t, returnRatePerMillion("1000", nil))
	assert.Zero(t, returnRatePerMillion("1000", big.NewInt(0)))
}
