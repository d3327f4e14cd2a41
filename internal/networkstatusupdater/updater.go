// Package networkstatusupdater maintains the NetworkStatus blob the
// subscribe_networkStatus endpoint serves (§3 NetworkStatus, §6): on each
// finalized head it assembles block heights, era/epoch state, validator
// counts, the era-stakers stake reductions and reward points so far, writes
// the result to the Pub/Sub Cache and publishes the best block number on
// the network-status channel.
package networkstatusupdater

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// erasPerYearApprox scales one era's validator reward to a yearly return
// estimate for ReturnRatePerMillion (24h eras on the target network).
const erasPerYearApprox = 365

// Updater runs one chain's network-status loop, the same single-
// subscription-plus-busy-flag shape as the validator-list updater (§5
// "Ordering": a head arriving while busy is skipped, the status is
// absolute).
type Updater struct {
	chain                string
	client               substrateclient.Client
	cache                cache.Cache
	recoveryRetrySeconds int
	log                  *logrus.Entry

	busy      atomic.Bool
	reconnect atomic.Pointer[context.CancelFunc]
}

// New builds an Updater for one chain.
func New(chain string, client substrateclient.Client, c cache.Cache, recoveryRetrySeconds int) *Updater {
	return &Updater{
		chain:                chain,
		client:               client,
		cache:                c,
		recoveryRetrySeconds: recoveryRetrySeconds,
		log:                  logrus.WithField("component", "network_status_updater").WithField("chain", chain),
	}
}

var errResubscribe = fmt.Errorf("subvt: network status subscription ended")

// Run subscribes to finalized heads and refreshes the status on each one
// until ctx is cancelled, reconnecting after recoveryRetrySeconds on a
// transport failure.
func (u *Updater) Run(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Duration(u.recoveryRetrySeconds)*time.Second), ctx)
	return backoff.Retry(func() error {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		u.reconnect.Store(&cancel)

		err := u.client.SubscribeToFinalizedBlocks(subCtx, func(h substrateclient.BlockHeader) {
			u.handleFinalizedHeader(subCtx, h)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			u.log.WithError(err).Warn("finalized head subscription ended, reconnecting")
		}
		return errResubscribe
	}, bo)
}

func (u *Updater) handleFinalizedHeader(ctx context.Context, header substrateclient.BlockHeader) {
	if !u.busy.CompareAndSwap(false, true) {
		u.log.WithField("block_number", header.Number).Warn("skipping finalized head: updater busy")
		return
	}
	defer u.busy.Store(false)

	if err := u.buildAndPublish(ctx, header); err != nil {
		u.log.WithError(err).WithField("block_number", header.Number).Error("rebuild network status failed")
		if cancel := u.reconnect.Load(); cancel != nil {
			(*cancel)()
		}
	}
}

func (u *Updater) buildAndPublish(ctx context.Context, header substrateclient.BlockHeader) error {
	hash, err := u.client.GetBlockHash(ctx, header.Number)
	if err != nil {
		return err
	}
	finalizedHash, err := u.client.GetFinalizedBlockHash(ctx)
	if err != nil {
		return err
	}

	era, err := u.client.GetActiveEra(ctx, hash)
	if err != nil {
		return err
	}
	epoch, err := u.client.GetCurrentEpoch(ctx, hash)
	if err != nil {
		return err
	}
	activeIds, err := u.client.GetActiveValidatorAccountIds(ctx, hash)
	if err != nil {
		return err
	}
	totalCount, err := u.client.GetTotalValidatorCount(ctx, hash)
	if err != nil {
		return err
	}
	stakers, err := u.client.GetEraStakers(ctx, hash, era.Index)
	if err != nil {
		return err
	}
	points, err := u.client.GetEraRewardPoints(ctx, hash, era.Index)
	if err != nil {
		return err
	}

	status := assembleStatus(header, hash, finalizedHash, era, epoch, len(activeIds), int(totalCount), stakers, points)

	if era.Index > 0 {
		reward, err := u.client.GetEraTotalValidatorReward(ctx, hash, era.Index-1)
		if err != nil {
			u.log.WithError(err).Warn("get previous era total validator reward")
		} else {
			status.ReturnRatePerMillion = returnRatePerMillion(reward, status.TotalStake)
		}
	}

	return u.cache.PublishNetworkStatus(ctx, u.chain, header.Number, status)
}

// assembleStatus reduces the fetched chain state into a NetworkStatus. Pure
// so the reduction is testable without a client.
func assembleStatus(
	header substrateclient.BlockHeader,
	bestHash, finalizedHash string,
	era types.Era,
	epoch types.Epoch,
	activeCount, totalCount int,
	stakers types.EraStakers,
	points map[types.AccountId]uint64,
) types.NetworkStatus {
	minStake, maxStake, avgStake, medianStake := stakers.MinMaxAvgMedianTotalStake()
	total := big.NewInt(0)
	for _, vs := range stakers.Validators {
		total.Add(total, vs.TotalStake)
	}
	var pointsSoFar uint64
	for _, p := range points {
		pointsSoFar += p
	}
	inactiveCount := totalCount - activeCount
	if inactiveCount < 0 {
		inactiveCount = 0
	}
	return types.NetworkStatus{
		BestBlockNumber:        header.Number,
		BestBlockHash:          bestHash,
		FinalizedBlockNumber:   header.Number,
		FinalizedBlockHash:     finalizedHash,
		ActiveEra:              era,
		CurrentEpoch:           epoch,
		ActiveValidatorCount:   activeCount,
		InactiveValidatorCount: inactiveCount,
		TotalStake:             total,
		MinStake:               minStake,
		MaxStake:               maxStake,
		AverageStake:           avgStake,
		MedianStake:            medianStake,
		EraRewardPointsSoFar:   pointsSoFar,
	}
}

// returnRatePerMillion estimates the yearly staking return from one era's
// total validator reward against the era's total stake, in parts per
// million. Zero when either input is unusable.
func returnRatePerMillion(eraReward string, totalStake *big.Int) uint32 {
	reward, ok := new(big.Int).SetString(eraReward, 10)
	if !ok || totalStake == nil || totalStake.Sign() <= 0 {
		return 0
	}
	yearly := new(big.Int).Mul(reward, big.NewInt(erasPerYearApprox))
	yearly.Mul(yearly, big.NewInt(1_000_000))
	yearly.Div(yearly, totalStake)
	if !yearly.IsUint64() || yearly.Uint64() > 1<<32-1 {
		return 0
	}
	return uint32(yearly.Uint64())
}
