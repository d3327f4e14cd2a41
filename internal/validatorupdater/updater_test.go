package validatorupdater

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

func mkId(b byte) types.AccountId {
	var id types.AccountId
	id[0] = b
	return id
}

// fakeClient serves whatever validator-set state the test configures.
type fakeClient struct {
	era           types.Era
	activeIds     []types.AccountId
	allIds        []types.AccountId
	stakers       types.EraStakers
	registrations map[types.AccountId]substrateclient.ValidatorRegistration
	meta          substrateclient.RuntimeMetadata
}

func (f *fakeClient) GetBlockHash(ctx context.Context, number uint32) (string, error) {
	return "0xhash", nil
}
func (f *fakeClient) GetFinalizedBlockHash(ctx context.Context) (string, error) { return "", nil }
func (f *fakeClient) GetBlockHeader(ctx context.Context, hash string) (substrateclient.BlockHeader, error) {
	return substrateclient.BlockHeader{}, nil
}
func (f *fakeClient) GetBlock(ctx context.Context, hash string) (substrateclient.Block, error) {
	return substrateclient.Block{}, nil
}
func (f *fakeClient) GetBlockEvents(ctx context.Context, hash string) ([]substrateclient.DecodedEvent, error) {
	return nil, nil
}
func (f *fakeClient) GetBlockExtrinsics(ctx context.Context, hash string) ([]substrateclient.DecodedExtrinsic, error) {
	return nil, nil
}
func (f *fakeClient) GetActiveEra(ctx context.Context, hash string) (types.Era, error) {
	return f.era, nil
}
func (f *fakeClient) GetCurrentEpoch(ctx context.Context, hash string) (types.Epoch, error) {
	return types.Epoch{}, nil
}
func (f *fakeClient) GetActiveValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error) {
	return f.activeIds, nil
}
func (f *fakeClient) GetAllValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error) {
	return f.allIds, nil
}
func (f *fakeClient) GetEraStakers(ctx context.Context, hash string, eraIndex uint32) (types.EraStakers, error) {
	return f.stakers, nil
}
func (f *fakeClient) GetEraRewardPoints(ctx context.Context, hash string, eraIndex uint32) (map[types.AccountId]uint64, error) {
	return nil, nil
}
func (f *fakeClient) GetEraTotalValidatorReward(ctx context.Context, hash string, eraIndex uint32) (string, error) {
	return "0", nil
}
func (f *fakeClient) GetParaCoreAssignments(ctx context.Context, hash string) ([]types.ParaCoreAssignment, error) {
	return nil, nil
}
func (f *fakeClient) GetParaValidatorGroups(ctx context.Context, hash string) ([][]types.AccountId, error) {
	return nil, nil
}
func (f *fakeClient) GetParasActiveValidatorIndices(ctx context.Context, hash string) ([]uint32, error) {
	return nil, nil
}
func (f *fakeClient) GetParaVotes(ctx context.Context, hash string) (map[uint32][]types.AccountId, error) {
	return nil, nil
}
func (f *fakeClient) GetIdentities(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.IdentityRegistration, error) {
	return nil, nil
}
func (f *fakeClient) GetParentAccountIds(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.AccountId, error) {
	return nil, nil
}
func (f *fakeClient) GetTotalValidatorCount(ctx context.Context, hash string) (uint32, error) {
	return uint32(len(f.allIds)), nil
}
func (f *fakeClient) GetTimestamp(ctx context.Context, hash string) (uint64, error) { return 0, nil }
func (f *fakeClient) GetBlockAuthorAccountId(ctx context.Context, hash string, header substrateclient.BlockHeader) (*types.AccountId, error) {
	return nil, nil
}
func (f *fakeClient) GetValidatorRegistrations(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]substrateclient.ValidatorRegistration, error) {
	return f.registrations, nil
}
func (f *fakeClient) SetMetadataAtBlock(ctx context.Context, blockHash string) error { return nil }
func (f *fakeClient) CachedMetadata() substrateclient.RuntimeMetadata            { return f.meta }
func (f *fakeClient) LastRuntimeUpgradeInfo(ctx context.Context, hash string) (substrateclient.RuntimeUpgradeInfo, error) {
	return substrateclient.RuntimeUpgradeInfo{}, nil
}
func (f *fakeClient) SubscribeToFinalizedBlocks(ctx context.Context, callback func(substrateclient.BlockHeader)) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ substrateclient.Client = (*fakeClient)(nil)

// captureCache records the snapshots the updater publishes.
type captureCache struct {
	mu        sync.Mutex
	published []cache.ValidatorSnapshot
	blocks    []uint32
}

func (c *captureCache) Close() error { return nil }
func (c *captureCache) PublishValidatorSnapshot(ctx context.Context, chain string, blockNumber uint32, snapshot cache.ValidatorSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, snapshot)
	c.blocks = append(c.blocks, blockNumber)
	return nil
}
func (c *captureCache) GetAccountIdSet(ctx context.Context, chain string, blockNumber uint32, active bool) ([]types.AccountId, error) {
	return nil, nil
}
func (c *captureCache) GetValidatorDetails(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (types.ValidatorDetails, error) {
	return types.ValidatorDetails{}, nil
}
func (c *captureCache) GetValidatorHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	return 0, nil
}
func (c *captureCache) GetValidatorSummaryHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	return 0, nil
}
func (c *captureCache) GetActiveEra(ctx context.Context, chain string, blockNumber uint32) (types.Era, error) {
	return types.Era{}, nil
}
func (c *captureCache) GetFinalizedBlockNumber(ctx context.Context, chain string) (uint32, bool, error) {
	return 0, false, nil
}
func (c *captureCache) SubscribeValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (c *captureCache) SubscribeNetworkStatusPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (c *captureCache) SubscribeInactiveValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (c *captureCache) PublishNetworkStatus(ctx context.Context, chain string, bestBlockNumber uint32, status types.NetworkStatus) error {
	return nil
}
func (c *captureCache) GetNetworkStatus(ctx context.Context, chain string) (types.NetworkStatus, error) {
	return types.NetworkStatus{}, nil
}

var _ cache.Cache = (*captureCache)(nil)

// accountStore records account discovery bookkeeping; everything else is a
// no-op enrichment source.
type accountStore struct {
	recordingStoreStub
	mu         sync.Mutex
	discovered []types.AccountId
	killed     []types.AccountId
}

func (s *accountStore) UpsertAccount(ctx context.Context, a types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = append(s.discovered, a.Id)
	return nil
}

func (s *accountStore) MarkAccountKilled(ctx context.Context, id types.AccountId, killedAtMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, id)
	return nil
}

func nominatorsOf(n int, target types.AccountId) types.ValidatorStake {
	vs := types.ValidatorStake{
		Validator:  target,
		SelfStake:  big.NewInt(100),
		TotalStake: big.NewInt(int64(100 * (n + 1))),
	}
	for i := 0; i < n; i++ {
		vs.Nominators = append(vs.Nominators, types.NominatorStake{
			Account: mkId(byte(100 + i)),
			Stake:   big.NewInt(100),
		})
	}
	return vs
}

func newTestUpdater(fc *fakeClient, st store.Store, cc *captureCache) *Updater {
	return New("relay", fc, st, cc, 1, 42)
}

func TestUpdater_SnapshotSplitsActiveAndInactive(t *testing.T) {
	active := mkId(1)
	waiting := mkId(2)
	fc := &fakeClient{
		era:       types.Era{Index: 100},
		activeIds: []types.AccountId{active},
		allIds:    []types.AccountId{active, waiting},
		stakers:   types.EraStakers{EraIndex: 100, Validators: []types.ValidatorStake{nominatorsOf(2, active)}},
		meta:      substrateclient.RuntimeMetadata{MaxNominatorRewardedPerValidator: 256},
	}
	st := &accountStore{}
	cc := &captureCache{}
	u := newTestUpdater(fc, st, cc)

	require.NoError(t, u.buildAndPublish(context.Background(), substrateclient.BlockHeader{Number: 42}))

	require.Len(t, cc.published, 1)
	snap := cc.published[0]
	require.Len(t, snap.Active, 1)
	require.Len(t, snap.Inactive, 1)
	assert.Equal(t, active, snap.Active[0].Account.Id)
	assert.True(t, snap.Active[0].IsActive)
	assert.Equal(t, waiting, snap.Inactive[0].Account.Id)
	assert.False(t, snap.Inactive[0].IsActive)
	assert.Equal(t, types.Era{Index: 100}, snap.ActiveEra)
	assert.Equal(t, []uint32{42}, cc.blocks)
}

func TestUpdater_OversubscriptionFlipsAtThreshold(t *testing.T) {
	v := mkId(3)
	fc := &fakeClient{
		era:       types.Era{Index: 100},
		activeIds: []types.AccountId{v},
		allIds:    []types.AccountId{v},
		meta:      substrateclient.RuntimeMetadata{MaxNominatorRewardedPerValidator: 2},
	}
	st := &accountStore{}
	cc := &captureCache{}
	u := newTestUpdater(fc, st, cc)

	fc.stakers = types.EraStakers{Validators: []types.ValidatorStake{nominatorsOf(2, v)}}
	require.NoError(t, u.buildAndPublish(context.Background(), substrateclient.BlockHeader{Number: 1}))
	assert.False(t, cc.published[0].Active[0].Oversubscribed, "at the threshold is not oversubscribed")

	fc.stakers = types.EraStakers{Validators: []types.ValidatorStake{nominatorsOf(3, v)}}
	require.NoError(t, u.buildAndPublish(context.Background(), substrateclient.BlockHeader{Number: 2}))
	assert.True(t, cc.published[1].Active[0].Oversubscribed, "one past the threshold flips the flag")
}

func TestUpdater_AccountDiscoveryTracksAppearanceAndDisappearance(t *testing.T) {
	a, b := mkId(4), mkId(5)
	fc := &fakeClient{era: types.Era{Index: 100}, activeIds: []types.AccountId{a}, allIds: []types.AccountId{a}}
	st := &accountStore{}
	cc := &captureCache{}
	u := newTestUpdater(fc, st, cc)

	require.NoError(t, u.buildAndPublish(context.Background(), substrateclient.BlockHeader{Number: 1}))
	assert.Equal(t, []types.AccountId{a}, st.discovered)
	assert.Empty(t, st.killed)

	fc.activeIds = []types.AccountId{b}
	fc.allIds = []types.AccountId{b}
	require.NoError(t, u.buildAndPublish(context.Background(), substrateclient.BlockHeader{Number: 2}))
	assert.Contains(t, st.discovered, b)
	assert.Equal(t, []types.AccountId{a}, st.killed)
}
