package wsserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// fakeCache is a minimal in-memory stand-in for cache.Cache, just enough
// to drive ListServer/DetailsServer/NetworkStatusServer diff logic without
// a real Redis instance.
type fakeCache struct {
	activeIds   []types.AccountId
	inactiveIds []types.AccountId
	details     map[types.AccountId]types.ValidatorDetails
	finalized   uint32
	haveFin     bool
	status      types.NetworkStatus
}

func newFakeCache() *fakeCache {
	return &fakeCache{details: make(map[types.AccountId]types.ValidatorDetails)}
}

func (f *fakeCache) Close() error { return nil }

func (f *fakeCache) PublishValidatorSnapshot(ctx context.Context, chain string, blockNumber uint32, snapshot cache.ValidatorSnapshot) error {
	return nil
}

func (f *fakeCache) GetAccountIdSet(ctx context.Context, chain string, blockNumber uint32, active bool) ([]types.AccountId, error) {
	if active {
		return f.activeIds, nil
	}
	return f.inactiveIds, nil
}

func (f *fakeCache) GetValidatorDetails(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (types.ValidatorDetails, error) {
	return f.details[id], nil
}

func (f *fakeCache) GetValidatorHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	return f.details[id].Hash(), nil
}

func (f *fakeCache) GetValidatorSummaryHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	return f.details[id].SummaryHash(), nil
}

func (f *fakeCache) GetActiveEra(ctx context.Context, chain string, blockNumber uint32) (types.Era, error) {
	return types.Era{}, nil
}

func (f *fakeCache) GetFinalizedBlockNumber(ctx context.Context, chain string) (uint32, bool, error) {
	return f.finalized, f.haveFin, nil
}

func (f *fakeCache) SubscribeValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}

func (f *fakeCache) SubscribeNetworkStatusPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}

func (f *fakeCache) SubscribeInactiveValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}

func (f *fakeCache) PublishNetworkStatus(ctx context.Context, chain string, bestBlockNumber uint32, status types.NetworkStatus) error {
	f.status = status
	return nil
}

func (f *fakeCache) GetNetworkStatus(ctx context.Context, chain string) (types.NetworkStatus, error) {
	return f.status, nil
}

func mustAccountId(t *testing.T, b byte) types.AccountId {
	t.Helper()
	raw := make([]byte, 32)
	raw[0] = b
	id, err := types.AccountIdFromBytes(raw)
	require.NoError(t, err)
	return id
}

func TestBus_JoinLeaveBroadcast(t *testing.T) {
	b := newBus()
	assert.Equal(t, 0, b.size())

	o := &outbox{ch: make(chan any, 4), done: make(chan struct{})}
	b.join(o)
	assert.Equal(t, 1, b.size())

	b.broadcast("hello")
	select {
	case msg := <-o.ch:
		assert.Equal(t, "hello", msg)
	default:
		t.Fatal("expected broadcast message to be queued")
	}

	b.leave(o)
	assert.Equal(t, 0, b.size())
}

func TestListServer_Diff_InsertUpdateRemove(t *testing.T) {
	ctx := context.Background()
	fc := newFakeCache()
	idA := mustAccountId(t, 1)
	idB := mustAccountId(t, 2)

	fc.details[idA] = types.ValidatorDetails{Account: types.Account{Id: idA}}
	fc.activeIds = []types.AccountId{idA}

	s := NewListServer("test", fc)

	insert, update, removeIds, err := s.diff(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, insert, 1)
	assert.Empty(t, update)
	assert.Empty(t, removeIds)

	// Unchanged snapshot: re-diffing the same block's content produces no
	// insert/update/remove because the summary hash is unchanged.
	insert, update, removeIds, err = s.diff(ctx, 101)
	require.NoError(t, err)
	assert.Empty(t, insert)
	assert.Empty(t, update)
	assert.Empty(t, removeIds)

	// B appears, A's preferences change, nothing is removed yet.
	fc.details[idB] = types.ValidatorDetails{Account: types.Account{Id: idB}}
	changed := fc.details[idA]
	changed.Preferences.CommissionPerBillion = 42
	fc.details[idA] = changed
	fc.activeIds = []types.AccountId{idA, idB}

	insert, update, removeIds, err = s.diff(ctx, 102)
	require.NoError(t, err)
	assert.Len(t, insert, 1)
	assert.Equal(t, idB, insert[0].AccountId)
	require.Len(t, update, 1)
	assert.Equal(t, idA, update[0].AccountId)
	assert.Empty(t, removeIds)

	// A disappears entirely.
	fc.activeIds = []types.AccountId{idB}
	insert, update, removeIds, err = s.diff(ctx, 103)
	require.NoError(t, err)
	assert.Empty(t, insert)
	assert.Empty(t, update)
	require.Len(t, removeIds, 1)
	assert.Equal(t, idA, removeIds[0])
}

func TestListServer_OnBlock_SkipsDuplicateBlockNumber(t *testing.T) {
	fc := newFakeCache()
	s := NewListServer("test", fc)

	s.onBlock(context.Background(), 10)
	assert.True(t, s.haveBlock)
	assert.EqualValues(t, 10, s.lastBlock)

	// A repeat (or stale) block number must not panic or move lastBlock
	// backward; onBlock logs and returns.
	s.onBlock(context.Background(), 10)
	assert.EqualValues(t, 10, s.lastBlock)
}

func TestNetworkStatusServer_OnBlock_FirstPublishHasNoDiff(t *testing.T) {
	fc := newFakeCache()
	fc.status = types.NetworkStatus{BestBlockNumber: 5}
	s := NewNetworkStatusServer("test", fc)

	s.onBlock(context.Background(), 5)
	s.mu.RLock()
	have := s.have
	current := s.current
	s.mu.RUnlock()
	assert.True(t, have)
	assert.EqualValues(t, 5, current.BestBlockNumber)
}

func TestDetailsServer_GetOrCreateTracker_Reused(t *testing.T) {
	ctx := context.Background()
	fc := newFakeCache()
	id := mustAccountId(t, 7)
	fc.haveFin = true
	fc.finalized = 1
	fc.details[id] = types.ValidatorDetails{Account: types.Account{Id: id}}

	s := NewDetailsServer("test", fc)
	t1, err := s.getOrCreateTracker(ctx, id)
	require.NoError(t, err)
	t2, err := s.getOrCreateTracker(ctx, id)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
}
