package notificationgenerator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// fakeCache is a minimal in-memory stand-in for cache.Cache, just enough to
// drive ValidatorListInspector without a real Redis instance.
type fakeCache struct {
	activeIds   []types.AccountId
	inactiveIds []types.AccountId
	details     map[types.AccountId]types.ValidatorDetails
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
	return 0, false, nil
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
	return nil
}
func (f *fakeCache) GetNetworkStatus(ctx context.Context, chain string) (types.NetworkStatus, error) {
	return types.NetworkStatus{}, nil
}

var _ cache.Cache = (*fakeCache)(nil)

// fakeStore is a minimal in-memory stand-in for store.Store, enough to
// drive the Generator's emit path and block/event lookups without a real
// Postgres instance.
type fakeStore struct {
	blocks     map[uint32]store.Block
	events     map[string][]store.EventRecord
	extrinsics map[string][]store.ExtrinsicRecord
	rules      map[string][]types.NotificationRule
	inserted   []types.Notification
	unclaimed  map[types.AccountId][]uint32
	watermark  uint32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blocks:     make(map[uint32]store.Block),
		events:     make(map[string][]store.EventRecord),
		extrinsics: make(map[string][]store.ExtrinsicRecord),
		rules:      make(map[string][]types.NotificationRule),
		unclaimed:  make(map[types.AccountId][]uint32),
	}
}

func (f *fakeStore) Close() {}
func (f *fakeStore) GetProcessedHeight(ctx context.Context, chain string) (uint32, error) { return 0, nil }
func (f *fakeStore) UpsertBlock(ctx context.Context, chain string, b store.Block) error   { return nil }

func (f *fakeStore) GetBlockByNumber(ctx context.Context, chain string, number uint32) (store.Block, bool, error) {
	b, ok := f.blocks[number]
	return b, ok, nil
}

func (f *fakeStore) NotifyBlockProcessed(ctx context.Context, chain string, number uint32) error {
	return nil
}

func (f *fakeStore) ListenBlockProcessed(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}

func (f *fakeStore) GetEventsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.EventRecord, error) {
	return f.events[blockHash], nil
}
func (f *fakeStore) GetExtrinsicsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.ExtrinsicRecord, error) {
	return f.extrinsics[blockHash], nil
}

func (f *fakeStore) UpsertEra(ctx context.Context, chain string, era types.Era) error { return nil }
func (f *fakeStore) GetEra(ctx context.Context, chain string, index uint32) (types.Era, bool, error) {
	return types.Era{}, false, nil
}
func (f *fakeStore) UpsertEpoch(ctx context.Context, chain string, epoch types.Epoch) error { return nil }
func (f *fakeStore) SetEraTotalValidatorReward(ctx context.Context, chain string, eraIndex uint32, amount string) error {
	return nil
}
func (f *fakeStore) SetEraRewardPoints(ctx context.Context, chain string, eraIndex uint32, points map[types.AccountId]uint64) error {
	return nil
}
func (f *fakeStore) UpsertEraValidators(ctx context.Context, chain string, eraIndex uint32, ids []types.AccountId) error {
	return nil
}
func (f *fakeStore) UpsertEraStakers(ctx context.Context, chain string, eraIndex uint32, stakers types.EraStakers) error {
	return nil
}
func (f *fakeStore) UpsertParaCoreAssignments(ctx context.Context, chain string, blockHash string, assignments []types.ParaCoreAssignment) error {
	return nil
}
func (f *fakeStore) UpsertParaValidatorGroups(ctx context.Context, chain string, sessionIndex uint64, groups [][]types.AccountId) error {
	return nil
}
func (f *fakeStore) UpsertParaVotes(ctx context.Context, chain string, blockHash string, votes map[uint32]store.ParaVoteRecord) error {
	return nil
}
func (f *fakeStore) InsertEvent(ctx context.Context, chain string, blockHash string, index int, pallet, name string, fields map[string]any) error {
	return nil
}
func (f *fakeStore) InsertExtrinsic(ctx context.Context, chain string, blockHash string, index int, pallet, name string, signer *types.AccountId, success bool, fields map[string]any) error {
	return nil
}
func (f *fakeStore) RecordProcessErrorEvent(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	return nil
}
func (f *fakeStore) RecordProcessErrorExtrinsic(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	return nil
}
func (f *fakeStore) UpsertAccount(ctx context.Context, a types.Account) error { return nil }
func (f *fakeStore) MarkAccountKilled(ctx context.Context, id types.AccountId, killedAtMs uint64) error {
	return nil
}
func (f *fakeStore) GetValidatorCounters(ctx context.Context, chain string, id types.AccountId) (store.ValidatorCounters, error) {
	return store.ValidatorCounters{}, nil
}
func (f *fakeStore) IncrementValidatorCounters(ctx context.Context, chain string, id types.AccountId, delta store.ValidatorCounters) error {
	return nil
}
func (f *fakeStore) GetUnclaimedEraIndices(ctx context.Context, chain string, id types.AccountId, currentEra uint32, depth int) ([]uint32, error) {
	return f.unclaimed[id], nil
}
func (f *fakeStore) GetOneKV(ctx context.Context, id types.AccountId) (types.OneKVFields, bool, error) {
	return types.OneKVFields{}, false, nil
}

func (f *fakeStore) GetRulesByTypeAndValidator(ctx context.Context, typeCode string, networkID int64, validator *types.AccountId) ([]types.NotificationRule, error) {
	return f.rules[typeCode], nil
}

func (f *fakeStore) InsertPendingNotification(ctx context.Context, n types.Notification) error {
	f.inserted = append(f.inserted, n)
	return nil
}

func (f *fakeStore) GetLastProcessedBlock(ctx context.Context, generatorName string) (uint32, error) {
	return f.watermark, nil
}
func (f *fakeStore) SetLastProcessedBlock(ctx context.Context, generatorName string, number uint32) error {
	f.watermark = number
	return nil
}
func (f *fakeStore) PollPendingByPeriod(ctx context.Context, periodType types.PeriodType, periodDivisor int) ([]types.Notification, error) {
	return nil, nil
}
func (f *fakeStore) MarkNotificationProcessing(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (f *fakeStore) MarkNotificationSent(ctx context.Context, id string) error  { return nil }
func (f *fakeStore) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	return nil
}
func (f *fakeStore) ResetStuckProcessing(ctx context.Context) (int, error) { return 0, nil }

var _ store.Store = (*fakeStore)(nil)

func mustId(t *testing.T, b byte) types.AccountId {
	t.Helper()
	raw := make([]byte, 32)
	raw[0] = b
	id, err := types.AccountIdFromBytes(raw)
	require.NoError(t, err)
	return id
}

func TestBlockInspector_EmitsAuthorshipAndOfflineNotifications(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	author := mustId(t, 1)
	offline := mustId(t, 2)

	fs.blocks[100] = store.Block{Hash: "0xabc", Number: 100, AuthorAccountId: &author}
	fs.events["0xabc"] = []store.EventRecord{
		{Index: 0, Pallet: "ImOnline", Name: "SomeOffline", Fields: map[string]any{
			"offline": []any{offline.Hex()},
		}},
	}
	fs.rules[types.NotifyChainValidatorBlockAuthorship] = []types.NotificationRule{
		{Id: "r1", UserId: 1, TypeCode: types.NotifyChainValidatorBlockAuthorship, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}
	fs.rules[types.NotifyChainValidatorOffline] = []types.NotificationRule{
		{Id: "r2", UserId: 2, TypeCode: types.NotifyChainValidatorOffline, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 2, Channel: "push", Target: "device-token"}}},
	}

	bi := NewBlockInspector("test", 1, fs)
	require.NoError(t, bi.inspect(ctx, 100))

	require.Len(t, fs.inserted, 2)
	assert.Equal(t, types.NotifyChainValidatorBlockAuthorship, fs.inserted[0].TypeCode)
	assert.Equal(t, author, *fs.inserted[0].ValidatorAccountId)
	assert.Equal(t, types.NotifyChainValidatorOffline, fs.inserted[1].TypeCode)
	assert.Equal(t, offline, *fs.inserted[1].ValidatorAccountId)
}

func TestBlockInspector_UnknownBlockIsANoOp(t *testing.T) {
	fs := newFakeStore()
	bi := NewBlockInspector("test", 1, fs)
	require.NoError(t, bi.inspect(context.Background(), 999))
	assert.Empty(t, fs.inserted)
}

func TestValidatorListInspector_FirstSnapshotEstablishesBaselineWithoutNotifying(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fc := newFakeCache()
	id := mustId(t, 3)
	fc.activeIds = []types.AccountId{id}

	vi := NewValidatorListInspector("test", 1, fc, fs)
	require.NoError(t, vi.inspect(ctx, 1))
	assert.Empty(t, fs.inserted)
	assert.True(t, vi.haveBase)
}

func TestValidatorListInspector_DetectsNewAndRemovedValidators(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fc := newFakeCache()
	a := mustId(t, 4)
	b := mustId(t, 5)
	fc.activeIds = []types.AccountId{a}
	fs.rules[types.NotifyNewValidator] = []types.NotificationRule{
		{Id: "r3", UserId: 1, TypeCode: types.NotifyNewValidator, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}
	fs.rules[types.NotifyRemovedValidator] = []types.NotificationRule{
		{Id: "r4", UserId: 1, TypeCode: types.NotifyRemovedValidator, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}

	vi := NewValidatorListInspector("test", 1, fc, fs)
	require.NoError(t, vi.inspect(ctx, 1)) // baseline: {a}

	fc.activeIds = []types.AccountId{b}
	require.NoError(t, vi.inspect(ctx, 2)) // a removed, b added

	require.Len(t, fs.inserted, 2)
	byType := map[string]types.Notification{}
	for _, n := range fs.inserted {
		byType[n.TypeCode] = n
	}
	require.Contains(t, byType, types.NotifyNewValidator)
	assert.Equal(t, b, *byType[types.NotifyNewValidator].ValidatorAccountId)
	require.Contains(t, byType, types.NotifyRemovedValidator)
	assert.Equal(t, a, *byType[types.NotifyRemovedValidator].ValidatorAccountId)
}

func TestBlockInspector_EmitsValidateExtrinsicNotification(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	stash := mustId(t, 7)

	fs.blocks[200] = store.Block{Hash: "0xdef", Number: 200}
	fs.extrinsics["0xdef"] = []store.ExtrinsicRecord{
		{Index: 0, Pallet: "Staking", Name: "validate", Signer: &stash, Success: true},
		{Index: 1, Pallet: "Staking", Name: "validate", Signer: &stash, Success: false},
	}
	fs.rules[types.NotifyChainValidatorValidateExtrinsic] = []types.NotificationRule{
		{Id: "r6", UserId: 1, TypeCode: types.NotifyChainValidatorValidateExtrinsic, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}

	bi := NewBlockInspector("test", 1, fs)
	require.NoError(t, bi.inspect(ctx, 200))

	require.Len(t, fs.inserted, 1, "failed validate extrinsics must not notify")
	assert.Equal(t, types.NotifyChainValidatorValidateExtrinsic, fs.inserted[0].TypeCode)
	assert.Equal(t, stash, *fs.inserted[0].ValidatorAccountId)
}

func TestEmit_SkipsRuleWithInvalidParameter(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	stash := mustId(t, 8)

	fs.blocks[300] = store.Block{Hash: "0x300", Number: 300, AuthorAccountId: &stash}
	fs.rules[types.NotifyChainValidatorBlockAuthorship] = []types.NotificationRule{
		{Id: "bad", UserId: 1, TypeCode: types.NotifyChainValidatorBlockAuthorship, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}},
			Parameters:  []types.RuleParameter{{Type: types.ParamInteger, Value: "not-a-number"}}},
		{Id: "good", UserId: 2, TypeCode: types.NotifyChainValidatorBlockAuthorship, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 2, Channel: "push", Target: "token"}}},
	}

	bi := NewBlockInspector("test", 1, fs)
	require.NoError(t, bi.inspect(ctx, 300))

	require.Len(t, fs.inserted, 1)
	assert.Equal(t, "good", fs.inserted[0].RuleId)
}

func TestValidatorListInspector_EmitsFieldDeltasForRemainingValidators(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fc := newFakeCache()
	v := mustId(t, 9)
	fc.activeIds = []types.AccountId{v}
	fc.details[v] = types.ValidatorDetails{
		Account:     types.Account{Id: v},
		IsActive:    true,
		Preferences: types.ValidatorPreferences{CommissionPerBillion: 50_000_000},
	}
	fs.rules[types.NotifyValidatorCommissionChanged] = []types.NotificationRule{
		{Id: "r7", UserId: 1, TypeCode: types.NotifyValidatorCommissionChanged, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}
	fs.rules[types.NotifyValidatorSessionKeysChanged] = []types.NotificationRule{
		{Id: "r8", UserId: 1, TypeCode: types.NotifyValidatorSessionKeysChanged, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}

	vi := NewValidatorListInspector("test", 1, fc, fs)
	require.NoError(t, vi.inspect(ctx, 1)) // baseline
	require.Empty(t, fs.inserted)

	updated := fc.details[v]
	updated.Preferences.CommissionPerBillion = 60_000_000
	updated.NextSessionKeys = "0xnewkeys"
	fc.details[v] = updated
	require.NoError(t, vi.inspect(ctx, 2))

	codes := make([]string, 0, len(fs.inserted))
	for _, n := range fs.inserted {
		codes = append(codes, n.TypeCode)
	}
	assert.ElementsMatch(t, []string{types.NotifyValidatorCommissionChanged, types.NotifyValidatorSessionKeysChanged}, codes)

	// Unchanged snapshot: the hash gate suppresses re-emission.
	require.NoError(t, vi.inspect(ctx, 3))
	assert.Len(t, fs.inserted, 2)
}

func TestValidatorListInspector_SweepsUnclaimedPayoutsOnceIntoEraChange(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	fc := newFakeCache()
	id := mustId(t, 6)
	fc.activeIds = []types.AccountId{id}
	fs.unclaimed[id] = []uint32{10, 11}
	fs.rules[types.NotifyChainValidatorUnclaimedPayout] = []types.NotificationRule{
		{Id: "r5", UserId: 1, TypeCode: types.NotifyChainValidatorUnclaimedPayout, PeriodType: types.PeriodImmediate,
			ChannelRefs: []types.UserChannel{{Id: 1, Channel: "email", Target: "a@example.com"}}},
	}

	vi := NewValidatorListInspector("test", 1, fc, fs)
	require.NoError(t, vi.inspect(ctx, 1)) // baseline, but era sweep still runs
	require.Len(t, fs.inserted, 1)
	assert.Equal(t, types.NotifyChainValidatorUnclaimedPayout, fs.inserted[0].TypeCode)

	// Same era again: no re-sweep.
	require.NoError(t, vi.inspect(ctx, 2))
	assert.Len(t, fs.inserted, 1)
}
