package validatorupdater

import (
	"context"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// recordingStoreStub is a no-op store.Store base; tests embed it and
// override only the methods they assert on.
type recordingStoreStub struct{}

func (recordingStoreStub) Close() {}
func (recordingStoreStub) GetProcessedHeight(ctx context.Context, chain string) (uint32, error) {
	return 0, nil
}
func (recordingStoreStub) UpsertBlock(ctx context.Context, chain string, b store.Block) error {
	return nil
}
func (recordingStoreStub) GetBlockByNumber(ctx context.Context, chain string, number uint32) (store.Block, bool, error) {
	return store.Block{}, false, nil
}
func (recordingStoreStub) NotifyBlockProcessed(ctx context.Context, chain string, number uint32) error {
	return nil
}
func (recordingStoreStub) ListenBlockProcessed(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (recordingStoreStub) GetEventsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.EventRecord, error) {
	return nil, nil
}
func (recordingStoreStub) GetExtrinsicsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.ExtrinsicRecord, error) {
	return nil, nil
}
func (recordingStoreStub) UpsertEra(ctx context.Context, chain string, era types.Era) error {
	return nil
}
func (recordingStoreStub) GetEra(ctx context.Context, chain string, index uint32) (types.Era, bool, error) {
	return types.Era{}, false, nil
}
func (recordingStoreStub) UpsertEpoch(ctx context.Context, chain string, epoch types.Epoch) error {
	return nil
}
func (recordingStoreStub) SetEraTotalValidatorReward(ctx context.Context, chain string, eraIndex uint32, amount string) error {
	return nil
}
func (recordingStoreStub) SetEraRewardPoints(ctx context.Context, chain string, eraIndex uint32, points map[types.AccountId]uint64) error {
	return nil
}
func (recordingStoreStub) UpsertEraValidators(ctx context.Context, chain string, eraIndex uint32, ids []types.AccountId) error {
	return nil
}
func (recordingStoreStub) UpsertEraStakers(ctx context.Context, chain string, eraIndex uint32, stakers types.EraStakers) error {
	return nil
}
func (recordingStoreStub) UpsertParaCoreAssignments(ctx context.Context, chain string, blockHash string, assignments []types.ParaCoreAssignment) error {
	return nil
}
func (recordingStoreStub) UpsertParaValidatorGroups(ctx context.Context, chain string, sessionIndex uint64, groups [][]types.AccountId) error {
	return nil
}
func (recordingStoreStub) UpsertParaVotes(ctx context.Context, chain string, blockHash string, votes map[uint32]store.ParaVoteRecord) error {
	return nil
}
func (recordingStoreStub) InsertEvent(ctx context.Context, chain string, blockHash string, index int, pallet, name string, fields map[string]any) error {
	return nil
}
func (recordingStoreStub) InsertExtrinsic(ctx context.Context, chain string, blockHash string, index int, pallet, name string, signer *types.AccountId, success bool, fields map[string]any) error {
	return nil
}
func (recordingStoreStub) RecordProcessErrorEvent(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	return nil
}
func (recordingStoreStub) RecordProcessErrorExtrinsic(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	return nil
}
func (recordingStoreStub) UpsertAccount(ctx context.Context, a types.Account) error { return nil }
func (recordingStoreStub) MarkAccountKilled(ctx context.Context, id types.AccountId, killedAtMs uint64) error {
	return nil
}
func (recordingStoreStub) GetValidatorCounters(ctx context.Context, chain string, id types.AccountId) (store.ValidatorCounters, error) {
	return store.ValidatorCounters{}, nil
}
func (recordingStoreStub) IncrementValidatorCounters(ctx context.Context, chain string, id types.AccountId, delta store.ValidatorCounters) error {
	return nil
}
func (recordingStoreStub) GetUnclaimedEraIndices(ctx context.Context, chain string, id types.AccountId, currentEra uint32, depth int) ([]uint32, error) {
	return nil, nil
}
func (recordingStoreStub) GetOneKV(ctx context.Context, id types.AccountId) (types.OneKVFields, bool, error) {
	return types.OneKVFields{}, false, nil
}
func (recordingStoreStub) GetRulesByTypeAndValidator(ctx context.Context, typeCode string, networkID int64, validator *types.AccountId) ([]types.NotificationRule, error) {
	return nil, nil
}
func (recordingStoreStub) InsertPendingNotification(ctx context.Context, n types.Notification) error {
	return nil
}
func (recordingStoreStub) GetLastProcessedBlock(ctx context.Context, generatorName string) (uint32, error) {
	return 0, nil
}
func (recordingStoreStub) SetLastProcessedBlock(ctx context.Context, generatorName string, number uint32) error {
	return nil
}
func (recordingStoreStub) PollPendingByPeriod(ctx context.Context, periodType types.PeriodType, periodDivisor int) ([]types.Notification, error) {
	return nil, nil
}
func (recordingStoreStub) MarkNotificationProcessing(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (recordingStoreStub) MarkNotificationSent(ctx context.Context, id string) error { return nil }
func (recordingStoreStub) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	return nil
}
func (recordingStoreStub) ResetStuckProcessing(ctx context.Context) (int, error) { return 0, nil }

var _ store.Store = recordingStoreStub{}
