package notificationsender

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// fakeStore is a minimal in-memory stand-in for store.Store, enough to
// drive the Sender's claim/dispatch/record state machine.
type fakeStore struct {
	pending    map[types.PeriodType][]types.Notification
	processing map[string]bool
	sent       []string
	failed     map[string]string
	resetCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending:    make(map[types.PeriodType][]types.Notification),
		processing: make(map[string]bool),
		failed:     make(map[string]string),
	}
}

func (f *fakeStore) Close() {}
func (f *fakeStore) GetProcessedHeight(ctx context.Context, chain string) (uint32, error) { return 0, nil }
func (f *fakeStore) UpsertBlock(ctx context.Context, chain string, b store.Block) error   { return nil }
func (f *fakeStore) GetBlockByNumber(ctx context.Context, chain string, number uint32) (store.Block, bool, error) {
	return store.Block{}, false, nil
}
func (f *fakeStore) NotifyBlockProcessed(ctx context.Context, chain string, number uint32) error {
	return nil
}
func (f *fakeStore) ListenBlockProcessed(ctx context.Context, chain string) (<-chan uint32, error) {
	return make(chan uint32), nil
}
func (f *fakeStore) GetEventsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.EventRecord, error) {
	return nil, nil
}
func (f *fakeStore) GetExtrinsicsByBlockHash(ctx context.Context, chain string, blockHash string) ([]store.ExtrinsicRecord, error) {
	return nil, nil
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
	return nil, nil
}
func (f *fakeStore) GetOneKV(ctx context.Context, id types.AccountId) (types.OneKVFields, bool, error) {
	return types.OneKVFields{}, false, nil
}
func (f *fakeStore) GetRulesByTypeAndValidator(ctx context.Context, typeCode string, networkID int64, validator *types.AccountId) ([]types.NotificationRule, error) {
	return nil, nil
}
func (f *fakeStore) InsertPendingNotification(ctx context.Context, n types.Notification) error {
	return nil
}
func (f *fakeStore) GetLastProcessedBlock(ctx context.Context, generatorName string) (uint32, error) {
	return 0, nil
}
func (f *fakeStore) SetLastProcessedBlock(ctx context.Context, generatorName string, number uint32) error {
	return nil
}

func (f *fakeStore) PollPendingByPeriod(ctx context.Context, periodType types.PeriodType, periodDivisor int) ([]types.Notification, error) {
	var out []types.Notification
	for _, n := range f.pending[periodType] {
		if !f.processing[n.Id] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationProcessing(ctx context.Context, id string) (bool, error) {
	if f.processing[id] {
		return false, nil
	}
	f.processing[id] = true
	return true, nil
}

func (f *fakeStore) MarkNotificationSent(ctx context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeStore) ResetStuckProcessing(ctx context.Context) (int, error) {
	f.resetCount++
	return 0, nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeDispatcher struct {
	sent []types.Notification
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, n types.Notification) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func TestSender_ProcessPeriod_DispatchesAndMarksSent(t *testing.T) {
	fs := newFakeStore()
	fd := &fakeDispatcher{}
	fs.pending[types.PeriodImmediate] = []types.Notification{
		{Id: "n1", TypeCode: types.NotifyNewValidator, ChannelCode: "email"},
	}

	s := New(fs, fd, 0)
	s.processPeriod(context.Background(), types.PeriodImmediate, 0)

	require.Len(t, fd.sent, 1)
	assert.Equal(t, "n1", fd.sent[0].Id)
	assert.Contains(t, fs.sent, "n1")
	assert.Empty(t, fs.failed)
}

func TestSender_ProcessPeriod_FailedDispatchIsRecorded(t *testing.T) {
	fs := newFakeStore()
	fd := &fakeDispatcher{err: errors.New("smtp timeout")}
	fs.pending[types.PeriodImmediate] = []types.Notification{
		{Id: "n2", TypeCode: types.NotifyNewValidator, ChannelCode: "email"},
	}

	s := New(fs, fd, 0)
	s.processPeriod(context.Background(), types.PeriodImmediate, 0)

	assert.Empty(t, fd.sent)
	assert.NotContains(t, fs.sent, "n2")
	assert.Equal(t, "smtp timeout", fs.failed["n2"])
}

func TestSender_ProcessPeriod_SkipsAlreadyClaimedNotification(t *testing.T) {
	fs := newFakeStore()
	fd := &fakeDispatcher{}
	fs.pending[types.PeriodHour] = []types.Notification{
		{Id: "n3", ChannelCode: "email"},
	}
	fs.processing["n3"] = true

	s := New(fs, fd, 0)
	s.processPeriod(context.Background(), types.PeriodHour, 1)

	assert.Empty(t, fd.sent)
}

func TestChannelRouter_SelectsDispatcherByChannelCode(t *testing.T) {
	email := &fakeDispatcher{}
	push := &fakeDispatcher{}
	router := NewChannelRouter(map[string]Dispatcher{"email": email, "push": push})

	require.NoError(t, router.Send(context.Background(), types.Notification{Id: "n4", ChannelCode: "push"}))
	assert.Len(t, push.sent, 1)
	assert.Empty(t, email.sent)

	err := router.Send(context.Background(), types.Notification{Id: "n5", ChannelCode: "sms"})
	assert.Error(t, err)
}
