// Package store is the relational durability layer of §4.B: blocks, eras,
// epochs, era-validators, era-stakers, decoded events/extrinsics,
// processed-height watermarks, notification rules and pending notifications.
// Built on github.com/jackc/pgx/v5's pool, matching the teacher's own
// preference for a typed Go client over the bare database/sql interface.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// toJSONB marshals a decoded-field map for storage in a jsonb column. A
// marshal failure here means a Decoder produced a value json.Marshal can't
// handle, a programming error in the decoder, not a runtime condition to
// recover from.
func toJSONB(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: unmarshalable decoded field value: %v", err))
	}
	return b
}

// Store is the façade over both logical databases named in §6
// ("app" and "network"). Most writes land in the network database; the
// notification rule/user tables live in the app database, matching the
// original's two-database split.
type Store interface {
	Close()

	// Blocks & watermarks (§4.D).
	GetProcessedHeight(ctx context.Context, chain string) (uint32, error)
	UpsertBlock(ctx context.Context, chain string, b Block) error
	GetBlockByNumber(ctx context.Context, chain string, number uint32) (Block, bool, error)
	NotifyBlockProcessed(ctx context.Context, chain string, number uint32) error
	ListenBlockProcessed(ctx context.Context, chain string) (<-chan uint32, error)

	// Decoded-event/extrinsic lookup, consumed by the Notification
	// Generator's Block Inspector (§4.F.1) to scan a finalized block's
	// artifacts without re-decoding the raw block.
	GetEventsByBlockHash(ctx context.Context, chain string, blockHash string) ([]EventRecord, error)
	GetExtrinsicsByBlockHash(ctx context.Context, chain string, blockHash string) ([]ExtrinsicRecord, error)

	// Eras & epochs (§4.D steps 4).
	UpsertEra(ctx context.Context, chain string, era types.Era) error
	GetEra(ctx context.Context, chain string, index uint32) (types.Era, bool, error)
	UpsertEpoch(ctx context.Context, chain string, epoch types.Epoch) error
	SetEraTotalValidatorReward(ctx context.Context, chain string, eraIndex uint32, amount string) error
	SetEraRewardPoints(ctx context.Context, chain string, eraIndex uint32, points map[types.AccountId]uint64) error

	// Era validators & stakers.
	UpsertEraValidators(ctx context.Context, chain string, eraIndex uint32, ids []types.AccountId) error
	UpsertEraStakers(ctx context.Context, chain string, eraIndex uint32, stakers types.EraStakers) error

	// Para assignments & votes (§4.D steps 7-8).
	UpsertParaCoreAssignments(ctx context.Context, chain string, blockHash string, assignments []types.ParaCoreAssignment) error
	UpsertParaValidatorGroups(ctx context.Context, chain string, sessionIndex uint64, groups [][]types.AccountId) error
	UpsertParaVotes(ctx context.Context, chain string, blockHash string, votes map[uint32]ParaVoteRecord) error

	// Decoded events & extrinsics (§4.D "decode all events and extrinsics").
	InsertEvent(ctx context.Context, chain string, blockHash string, index int, pallet, name string, fields map[string]any) error
	InsertExtrinsic(ctx context.Context, chain string, blockHash string, index int, pallet, name string, signer *types.AccountId, success bool, fields map[string]any) error
	RecordProcessErrorEvent(ctx context.Context, chain string, blockHash string, index int, errMsg string) error
	RecordProcessErrorExtrinsic(ctx context.Context, chain string, blockHash string, index int, errMsg string) error

	// Account bookkeeping (supplemented feature).
	UpsertAccount(ctx context.Context, a types.Account) error
	MarkAccountKilled(ctx context.Context, id types.AccountId, killedAtMs uint64) error

	// Per-validator historical counters consumed by the Updater's
	// enrichment step (§4.E.1 step 3).
	GetValidatorCounters(ctx context.Context, chain string, id types.AccountId) (ValidatorCounters, error)
	IncrementValidatorCounters(ctx context.Context, chain string, id types.AccountId, delta ValidatorCounters) error
	GetUnclaimedEraIndices(ctx context.Context, chain string, id types.AccountId, currentEra uint32, depth int) ([]uint32, error)

	// 1KV enrichment (supplemented feature).
	GetOneKV(ctx context.Context, id types.AccountId) (types.OneKVFields, bool, error)

	// Notification rules & pending notifications (§4.F).
	GetRulesByTypeAndValidator(ctx context.Context, typeCode string, networkID int64, validator *types.AccountId) ([]types.NotificationRule, error)
	InsertPendingNotification(ctx context.Context, n types.Notification) error
	GetLastProcessedBlock(ctx context.Context, generatorName string) (uint32, error)
	SetLastProcessedBlock(ctx context.Context, generatorName string, number uint32) error
	PollPendingByPeriod(ctx context.Context, periodType types.PeriodType, periodDivisor int) ([]types.Notification, error)
	MarkNotificationProcessing(ctx context.Context, id string) (bool, error)
	MarkNotificationSent(ctx context.Context, id string) error
	MarkNotificationFailed(ctx context.Context, id string, reason string) error
	ResetStuckProcessing(ctx context.Context) (int, error)
}

// Block is the row persisted by the processor's §4.D step 6.
type Block struct {
	Hash             string
	Number           uint32
	TimestampMs      uint64
	AuthorAccountId  *types.AccountId
	EraIndex         uint32
	EpochIndex       uint64
	ParentHash       string
	StateRoot        string
	ExtrinsicsRoot   string
	MetadataVersion  uint32
	RuntimeVersion   uint32
}

// EventRecord is one decoded, persisted event row as read back by the
// Notification Generator's Block Inspector.
type EventRecord struct {
	Index  int
	Pallet string
	Name   string
	Fields map[string]any
}

// ExtrinsicRecord is one decoded, persisted extrinsic row as read back by
// the Notification Generator's Block Inspector.
type ExtrinsicRecord struct {
	Index   int
	Pallet  string
	Name    string
	Signer  *types.AccountId
	Success bool
	Fields  map[string]any
}

// ParaVoteRecord holds one backing group's validator vote classification
// (§4.D step 8: Implicit, Explicit, or Missed).
type ParaVoteRecord struct {
	GroupIndex uint32
	Votes      map[types.AccountId]string // "implicit" | "explicit" | "missed"
}

// ValidatorCounters are the per-era counters enrichment pulls in (§3
// ValidatorDetails: active/inactive/slash/offline/total_reward_points).
type ValidatorCounters struct {
	ActiveEras          uint32
	InactiveEras        uint32
	SlashCount          uint32
	OfflineOffenceCount uint32
	HeartbeatReceived   uint32
	TotalRewardPoints   uint64
	BlocksAuthored      uint64
}

type store struct {
	app *pgxpool.Pool
	net *pgxpool.Pool
}

// New connects two pools (app + network databases, §6 "Process-wide
// configuration") and returns a Store. Both pools use pgx's own connection
// management rather than database/sql, the idiom the pack's nhbchain
// manifest pulls pgx in for.
func New(ctx context.Context, appURL, networkURL string) (Store, error) {
	app, err := pgxpool.New(ctx, appURL)
	if err != nil {
		return nil, subvterr.NewTransportError("connect app db", err)
	}
	net, err := pgxpool.New(ctx, networkURL)
	if err != nil {
		app.Close()
		return nil, subvterr.NewTransportError("connect network db", err)
	}
	return &store{app: app, net: net}, nil
}

func (s *store) Close() {
	s.app.Close()
	s.net.Close()
}

func (s *store) GetProcessedHeight(ctx context.Context, chain string) (uint32, error) {
	var n uint32
	err := s.net.QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM sub_block WHERE chain = $1`, chain,
	).Scan(&n)
	if err != nil {
		return 0, subvterr.NewTransportError("get processed height", err)
	}
	return n, nil
}

func (s *store) UpsertBlock(ctx context.Context, chain string, b Block) error {
	var author []byte
	if b.AuthorAccountId != nil {
		author = b.AuthorAccountId[:]
	}
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_block (chain, hash, number, timestamp_ms, author_account_id, era_index,
			epoch_index, parent_hash, state_root, extrinsics_root, metadata_version, runtime_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (chain, number) DO NOTHING`,
		chain, b.Hash, b.Number, b.TimestampMs, author, b.EraIndex, b.EpochIndex,
		b.ParentHash, b.StateRoot, b.ExtrinsicsRoot, b.MetadataVersion, b.RuntimeVersion,
	)
	if err != nil {
		return subvterr.NewTransportError("upsert block", err)
	}
	return nil
}

func (s *store) GetBlockByNumber(ctx context.Context, chain string, number uint32) (Block, bool, error) {
	var b Block
	var author []byte
	err := s.net.QueryRow(ctx, `
		SELECT hash, number, timestamp_ms, author_account_id, era_index, epoch_index,
			parent_hash, state_root, extrinsics_root, metadata_version, runtime_version
		FROM sub_block WHERE chain = $1 AND number = $2`, chain, number,
	).Scan(&b.Hash, &b.Number, &b.TimestampMs, &author, &b.EraIndex, &b.EpochIndex,
		&b.ParentHash, &b.StateRoot, &b.ExtrinsicsRoot, &b.MetadataVersion, &b.RuntimeVersion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Block{}, false, nil
		}
		return Block{}, false, subvterr.NewTransportError("get block by number", err)
	}
	if len(author) == 32 {
		id, err := types.AccountIdFromBytes(author)
		if err != nil {
			return Block{}, false, subvterr.NewTransportError("decode stored block author account id", err)
		}
		b.AuthorAccountId = &id
	}
	return b, true, nil
}

func (s *store) NotifyBlockProcessed(ctx context.Context, chain string, number uint32) error {
	channel := blockProcessedChannel(chain)
	if _, err := s.net.Exec(ctx, fmt.Sprintf(`NOTIFY %s, '%d'`, channel, number)); err != nil {
		return subvterr.NewTransportError("notify block processed", err)
	}
	return nil
}

func blockProcessedChannel(chain string) string {
	return "sub_block_processed_" + chain
}

// ListenBlockProcessed dedicates one pooled connection to LISTEN on the
// chain's channel; the caller must read until ctx is cancelled. Grounded
// on §4.D "Notify" and §6's "block processed" channel.
func (s *store) ListenBlockProcessed(ctx context.Context, chain string) (<-chan uint32, error) {
	conn, err := s.net.Acquire(ctx)
	if err != nil {
		return nil, subvterr.NewTransportError("acquire listen connection", err)
	}
	channel := blockProcessedChannel(chain)
	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, channel)); err != nil {
		conn.Release()
		return nil, subvterr.NewTransportError("listen", err)
	}

	out := make(chan uint32, 64)
	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			var n uint32
			if _, scanErr := fmt.Sscanf(notification.Payload, "%d", &n); scanErr != nil {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *store) UpsertEra(ctx context.Context, chain string, era types.Era) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_era (chain, index, start_timestamp_ms, end_timestamp_ms)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (chain, index) DO NOTHING`,
		chain, era.Index, era.StartTimestampMs, era.EndTimestampMs)
	if err != nil {
		return subvterr.NewTransportError("upsert era", err)
	}
	return nil
}

func (s *store) GetEra(ctx context.Context, chain string, index uint32) (types.Era, bool, error) {
	var era types.Era
	era.Index = index
	err := s.net.QueryRow(ctx,
		`SELECT start_timestamp_ms, end_timestamp_ms FROM sub_era WHERE chain=$1 AND index=$2`,
		chain, index,
	).Scan(&era.StartTimestampMs, &era.EndTimestampMs)
	if err == pgx.ErrNoRows {
		return types.Era{}, false, nil
	}
	if err != nil {
		return types.Era{}, false, subvterr.NewTransportError("get era", err)
	}
	return era, true, nil
}

func (s *store) UpsertEpoch(ctx context.Context, chain string, epoch types.Epoch) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_epoch (chain, index, start_block_number, start_timestamp_ms, end_timestamp_ms)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (chain, index) DO NOTHING`,
		chain, epoch.Index, epoch.StartBlockNumber, epoch.StartTimestampMs, epoch.EndTimestampMs)
	if err != nil {
		return subvterr.NewTransportError("upsert epoch", err)
	}
	return nil
}

func (s *store) SetEraTotalValidatorReward(ctx context.Context, chain string, eraIndex uint32, amount string) error {
	_, err := s.net.Exec(ctx,
		`UPDATE sub_era SET total_validator_reward = $3 WHERE chain=$1 AND index=$2`,
		chain, eraIndex, amount)
	if err != nil {
		return subvterr.NewTransportError("set era total validator reward", err)
	}
	return nil
}

func (s *store) SetEraRewardPoints(ctx context.Context, chain string, eraIndex uint32, points map[types.AccountId]uint64) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin era reward points tx", err)
	}
	defer tx.Rollback(ctx)

	var total uint64
	for id, pts := range points {
		total += pts
		_, err := tx.Exec(ctx, `
			INSERT INTO sub_era_validator_reward_points (chain, era_index, validator, points)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (chain, era_index, validator) DO UPDATE SET points = EXCLUDED.points`,
			chain, eraIndex, id[:], pts)
		if err != nil {
			return subvterr.NewTransportError("upsert era validator reward points", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sub_era SET total_reward_points = $3 WHERE chain=$1 AND index=$2`,
		chain, eraIndex, total); err != nil {
		return subvterr.NewTransportError("set era total reward points", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit era reward points tx", err)
	}
	return nil
}

func (s *store) UpsertEraValidators(ctx context.Context, chain string, eraIndex uint32, ids []types.AccountId) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin era validators tx", err)
	}
	defer tx.Rollback(ctx)
	for _, id := range ids {
		_, err := tx.Exec(ctx, `
			INSERT INTO sub_era_validator (chain, era_index, validator, is_active)
			VALUES ($1,$2,$3,true)
			ON CONFLICT (chain, era_index, validator) DO NOTHING`,
			chain, eraIndex, id[:])
		if err != nil {
			return subvterr.NewTransportError("upsert era validator", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit era validators tx", err)
	}
	return nil
}

func (s *store) UpsertEraStakers(ctx context.Context, chain string, eraIndex uint32, stakers types.EraStakers) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin era stakers tx", err)
	}
	defer tx.Rollback(ctx)
	for _, vs := range stakers.Validators {
		for _, nom := range vs.Nominators {
			_, err := tx.Exec(ctx, `
				INSERT INTO sub_era_staker (chain, era_index, validator, nominator, stake)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (chain, era_index, validator, nominator) DO NOTHING`,
				chain, eraIndex, vs.Validator[:], nom.Account[:], nom.Stake.String())
			if err != nil {
				return subvterr.NewTransportError("upsert era staker", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit era stakers tx", err)
	}
	return nil
}

func (s *store) UpsertParaCoreAssignments(ctx context.Context, chain string, blockHash string, assignments []types.ParaCoreAssignment) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin para core assignments tx", err)
	}
	defer tx.Rollback(ctx)
	for _, a := range assignments {
		_, err := tx.Exec(ctx, `
			INSERT INTO sub_para_core_assignment (chain, block_hash, core_index, para_id, group_index)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (chain, block_hash, core_index) DO NOTHING`,
			chain, blockHash, a.CoreIndex, a.ParaId, a.GroupIndex)
		if err != nil {
			return subvterr.NewTransportError("upsert para core assignment", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit para core assignments tx", err)
	}
	return nil
}

func (s *store) UpsertParaValidatorGroups(ctx context.Context, chain string, sessionIndex uint64, groups [][]types.AccountId) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin para validator groups tx", err)
	}
	defer tx.Rollback(ctx)
	for groupIndex, members := range groups {
		for _, id := range members {
			_, err := tx.Exec(ctx, `
				INSERT INTO sub_session_para_validator (chain, session_index, validator, group_index)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (chain, session_index, validator) DO NOTHING`,
				chain, sessionIndex, id[:], groupIndex)
			if err != nil {
				return subvterr.NewTransportError("upsert session para validator", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit para validator groups tx", err)
	}
	return nil
}

func (s *store) UpsertParaVotes(ctx context.Context, chain string, blockHash string, votes map[uint32]ParaVoteRecord) error {
	tx, err := s.net.Begin(ctx)
	if err != nil {
		return subvterr.NewTransportError("begin para votes tx", err)
	}
	defer tx.Rollback(ctx)
	for groupIndex, rec := range votes {
		for id, kind := range rec.Votes {
			_, err := tx.Exec(ctx, `
				INSERT INTO sub_para_vote (chain, block_hash, group_index, validator, vote)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (chain, block_hash, validator) DO NOTHING`,
				chain, blockHash, groupIndex, id[:], kind)
			if err != nil {
				return subvterr.NewTransportError("upsert para vote", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return subvterr.NewTransportError("commit para votes tx", err)
	}
	return nil
}

func (s *store) InsertEvent(ctx context.Context, chain string, blockHash string, index int, pallet, name string, fields map[string]any) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_event (chain, block_hash, event_index, pallet, name, fields)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (chain, block_hash, event_index) DO NOTHING`,
		chain, blockHash, index, pallet, name, toJSONB(fields))
	if err != nil {
		return subvterr.NewTransportError("insert event", err)
	}
	return nil
}

func (s *store) GetEventsByBlockHash(ctx context.Context, chain string, blockHash string) ([]EventRecord, error) {
	rows, err := s.net.Query(ctx, `
		SELECT event_index, pallet, name, fields FROM sub_event
		WHERE chain = $1 AND block_hash = $2 ORDER BY event_index`,
		chain, blockHash)
	if err != nil {
		return nil, subvterr.NewTransportError("get events by block hash", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var raw []byte
		if err := rows.Scan(&rec.Index, &rec.Pallet, &rec.Name, &raw); err != nil {
			return nil, subvterr.NewTransportError("scan event row", err)
		}
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return nil, subvterr.NewTransportError("unmarshal event fields", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, subvterr.NewTransportError("iterate event rows", err)
	}
	return out, nil
}

func (s *store) GetExtrinsicsByBlockHash(ctx context.Context, chain string, blockHash string) ([]ExtrinsicRecord, error) {
	rows, err := s.net.Query(ctx, `
		SELECT extrinsic_index, pallet, name, signer, success, fields FROM sub_extrinsic
		WHERE chain = $1 AND block_hash = $2 ORDER BY extrinsic_index`,
		chain, blockHash)
	if err != nil {
		return nil, subvterr.NewTransportError("get extrinsics by block hash", err)
	}
	defer rows.Close()

	var out []ExtrinsicRecord
	for rows.Next() {
		var rec ExtrinsicRecord
		var signerBytes []byte
		var raw []byte
		if err := rows.Scan(&rec.Index, &rec.Pallet, &rec.Name, &signerBytes, &rec.Success, &raw); err != nil {
			return nil, subvterr.NewTransportError("scan extrinsic row", err)
		}
		if len(signerBytes) == 32 {
			if id, err := types.AccountIdFromBytes(signerBytes); err == nil {
				rec.Signer = &id
			}
		}
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return nil, subvterr.NewTransportError("unmarshal extrinsic fields", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, subvterr.NewTransportError("iterate extrinsic rows", err)
	}
	return out, nil
}

func (s *store) InsertExtrinsic(ctx context.Context, chain string, blockHash string, index int, pallet, name string, signer *types.AccountId, success bool, fields map[string]any) error {
	var signerBytes []byte
	if signer != nil {
		signerBytes = signer[:]
	}
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_extrinsic (chain, block_hash, extrinsic_index, pallet, name, signer, success, fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chain, block_hash, extrinsic_index) DO NOTHING`,
		chain, blockHash, index, pallet, name, signerBytes, success, toJSONB(fields))
	if err != nil {
		return subvterr.NewTransportError("insert extrinsic", err)
	}
	return nil
}

func (s *store) RecordProcessErrorEvent(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_event_process_error_log (chain, block_hash, event_index, error, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`,
		chain, blockHash, index, errMsg, time.Now().UTC())
	if err != nil {
		return subvterr.NewTransportError("record event process error", err)
	}
	return nil
}

func (s *store) RecordProcessErrorExtrinsic(ctx context.Context, chain string, blockHash string, index int, errMsg string) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_extrinsic_process_error_log (chain, block_hash, extrinsic_index, error, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`,
		chain, blockHash, index, errMsg, time.Now().UTC())
	if err != nil {
		return subvterr.NewTransportError("record extrinsic process error", err)
	}
	return nil
}

func (s *store) UpsertAccount(ctx context.Context, a types.Account) error {
	var parent []byte
	if a.Parent != nil {
		parent = a.Parent.Id[:]
	}
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_account (id, address, parent_account_id, child_display, discovered_at)
		VALUES ($1,$2,$3,$4, COALESCE($5, now()))
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			parent_account_id = EXCLUDED.parent_account_id,
			child_display = EXCLUDED.child_display`,
		a.Id[:], a.Address, parent, a.ChildDisplay, msToTime(a.DiscoveredAt))
	if err != nil {
		return subvterr.NewTransportError("upsert account", err)
	}
	return nil
}

func (s *store) MarkAccountKilled(ctx context.Context, id types.AccountId, killedAtMs uint64) error {
	_, err := s.net.Exec(ctx,
		`UPDATE sub_account SET killed_at = $2 WHERE id = $1 AND killed_at IS NULL`,
		id[:], time.UnixMilli(int64(killedAtMs)).UTC())
	if err != nil {
		return subvterr.NewTransportError("mark account killed", err)
	}
	return nil
}

func (s *store) GetValidatorCounters(ctx context.Context, chain string, id types.AccountId) (ValidatorCounters, error) {
	var c ValidatorCounters
	err := s.net.QueryRow(ctx, `
		SELECT active_eras, inactive_eras, slash_count, offline_offence_count,
			heartbeat_received, total_reward_points, blocks_authored
		FROM sub_validator_counter WHERE chain=$1 AND validator=$2`,
		chain, id[:],
	).Scan(&c.ActiveEras, &c.InactiveEras, &c.SlashCount, &c.OfflineOffenceCount,
		&c.HeartbeatReceived, &c.TotalRewardPoints, &c.BlocksAuthored)
	if err == pgx.ErrNoRows {
		return ValidatorCounters{}, nil
	}
	if err != nil {
		return ValidatorCounters{}, subvterr.NewTransportError("get validator counters", err)
	}
	return c, nil
}

func (s *store) IncrementValidatorCounters(ctx context.Context, chain string, id types.AccountId, delta ValidatorCounters) error {
	_, err := s.net.Exec(ctx, `
		INSERT INTO sub_validator_counter (chain, validator, active_eras, inactive_eras, slash_count,
			offline_offence_count, heartbeat_received, total_reward_points, blocks_authored)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (chain, validator) DO UPDATE SET
			active_eras = sub_validator_counter.active_eras + EXCLUDED.active_eras,
			inactive_eras = sub_validator_counter.inactive_eras + EXCLUDED.inactive_eras,
			slash_count = sub_validator_counter.slash_count + EXCLUDED.slash_count,
			offline_offence_count = sub_validator_counter.offline_offence_count + EXCLUDED.offline_offence_count,
			heartbeat_received = sub_validator_counter.heartbeat_received + EXCLUDED.heartbeat_received,
			total_reward_points = sub_validator_counter.total_reward_points + EXCLUDED.total_reward_points,
			blocks_authored = sub_validator_counter.blocks_authored + EXCLUDED.blocks_authored`,
		chain, id[:], delta.ActiveEras, delta.InactiveEras, delta.SlashCount,
		delta.OfflineOffenceCount, delta.HeartbeatReceived, delta.TotalRewardPoints, delta.BlocksAuthored)
	if err != nil {
		return subvterr.NewTransportError("increment validator counters", err)
	}
	return nil
}

func (s *store) GetUnclaimedEraIndices(ctx context.Context, chain string, id types.AccountId, currentEra uint32, depth int) ([]uint32, error) {
	rows, err := s.net.Query(ctx, `
		SELECT era_index FROM sub_era_validator
		WHERE chain=$1 AND validator=$2 AND era_index < $3 AND era_index >= $3 - $4
			AND claimed = false
		ORDER BY era_index`, chain, id[:], currentEra, depth)
	if err != nil {
		return nil, subvterr.NewTransportError("get unclaimed era indices", err)
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var e uint32
		if err := rows.Scan(&e); err != nil {
			return nil, subvterr.NewTransportError("scan unclaimed era index", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *store) GetOneKV(ctx context.Context, id types.AccountId) (types.OneKVFields, bool, error) {
	var f types.OneKVFields
	err := s.app.QueryRow(ctx, `
		SELECT candidate_record_id, rank, location, is_valid, inclusion
		FROM app_onekv_candidate WHERE validator=$1`, id[:],
	).Scan(&f.CandidateRecordId, &f.Rank, &f.Location, &f.IsValid, &f.Inclusion)
	if err == pgx.ErrNoRows {
		return types.OneKVFields{}, false, nil
	}
	if err != nil {
		return types.OneKVFields{}, false, subvterr.NewTransportError("get onekv", err)
	}
	return f, true, nil
}

func (s *store) GetRulesByTypeAndValidator(ctx context.Context, typeCode string, networkID int64, validator *types.AccountId) ([]types.NotificationRule, error) {
	var validatorBytes []byte
	if validator != nil {
		validatorBytes = validator[:]
	}
	rows, err := s.app.Query(ctx, `
		SELECT DISTINCT r.id, r.user_id, r.type_code, r.network_id, r.is_for_all_validators,
			r.period_type, r.period
		FROM app_user_notification_rule r
		LEFT JOIN app_user_notification_rule_validator v ON v.rule_id = r.id
		WHERE r.type_code = $1 AND (r.network_id IS NULL OR r.network_id = $2)
			AND (r.is_for_all_validators = true OR v.validator = $3)`,
		typeCode, networkID, validatorBytes)
	if err != nil {
		return nil, subvterr.NewTransportError("get rules by type and validator", err)
	}
	var out []types.NotificationRule
	for rows.Next() {
		var r types.NotificationRule
		if err := rows.Scan(&r.Id, &r.UserId, &r.TypeCode, &r.NetworkId, &r.IsForAllValidators,
			&r.PeriodType, &r.Period); err != nil {
			rows.Close()
			return nil, subvterr.NewTransportError("scan notification rule", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, subvterr.NewTransportError("iterate notification rules", err)
	}
	for i := range out {
		if err := s.loadRuleRefs(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// loadRuleRefs populates a rule's channel list and typed parameters. A rule
// without at least one channel never produces a notification (the emit loop
// is per (rule, channel)), so the refs are part of the rule, not a separate
// lookup the Generator has to remember to make.
func (s *store) loadRuleRefs(ctx context.Context, r *types.NotificationRule) error {
	chRows, err := s.app.Query(ctx, `
		SELECT c.id, c.user_id, c.channel, c.target
		FROM app_user_notification_channel c
		JOIN app_user_notification_rule_channel rc ON rc.channel_id = c.id
		WHERE rc.rule_id = $1`, r.Id)
	if err != nil {
		return subvterr.NewTransportError("get rule channels", err)
	}
	for chRows.Next() {
		var ch types.UserChannel
		if err := chRows.Scan(&ch.Id, &ch.UserId, &ch.Channel, &ch.Target); err != nil {
			chRows.Close()
			return subvterr.NewTransportError("scan rule channel", err)
		}
		r.ChannelRefs = append(r.ChannelRefs, ch)
	}
	chRows.Close()
	if err := chRows.Err(); err != nil {
		return subvterr.NewTransportError("iterate rule channels", err)
	}

	paramRows, err := s.app.Query(ctx, `
		SELECT p.parameter_type_id, p.value, t.type, t.min, t.max
		FROM app_user_notification_rule_param p
		JOIN app_notification_param_type t ON t.id = p.parameter_type_id
		WHERE p.rule_id = $1`, r.Id)
	if err != nil {
		return subvterr.NewTransportError("get rule parameters", err)
	}
	defer paramRows.Close()
	for paramRows.Next() {
		var p types.RuleParameter
		if err := paramRows.Scan(&p.TypeId, &p.Value, &p.Type, &p.Min, &p.Max); err != nil {
			return subvterr.NewTransportError("scan rule parameter", err)
		}
		r.Parameters = append(r.Parameters, p)
	}
	if err := paramRows.Err(); err != nil {
		return subvterr.NewTransportError("iterate rule parameters", err)
	}
	return nil
}

func (s *store) InsertPendingNotification(ctx context.Context, n types.Notification) error {
	var validatorBytes []byte
	if n.ValidatorAccountId != nil {
		validatorBytes = n.ValidatorAccountId[:]
	}
	_, err := s.app.Exec(ctx, `
		INSERT INTO app_notification (id, user_id, rule_id, network_id, period_type, period,
			validator_account_id, type_code, channel_id, channel_code, target, data_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		n.Id, n.UserId, n.RuleId, n.NetworkId, n.PeriodType, n.Period,
		validatorBytes, n.TypeCode, n.ChannelId, n.ChannelCode, n.Target, n.DataJSON)
	if err != nil {
		return subvterr.NewTransportError("insert pending notification", err)
	}
	return nil
}

func (s *store) GetLastProcessedBlock(ctx context.Context, generatorName string) (uint32, error) {
	var n uint32
	err := s.app.QueryRow(ctx,
		`SELECT COALESCE(last_block_number, 0) FROM app_generator_watermark WHERE name=$1`,
		generatorName,
	).Scan(&n)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, subvterr.NewTransportError("get last processed block", err)
	}
	return n, nil
}

func (s *store) SetLastProcessedBlock(ctx context.Context, generatorName string, number uint32) error {
	_, err := s.app.Exec(ctx, `
		INSERT INTO app_generator_watermark (name, last_block_number)
		VALUES ($1,$2)
		ON CONFLICT (name) DO UPDATE SET last_block_number = EXCLUDED.last_block_number`,
		generatorName, number)
	if err != nil {
		return subvterr.NewTransportError("set last processed block", err)
	}
	return nil
}

func (s *store) PollPendingByPeriod(ctx context.Context, periodType types.PeriodType, periodDivisor int) ([]types.Notification, error) {
	rows, err := s.app.Query(ctx, `
		SELECT n.id, n.user_id, n.rule_id, n.network_id, n.period_type, n.period,
			n.validator_account_id, n.type_code, n.channel_id, n.channel_code, n.target, n.data_json
		FROM app_notification n
		JOIN app_user_notification_rule r ON r.id = n.rule_id
		WHERE n.period_type = $1 AND n.processing_started_at IS NULL
			AND (r.period = 0 OR $2 % NULLIF(r.period, 0) = 0)`,
		periodType, periodDivisor)
	if err != nil {
		return nil, subvterr.NewTransportError("poll pending by period", err)
	}
	defer rows.Close()
	var out []types.Notification
	for rows.Next() {
		var n types.Notification
		var validatorBytes []byte
		if err := rows.Scan(&n.Id, &n.UserId, &n.RuleId, &n.NetworkId, &n.PeriodType, &n.Period,
			&validatorBytes, &n.TypeCode, &n.ChannelId, &n.ChannelCode, &n.Target, &n.DataJSON); err != nil {
			return nil, subvterr.NewTransportError("scan pending notification", err)
		}
		if len(validatorBytes) == 32 {
			id, err := types.AccountIdFromBytes(validatorBytes)
			if err == nil {
				n.ValidatorAccountId = &id
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *store) MarkNotificationProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.app.Exec(ctx, `
		UPDATE app_notification SET processing_started_at = now()
		WHERE id = $1 AND processing_started_at IS NULL`, id)
	if err != nil {
		return false, subvterr.NewTransportError("mark notification processing", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *store) MarkNotificationSent(ctx context.Context, id string) error {
	_, err := s.app.Exec(ctx,
		`UPDATE app_notification SET sent_at = now(), status = $2 WHERE id = $1`,
		id, types.NotificationSent)
	if err != nil {
		return subvterr.NewTransportError("mark notification sent", err)
	}
	return nil
}

func (s *store) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	_, err := s.app.Exec(ctx,
		`UPDATE app_notification SET failed_at = now(), status = $2, failure_reason = $3 WHERE id = $1`,
		id, types.NotificationFailed, reason)
	if err != nil {
		return subvterr.NewTransportError("mark notification failed", err)
	}
	return nil
}

// ResetStuckProcessing recovers from a mid-dispatch crash (§4.F.2
// "Failure"): any row with sent_at IS NULL is reset back to pending.
func (s *store) ResetStuckProcessing(ctx context.Context) (int, error) {
	tag, err := s.app.Exec(ctx, `
		UPDATE app_notification
		SET processing_started_at = NULL, failed_at = NULL
		WHERE sent_at IS NULL AND processing_started_at IS NOT NULL`)
	if err != nil {
		return 0, subvterr.NewTransportError("reset stuck processing", err)
	}
	return int(tag.RowsAffected()), nil
}

func msToTime(ms *uint64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(int64(*ms)).UTC()
	return &t
}
