// Package cache is the pub/sub snapshot store of §4.C / §6: the current
// validator snapshots (active + inactive), per-validator content/summary
// hashes, network status, and the three publish channels. Built on
// github.com/go-redis/redis/v8, the context-aware successor of the v7
// client the pack's klaytn manifest depends on.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

func jsonMarshal(v any) ([]byte, error)        { return json.Marshal(v) }
func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// HistoryBlockDepth is the number of trailing finalized-block snapshots
// kept before garbage collection (§9 "Garbage collection of cache
// snapshots"). Must stay 3 so the List Server can service a reconnect that
// arrives a block or two late.
const HistoryBlockDepth = 3

const (
	channelSuffixValidatorsPublish        = ":validators:publish:finalized_block_number"
	channelSuffixNetworkStatusPublish     = ":network_status:publish:best_block_number"
	channelSuffixInactiveValidatorsPublish = ":inactive_validators:publish:finalized_block_number"
)

// Cache is the façade over the Redis key layout in §6.
type Cache interface {
	Close() error

	// PublishValidatorSnapshot writes the full key layout for one finalized
	// block (§4.E.1 step 4) and garbage-collects the block HistoryBlockDepth
	// behind it.
	PublishValidatorSnapshot(ctx context.Context, chain string, blockNumber uint32, snapshot ValidatorSnapshot) error

	GetAccountIdSet(ctx context.Context, chain string, blockNumber uint32, active bool) ([]types.AccountId, error)
	GetValidatorDetails(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (types.ValidatorDetails, error)
	GetValidatorHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error)
	GetValidatorSummaryHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error)
	GetActiveEra(ctx context.Context, chain string, blockNumber uint32) (types.Era, error)
	GetFinalizedBlockNumber(ctx context.Context, chain string) (uint32, bool, error)

	SubscribeValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error)
	SubscribeNetworkStatusPublish(ctx context.Context, chain string) (<-chan uint32, error)
	SubscribeInactiveValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error)

	PublishNetworkStatus(ctx context.Context, chain string, bestBlockNumber uint32, status types.NetworkStatus) error
	GetNetworkStatus(ctx context.Context, chain string) (types.NetworkStatus, error)
}

// ValidatorSnapshot is the full payload the Updater publishes for one
// finalized block (§4.E.1 step 4).
type ValidatorSnapshot struct {
	Active   []types.ValidatorDetails
	Inactive []types.ValidatorDetails
	ActiveEra types.Era
}

type cache struct {
	rdb *redis.Client
}

// New dials one Redis endpoint (§6 "Process-wide configuration",
// Config.Cache.URL).
func New(ctx context.Context, url string) (Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, subvterr.NewTransportError("parse redis url", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, subvterr.NewTransportError("ping redis", err)
	}
	return &cache{rdb: rdb}, nil
}

func (c *cache) Close() error { return c.rdb.Close() }

func keyPrefix(chain string, blockNumber uint32) string {
	return fmt.Sprintf("subvt:%s:validators:%d", chain, blockNumber)
}

func stateWord(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func (c *cache) PublishValidatorSnapshot(ctx context.Context, chain string, blockNumber uint32, snapshot ValidatorSnapshot) error {
	prefix := keyPrefix(chain, blockNumber)
	pipe := c.rdb.TxPipeline()

	writeSet := func(state string, validators []types.ValidatorDetails) {
		ids := make([]any, 0, len(validators))
		for _, v := range validators {
			ids = append(ids, v.Account.Id.Hex())
			if err := writeValidatorKeys(ctx, pipe, prefix, state, v); err != nil {
				continue
			}
		}
		if len(ids) > 0 {
			pipe.SAdd(ctx, fmt.Sprintf("%s:%s:account_id_set", prefix, state), ids...)
		}
	}
	writeSet(stateWord(true), snapshot.Active)
	writeSet(stateWord(false), snapshot.Inactive)

	eraJSON, err := jsonMarshal(snapshot.ActiveEra)
	if err != nil {
		return subvterr.NewDecodeError("", "era", 0, err)
	}
	pipe.Set(ctx, fmt.Sprintf("%s:active_era", prefix), eraJSON, 0)
	pipe.Set(ctx, fmt.Sprintf("subvt:%s:validators:finalized_block_number", chain), blockNumber, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return subvterr.NewTransportError("publish validator snapshot", err)
	}

	if _, err := c.rdb.Publish(ctx, "subvt:"+chain+channelSuffixValidatorsPublish, blockNumber).Result(); err != nil {
		return subvterr.NewTransportError("publish finalized block number", err)
	}

	return c.garbageCollect(ctx, chain, blockNumber)
}

func writeValidatorKeys(ctx context.Context, pipe redis.Pipeliner, prefix, state string, v types.ValidatorDetails) error {
	body, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	id := v.Account.Id.Hex()
	base := fmt.Sprintf("%s:%s:validator:%s", prefix, state, id)
	pipe.Set(ctx, base, body, 0)
	pipe.Set(ctx, base+":hash", v.Hash(), 0)
	pipe.Set(ctx, base+":summary_hash", v.SummaryHash(), 0)
	return nil
}

// garbageCollect deletes the snapshot for blockNumber - HistoryBlockDepth
// (§9). Best-effort: a missing prior snapshot is not an error.
func (c *cache) garbageCollect(ctx context.Context, chain string, blockNumber uint32) error {
	if blockNumber < HistoryBlockDepth {
		return nil
	}
	old := blockNumber - HistoryBlockDepth
	prefix := keyPrefix(chain, old)
	pattern := prefix + ":*"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return subvterr.NewTransportError("scan gc keys", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return subvterr.NewTransportError("delete gc keys", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (c *cache) GetAccountIdSet(ctx context.Context, chain string, blockNumber uint32, active bool) ([]types.AccountId, error) {
	key := fmt.Sprintf("%s:%s:account_id_set", keyPrefix(chain, blockNumber), stateWord(active))
	hexIds, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, subvterr.NewTransportError("get account id set", err)
	}
	out := make([]types.AccountId, 0, len(hexIds))
	for _, h := range hexIds {
		id, err := types.AccountIdFromHex(h)
		if err != nil {
			return nil, subvterr.NewDecodeError("", "account_id_set", 0, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *cache) GetValidatorDetails(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (types.ValidatorDetails, error) {
	key := fmt.Sprintf("%s:%s:validator:%s", keyPrefix(chain, blockNumber), stateWord(active), id.Hex())
	body, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return types.ValidatorDetails{}, subvterr.NewTransportError("get validator details", err)
	}
	var v types.ValidatorDetails
	if err := jsonUnmarshal(body, &v); err != nil {
		return types.ValidatorDetails{}, subvterr.NewDecodeError("", "validator_details", 0, err)
	}
	return v, nil
}

func (c *cache) GetValidatorHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	key := fmt.Sprintf("%s:%s:validator:%s:hash", keyPrefix(chain, blockNumber), stateWord(active), id.Hex())
	return c.getU64(ctx, key)
}

func (c *cache) GetValidatorSummaryHash(ctx context.Context, chain string, blockNumber uint32, active bool, id types.AccountId) (uint64, error) {
	key := fmt.Sprintf("%s:%s:validator:%s:summary_hash", keyPrefix(chain, blockNumber), stateWord(active), id.Hex())
	return c.getU64(ctx, key)
}

func (c *cache) getU64(ctx context.Context, key string) (uint64, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, subvterr.NewTransportError("get u64", err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, subvterr.NewDecodeError("", "u64", 0, err)
	}
	return n, nil
}

func (c *cache) GetActiveEra(ctx context.Context, chain string, blockNumber uint32) (types.Era, error) {
	key := fmt.Sprintf("%s:active_era", keyPrefix(chain, blockNumber))
	body, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return types.Era{}, subvterr.NewTransportError("get active era", err)
	}
	var era types.Era
	if err := jsonUnmarshal(body, &era); err != nil {
		return types.Era{}, subvterr.NewDecodeError("", "era", 0, err)
	}
	return era, nil
}

func (c *cache) GetFinalizedBlockNumber(ctx context.Context, chain string) (uint32, bool, error) {
	key := fmt.Sprintf("subvt:%s:validators:finalized_block_number", chain)
	s, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, subvterr.NewTransportError("get finalized block number", err)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false, subvterr.NewDecodeError("", "u32", 0, err)
	}
	return uint32(n), true, nil
}

func (c *cache) subscribe(ctx context.Context, channel string) (<-chan uint32, error) {
	sub := c.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, subvterr.NewTransportError("subscribe "+channel, err)
	}
	out := make(chan uint32, 32)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n, err := strconv.ParseUint(msg.Payload, 10, 32)
				if err != nil {
					continue
				}
				select {
				case out <- uint32(n):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *cache) SubscribeValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return c.subscribe(ctx, "subvt:"+chain+channelSuffixValidatorsPublish)
}

func (c *cache) SubscribeNetworkStatusPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return c.subscribe(ctx, "subvt:"+chain+channelSuffixNetworkStatusPublish)
}

func (c *cache) SubscribeInactiveValidatorsPublish(ctx context.Context, chain string) (<-chan uint32, error) {
	return c.subscribe(ctx, "subvt:"+chain+channelSuffixInactiveValidatorsPublish)
}

func (c *cache) PublishNetworkStatus(ctx context.Context, chain string, bestBlockNumber uint32, status types.NetworkStatus) error {
	body, err := jsonMarshal(status)
	if err != nil {
		return subvterr.NewDecodeError("", "network_status", 0, err)
	}
	key := fmt.Sprintf("subvt:%s:network_status", chain)
	if err := c.rdb.Set(ctx, key, body, 0).Err(); err != nil {
		return subvterr.NewTransportError("set network status", err)
	}
	if err := c.rdb.Publish(ctx, "subvt:"+chain+channelSuffixNetworkStatusPublish, bestBlockNumber).Err(); err != nil {
		return subvterr.NewTransportError("publish network status", err)
	}
	return nil
}

func (c *cache) GetNetworkStatus(ctx context.Context, chain string) (types.NetworkStatus, error) {
	key := fmt.Sprintf("subvt:%s:network_status", chain)
	body, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return types.NetworkStatus{}, subvterr.NewTransportError("get network status", err)
	}
	var s types.NetworkStatus
	if err := jsonUnmarshal(body, &s); err != nil {
		return types.NetworkStatus{}, subvterr.NewDecodeError("", "network_status", 0, err)
	}
	return s, nil
}
