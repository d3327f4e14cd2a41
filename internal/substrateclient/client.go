// Package substrateclient is the thin typed façade over one Substrate
// JSON-RPC endpoint described in SPEC_FULL §4.A: block fetch, storage
// query, finalized-head subscription, and metadata caching. The low-level
// SCALE decoding of raw hex into typed events/extrinsics is explicitly out
// of scope (spec.md §1) and is taken here as an injected Decoder.
package substrateclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// RuntimeMetadata is the decoded runtime metadata needed to drive dispatch
// and era/epoch arithmetic. Its concrete decoding is owned by Decoder; the
// client only caches it and watches for spec_version changes (§4.A).
type RuntimeMetadata struct {
	SpecVersion                     uint32
	SessionsPerEra                  uint32
	EraDurationMs                   uint64
	ExpectedBlockTimeMs             uint64
	MaxNominatorRewardedPerValidator uint32
}

// RuntimeUpgradeInfo is last_runtime_upgrade_info (§4.A "Contract").
type RuntimeUpgradeInfo struct {
	SpecVersion uint32
	BlockHash   string
}

// BlockHeader is the decoded subset of a fetched header needed by the
// Block Processor (era/epoch bookkeeping, BABE author pre-digest).
type BlockHeader struct {
	Hash            string
	Number          uint32
	ParentHash      string
	StateRoot       string
	ExtrinsicsRoot  string
	DigestLogsHex   []string // raw digest log items; BABE pre-digest decode is a Decoder concern
}

// Block is a fetched block: header plus raw extrinsic bytes (hex), pending
// Decoder.DecodeExtrinsics.
type Block struct {
	Header        BlockHeader
	ExtrinsicsHex []string
}

// ValidatorRegistration bundles the per-validator chain-state the
// validator-list snapshot enriches with on top of era-stakers (§4.E.1 step
// 2). NextSessionKeysHex is left as opaque hex; the snapshot only needs to
// detect a change between blocks, not interpret the key material.
type ValidatorRegistration struct {
	Preferences         types.ValidatorPreferences
	Controller          types.AccountId
	RewardDestination   types.RewardDestination
	NextSessionKeysHex  string
}

// DecodedEvent and DecodedExtrinsic are the typed decode results a Decoder
// implementation produces from raw SCALE bytes plus cached metadata. Pallet
// and Name identify the dispatch entry (SPEC_FULL "Metadata-driven
// dispatch"); Fields carries decoder-specific structured data the Block
// Processor's per-pallet handlers further interpret.
type DecodedEvent struct {
	Index  int
	Pallet string
	Name   string
	Fields map[string]any
}

type DecodedExtrinsic struct {
	Index    int
	Pallet   string
	Name     string
	Signer   *types.AccountId
	Success  bool
	Fields   map[string]any
	// InnerCalls holds flattened Utility::batch/batch_all (and
	// Multisig::asMulti / Proxy::proxy unwrapped) inner calls, each
	// correlated with its own success flag (SPEC_FULL "Supplemented
	// Features").
	InnerCalls []DecodedExtrinsic
}

// Decoder decodes raw block bytes into typed events/extrinsics using
// runtime metadata. A production Decoder wraps the SCALE codec library the
// spec treats as an external collaborator (§1); this package depends only
// on the interface.
type Decoder interface {
	FetchMetadata(ctx context.Context, blockHash string) (RuntimeMetadata, error)
	DecodeEvents(ctx context.Context, meta RuntimeMetadata, blockHash string, rawHex string) ([]DecodedEvent, error)
	DecodeExtrinsics(ctx context.Context, meta RuntimeMetadata, blockHash string, rawHex []string) ([]DecodedExtrinsic, error)

	DecodeEra(ctx context.Context, raw string) (types.Era, error)
	DecodeEpoch(ctx context.Context, raw string) (types.Epoch, error)
	DecodeAccountIdSet(ctx context.Context, raw string) ([]types.AccountId, error)
	DecodeEraStakers(ctx context.Context, eraIndex uint32, raw map[string]string) (types.EraStakers, error)
	DecodeRewardPoints(ctx context.Context, raw string) (map[types.AccountId]uint64, error)
	DecodeBalance(ctx context.Context, raw string) (string, error)
	DecodeParaCoreAssignments(ctx context.Context, raw string) ([]types.ParaCoreAssignment, error)
	DecodeParaValidatorGroups(ctx context.Context, raw string) ([][]types.AccountId, error)
	DecodeParaVotes(ctx context.Context, raw string) (map[uint32][]types.AccountId, error)
	DecodeIdentity(ctx context.Context, raw string) (types.IdentityRegistration, error)
	DecodeAccountId(ctx context.Context, raw string) (types.AccountId, error)
	DecodeU32(ctx context.Context, raw string) (uint32, error)
	DecodeU64(ctx context.Context, raw string) (uint64, error)
	DecodeValidatorPrefs(ctx context.Context, raw string) (types.ValidatorPreferences, error)
	DecodeRewardDestination(ctx context.Context, raw string) (types.RewardDestination, error)

	// DecodeBabeAuthorIndex extracts the BABE PreDigest author index from a
	// block header's raw digest log items (§4.D step 1 "pre-digest"). ok is
	// false when no recognizable pre-digest is present (e.g. genesis).
	DecodeBabeAuthorIndex(ctx context.Context, digestLogsHex []string) (index uint32, ok bool, err error)
}

// Client is the façade described in §4.A.
type Client interface {
	GetBlockHash(ctx context.Context, number uint32) (string, error)
	GetFinalizedBlockHash(ctx context.Context) (string, error)
	GetBlockHeader(ctx context.Context, hash string) (BlockHeader, error)
	GetBlock(ctx context.Context, hash string) (Block, error)
	GetBlockEvents(ctx context.Context, hash string) ([]DecodedEvent, error)
	GetBlockExtrinsics(ctx context.Context, hash string) ([]DecodedExtrinsic, error)

	GetActiveEra(ctx context.Context, hash string) (types.Era, error)
	GetCurrentEpoch(ctx context.Context, hash string) (types.Epoch, error)
	GetActiveValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error)
	GetAllValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error)
	GetEraStakers(ctx context.Context, hash string, eraIndex uint32) (types.EraStakers, error)
	GetEraRewardPoints(ctx context.Context, hash string, eraIndex uint32) (map[types.AccountId]uint64, error)
	GetEraTotalValidatorReward(ctx context.Context, hash string, eraIndex uint32) (string, error)
	GetParaCoreAssignments(ctx context.Context, hash string) ([]types.ParaCoreAssignment, error)
	GetParaValidatorGroups(ctx context.Context, hash string) ([][]types.AccountId, error)
	GetParasActiveValidatorIndices(ctx context.Context, hash string) ([]uint32, error)
	GetParaVotes(ctx context.Context, hash string) (map[uint32][]types.AccountId, error)
	GetIdentities(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.IdentityRegistration, error)
	GetParentAccountIds(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.AccountId, error)
	GetTotalValidatorCount(ctx context.Context, hash string) (uint32, error)
	GetTimestamp(ctx context.Context, hash string) (uint64, error)

	// GetBlockAuthorAccountId resolves the BABE pre-digest author index in
	// header to an AccountId via the active validator set at hash (§4.D
	// step 1).
	GetBlockAuthorAccountId(ctx context.Context, hash string, header BlockHeader) (*types.AccountId, error)

	// GetValidatorRegistrations batches the per-validator chain-state reads
	// the validator-list snapshot needs beyond era-stakers: preferences,
	// controller account, reward destination and next-session keys (§4.E.1
	// step 2).
	GetValidatorRegistrations(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]ValidatorRegistration, error)

	// SetMetadataAtBlock re-fetches and caches metadata at a specific block;
	// callers that observe a spec_version change must call this before the
	// next decode (§4.A "Contract").
	SetMetadataAtBlock(ctx context.Context, blockHash string) error
	CachedMetadata() RuntimeMetadata
	LastRuntimeUpgradeInfo(ctx context.Context, hash string) (RuntimeUpgradeInfo, error)

	// SubscribeToFinalizedBlocks is a single-connection streaming
	// subscription; each delivered header passes through callback. It
	// returns only on network failure or ctx cancellation (§4.A).
	SubscribeToFinalizedBlocks(ctx context.Context, callback func(BlockHeader)) error
}

type client struct {
	rpc     *rpcTransport
	decoder Decoder

	metaMu sync.RWMutex
	meta   RuntimeMetadata
}

// New builds a Client bound to one endpoint. wsURL is used for the
// subscription; rpcURL for request/response calls (Substrate nodes usually
// serve both over the same port, but the client keeps them distinct so a
// caller can point the subscription at a different node for HA).
func New(rpcURL, wsURL string, connectTimeout, requestTimeout time.Duration, decoder Decoder) Client {
	return &client{
		rpc:     newRPCTransport(rpcURL, wsURL, connectTimeout, requestTimeout),
		decoder: decoder,
	}
}

func (c *client) CachedMetadata() RuntimeMetadata {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta
}

func (c *client) SetMetadataAtBlock(ctx context.Context, blockHash string) error {
	meta, err := c.decoder.FetchMetadata(ctx, blockHash)
	if err != nil {
		return subvterr.NewTransportError("SetMetadataAtBlock", err)
	}
	c.metaMu.Lock()
	c.meta = meta
	c.metaMu.Unlock()
	return nil
}

func (c *client) GetBlockHash(ctx context.Context, number uint32) (string, error) {
	var hash string
	if err := c.rpc.call(ctx, "chain_getBlockHash", []any{number}, &hash); err != nil {
		return "", subvterr.NewTransportError("chain_getBlockHash", err)
	}
	return hash, nil
}

func (c *client) GetFinalizedBlockHash(ctx context.Context) (string, error) {
	var hash string
	if err := c.rpc.call(ctx, "chain_getFinalizedHead", nil, &hash); err != nil {
		return "", subvterr.NewTransportError("chain_getFinalizedHead", err)
	}
	return hash, nil
}

func (c *client) GetBlockHeader(ctx context.Context, hash string) (BlockHeader, error) {
	var raw struct {
		Number         string   `json:"number"`
		ParentHash     string   `json:"parentHash"`
		StateRoot      string   `json:"stateRoot"`
		ExtrinsicsRoot string   `json:"extrinsicsRoot"`
		Digest         struct {
			Logs []string `json:"logs"`
		} `json:"digest"`
	}
	if err := c.rpc.call(ctx, "chain_getHeader", []any{hash}, &raw); err != nil {
		return BlockHeader{}, subvterr.NewTransportError("chain_getHeader", err)
	}
	num, err := parseHexU32(raw.Number)
	if err != nil {
		return BlockHeader{}, subvterr.NewDecodeError(hash, "header", 0, err)
	}
	return BlockHeader{
		Hash:           hash,
		Number:         num,
		ParentHash:     raw.ParentHash,
		StateRoot:      raw.StateRoot,
		ExtrinsicsRoot: raw.ExtrinsicsRoot,
		DigestLogsHex:  raw.Digest.Logs,
	}, nil
}

func (c *client) GetBlock(ctx context.Context, hash string) (Block, error) {
	var raw struct {
		Block struct {
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := c.rpc.call(ctx, "chain_getBlock", []any{hash}, &raw); err != nil {
		return Block{}, subvterr.NewTransportError("chain_getBlock", err)
	}
	header, err := c.GetBlockHeader(ctx, hash)
	if err != nil {
		return Block{}, err
	}
	return Block{Header: header, ExtrinsicsHex: raw.Block.Extrinsics}, nil
}

func (c *client) GetBlockEvents(ctx context.Context, hash string) ([]DecodedEvent, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, systemEventsStorageKey)
	if err != nil {
		return nil, subvterr.NewTransportError("state_getStorage(System.Events)", err)
	}
	events, err := c.decoder.DecodeEvents(ctx, c.CachedMetadata(), hash, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "event", -1, err)
	}
	return events, nil
}

func (c *client) GetBlockExtrinsics(ctx context.Context, hash string) ([]DecodedExtrinsic, error) {
	blk, err := c.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	extrinsics, err := c.decoder.DecodeExtrinsics(ctx, c.CachedMetadata(), hash, blk.ExtrinsicsHex)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "extrinsic", -1, err)
	}
	return extrinsics, nil
}

func (c *client) LastRuntimeUpgradeInfo(ctx context.Context, hash string) (RuntimeUpgradeInfo, error) {
	var raw struct {
		SpecVersion uint32 `json:"specVersion"`
	}
	if err := c.rpc.call(ctx, "state_getRuntimeVersion", []any{hash}, &raw); err != nil {
		return RuntimeUpgradeInfo{}, subvterr.NewTransportError("state_getRuntimeVersion", err)
	}
	return RuntimeUpgradeInfo{SpecVersion: raw.SpecVersion, BlockHash: hash}, nil
}

func parseHexU32(s string) (uint32, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(fmt.Sprintf("%08s", s))
	if err != nil {
		return 0, err
	}
	var n uint32
	for _, x := range b {
		n = n<<8 | uint32(x)
	}
	return n, nil
}
