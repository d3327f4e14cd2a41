// Package scaledecoder provides the one concrete substrateclient.Decoder
// binary wiring needs to construct a Client. The actual SCALE codec is
// explicitly out of scope (spec.md §1: "assume available as a library
// yielding typed events/extrinsics from raw bytes plus runtime metadata");
// no such library appears anywhere in the retrieved example pack, so this
// stub is a deliberate placeholder, not a dropped dependency. Swap it for a
// real SCALE codec binding before running against a live chain.
package scaledecoder

import (
	"context"

	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// errNotImplemented is returned by every Stub method. It satisfies
// subvterr's error taxonomy so callers that branch on *subvterr.DecodeError
// behave the same way they would against a real decoder's malformed-input
// error.
var errNotImplemented = subvterr.NewDecodeError("", "stub", -1, errUnimplemented{})

type errUnimplemented struct{}

func (errUnimplemented) Error() string {
	return "scaledecoder: SCALE decoding is out of scope; wire in a real codec"
}

// Stub is a substrateclient.Decoder that implements no actual decoding.
// It exists purely so the three daemons in cmd/ that talk to a node (block
// processor, validator-list updater, network-status updater) have a
// concrete type to construct a substrateclient.Client with.
type Stub struct{}

var _ substrateclient.Decoder = Stub{}

func (Stub) FetchMetadata(ctx context.Context, blockHash string) (substrateclient.RuntimeMetadata, error) {
	return substrateclient.RuntimeMetadata{}, errNotImplemented
}

func (Stub) DecodeEvents(ctx context.Context, meta substrateclient.RuntimeMetadata, blockHash string, rawHex string) ([]substrateclient.DecodedEvent, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeExtrinsics(ctx context.Context, meta substrateclient.RuntimeMetadata, blockHash string, rawHex []string) ([]substrateclient.DecodedExtrinsic, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeEra(ctx context.Context, raw string) (types.Era, error) {
	return types.Era{}, errNotImplemented
}

func (Stub) DecodeEpoch(ctx context.Context, raw string) (types.Epoch, error) {
	return types.Epoch{}, errNotImplemented
}

func (Stub) DecodeAccountIdSet(ctx context.Context, raw string) ([]types.AccountId, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeEraStakers(ctx context.Context, eraIndex uint32, raw map[string]string) (types.EraStakers, error) {
	return types.EraStakers{}, errNotImplemented
}

func (Stub) DecodeRewardPoints(ctx context.Context, raw string) (map[types.AccountId]uint64, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeBalance(ctx context.Context, raw string) (string, error) {
	return "", errNotImplemented
}

func (Stub) DecodeParaCoreAssignments(ctx context.Context, raw string) ([]types.ParaCoreAssignment, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeParaValidatorGroups(ctx context.Context, raw string) ([][]types.AccountId, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeParaVotes(ctx context.Context, raw string) (map[uint32][]types.AccountId, error) {
	return nil, errNotImplemented
}

func (Stub) DecodeIdentity(ctx context.Context, raw string) (types.IdentityRegistration, error) {
	return types.IdentityRegistration{}, errNotImplemented
}

func (Stub) DecodeAccountId(ctx context.Context, raw string) (types.AccountId, error) {
	return types.AccountId{}, errNotImplemented
}

func (Stub) DecodeU32(ctx context.Context, raw string) (uint32, error) {
	return 0, errNotImplemented
}

func (Stub) DecodeU64(ctx context.Context, raw string) (uint64, error) {
	return 0, errNotImplemented
}

func (Stub) DecodeValidatorPrefs(ctx context.Context, raw string) (types.ValidatorPreferences, error) {
	return types.ValidatorPreferences{}, errNotImplemented
}

func (Stub) DecodeRewardDestination(ctx context.Context, raw string) (types.RewardDestination, error) {
	return types.RewardDestination{}, errNotImplemented
}

func (Stub) DecodeBabeAuthorIndex(ctx context.Context, digestLogsHex []string) (uint32, bool, error) {
	return 0, false, errNotImplemented
}
