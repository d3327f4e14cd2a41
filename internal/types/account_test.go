package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountId_HexRoundTrip(t *testing.T) {
	id := mkAccount(0xab)
	parsed, err := AccountIdFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	// The 0x prefix is optional on parse.
	parsed, err = AccountIdFromHex(strings.TrimPrefix(id.Hex(), "0x"))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestAccountIdFromBytes_RejectsWrongLength(t *testing.T) {
	_, err := AccountIdFromBytes(make([]byte, 31))
	assert.Error(t, err)
	_, err = AccountIdFromBytes(make([]byte, 33))
	assert.Error(t, err)
}

func TestAccountIdFromHex_RejectsMalformedInput(t *testing.T) {
	_, err := AccountIdFromHex("0xzz")
	assert.Error(t, err)
	_, err = AccountIdFromHex("0x0102")
	assert.Error(t, err, "too short")
}

func TestAccountId_SS58KnownVectors(t *testing.T) {
	// The development "Alice" sr25519 key, whose addresses under the
	// generic-substrate (42) and polkadot (0) prefixes are published in the
	// SS58 registry.
	alice, err := AccountIdFromHex("0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d")
	require.NoError(t, err)
	assert.Equal(t, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", alice.SS58(42))
	assert.Equal(t, "15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5", alice.SS58(0))
}

func TestAccountId_SS58IsStableAndPrefixSensitive(t *testing.T) {
	id := mkAccount(7)
	a := id.SS58(0)
	b := id.SS58(0)
	assert.Equal(t, a, b, "encoding must be deterministic")
	assert.NotEqual(t, a, id.SS58(2), "different network prefixes must render differently")

	for _, r := range a {
		assert.Contains(t, base58Alphabet, string(r))
	}
}
