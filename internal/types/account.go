// Package types holds the SubVT domain model: the record shapes shared by
// the chain client, the relational store, the pub/sub cache and the
// WebSocket servers.
package types

import (
	"encoding/hex"
	"errors"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// AccountId is a 32-byte Substrate public key. Equality is always on the
// raw bytes; the base-58 text form is a network-specific display-only
// projection (§3).
type AccountId [32]byte

// AccountIdFromBytes copies b into an AccountId, erroring if the length is
// not exactly 32 bytes.
func AccountIdFromBytes(b []byte) (AccountId, error) {
	var id AccountId
	if len(b) != 32 {
		return id, errors.New("types: account id must be 32 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// Hex renders the account id as a 0x-prefixed hex string, the form used as
// the pub/sub cache key suffix and the WebSocket `subscribe_validator_details`
// parameter (§6).
func (a AccountId) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// AccountIdFromHex parses the inverse of Hex.
func AccountIdFromHex(s string) (AccountId, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return AccountId{}, err
	}
	return AccountIdFromBytes(b)
}

// ss58Preamble salts the checksum hash so an SS58 checksum can never
// collide with a hash of the bare key material.
var ss58Preamble = []byte("SS58PRE")

// SS58 renders the account id using the network's base-58 textual
// representation (§3) with the given SS58 address-type prefix byte (relay
// and asset-hub each have their own, from config). The checksum is the
// first two bytes of blake2b-512 over "SS58PRE" ++ prefix ++ key, per the
// SS58 registry. Canonical equality is always on the raw 32 bytes; nothing
// in the core compares by this string.
func (a AccountId) SS58(addressType byte) string {
	payload := make([]byte, 0, 1+32+2)
	payload = append(payload, addressType)
	payload = append(payload, a[:]...)

	h, err := blake2b.New512(nil)
	if err != nil {
		// Only reachable with a non-nil key argument.
		panic("types: blake2b init: " + err.Error())
	}
	h.Write(ss58Preamble)
	h.Write(payload)
	sum := h.Sum(nil)

	payload = append(payload, sum[0], sum[1])
	return base58Encode(payload)
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	zero := 0
	for zero < len(b) && b[zero] == 0 {
		zero++
	}
	num := new(big.Int).SetBytes(b)
	base := big.NewInt(58)
	mod := new(big.Int)
	out := make([]byte, 0, len(b)*138/100+1)
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < zero; i++ {
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
