package types

import (
	"encoding/json"
	"math/big"

	"github.com/cespare/xxhash/v2"
)

// Hash computes a stable content hash over a ValidatorDetails record, used
// by the Updater to gate re-publishing a validator's full record to the
// cache (§4.E.1) and by the Details Server's hash-gating (§4.E.3). Two
// records that marshal identically hash identically; this satisfies the
// "Hash stability" testable property (§8.4): X == Y implies hash(X) ==
// hash(Y) with certainty, because the hash is a pure function of the
// record's JSON encoding.
func (v ValidatorDetails) Hash() uint64 {
	return jsonHash(v)
}

// SummaryHash computes a stable content hash over a ValidatorDetails'
// ValidatorSummary projection, used by the List Server to decide whether a
// validator's list-view fields changed (§4.E.2 step 2.b).
func (v ValidatorDetails) SummaryHash() uint64 {
	return jsonHash(v.Summary())
}

func jsonHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		// Marshaling a well-typed domain record never fails; a failure here
		// indicates a programming error (an unsupported field type), not a
		// runtime condition callers should handle.
		panic("types: hash of unmarshalable value: " + err.Error())
	}
	return xxhash.Sum64(b)
}

// ValidatorSummaryDiff is the field-level diff wire format for one
// validator in a `subscribe_validatorList` update message (§4.E.2, §6).
// AccountId is always present; every other field is present only if it
// changed between the previous and current snapshot (omitted == unchanged,
// never "null-cleared" — see §6 "Diff wire format").
type ValidatorSummaryDiff struct {
	AccountId           AccountId             `json:"account_id"`
	Identity            *identityDiffValue    `json:"identity,omitempty"`
	Preferences         *ValidatorPreferences `json:"preferences,omitempty"`
	ControllerAccountId *AccountId            `json:"controller_account_id,omitempty"`
	IsActive            *bool                 `json:"is_active,omitempty"`
	ActiveNextSession   *bool                 `json:"active_next_session,omitempty"`
	Oversubscribed      *bool                 `json:"oversubscribed,omitempty"`
	SlashCount          *uint32               `json:"slash_count,omitempty"`
	ValidatorStake      *stakeDiffValue       `json:"validator_stake,omitempty"`
	OneKVCandidate      *bool                 `json:"onekv_candidate,omitempty"`
}

// identityDiffValue wraps *IdentityRegistration so that "cleared to nil"
// (explicit JSON null) is distinguishable from "omitted/unchanged" at the
// outer ValidatorSummaryDiff level, per §6's optional-nested-field rule.
type identityDiffValue struct {
	Value *IdentityRegistration
}

func (d identityDiffValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Value)
}

// stakeDiffValue is the same present-vs-cleared wrapper for
// validator_stake, the field §6 names as the example of the rule.
type stakeDiffValue struct {
	Value *ValidatorStakeSummary
}

func (d stakeDiffValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Value)
}

// DiffValidatorSummary computes the field-level diff §4.E.2 emits for one
// validator present in both the old and new snapshot. A compound nested
// field that changes (Preferences, ValidatorStake) is serialized whole —
// no sub-field diff (§4.E.2 "Diff semantics").
func DiffValidatorSummary(oldV, newV ValidatorSummary) ValidatorSummaryDiff {
	d := ValidatorSummaryDiff{AccountId: newV.AccountId}
	if !identityEqual(oldV.Identity, newV.Identity) {
		d.Identity = &identityDiffValue{Value: newV.Identity}
	}
	if oldV.Preferences != newV.Preferences {
		p := newV.Preferences
		d.Preferences = &p
	}
	if oldV.ControllerAccountId != newV.ControllerAccountId {
		v := newV.ControllerAccountId
		d.ControllerAccountId = &v
	}
	if oldV.IsActive != newV.IsActive {
		v := newV.IsActive
		d.IsActive = &v
	}
	if oldV.ActiveNextSession != newV.ActiveNextSession {
		v := newV.ActiveNextSession
		d.ActiveNextSession = &v
	}
	if oldV.Oversubscribed != newV.Oversubscribed {
		v := newV.Oversubscribed
		d.Oversubscribed = &v
	}
	if oldV.SlashCount != newV.SlashCount {
		v := newV.SlashCount
		d.SlashCount = &v
	}
	if !stakeSummaryEqual(oldV.ValidatorStake, newV.ValidatorStake) {
		d.ValidatorStake = &stakeDiffValue{Value: newV.ValidatorStake}
	}
	if oldV.OneKVCandidate != newV.OneKVCandidate {
		v := newV.OneKVCandidate
		d.OneKVCandidate = &v
	}
	return d
}

// Apply folds a ValidatorSummaryDiff onto a base ValidatorSummary,
// producing the snapshot the diff was computed against's successor. Used
// by subscribers replaying a diff stream and by the round-trip property
// test (§8.3).
func (d ValidatorSummaryDiff) Apply(base ValidatorSummary) ValidatorSummary {
	out := base
	out.AccountId = d.AccountId
	if d.Identity != nil {
		out.Identity = d.Identity.Value
	}
	if d.Preferences != nil {
		out.Preferences = *d.Preferences
	}
	if d.ControllerAccountId != nil {
		out.ControllerAccountId = *d.ControllerAccountId
	}
	if d.IsActive != nil {
		out.IsActive = *d.IsActive
	}
	if d.ActiveNextSession != nil {
		out.ActiveNextSession = *d.ActiveNextSession
	}
	if d.Oversubscribed != nil {
		out.Oversubscribed = *d.Oversubscribed
	}
	if d.SlashCount != nil {
		out.SlashCount = *d.SlashCount
	}
	if d.ValidatorStake != nil {
		out.ValidatorStake = d.ValidatorStake.Value
	}
	if d.OneKVCandidate != nil {
		out.OneKVCandidate = *d.OneKVCandidate
	}
	return out
}

func identityEqual(a, b *IdentityRegistration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return stringPtrEqual(a.Display, b.Display) &&
		stringPtrEqual(a.Email, b.Email) &&
		stringPtrEqual(a.Riot, b.Riot) &&
		stringPtrEqual(a.Twitter, b.Twitter) &&
		stringPtrEqual(a.Web, b.Web) &&
		a.Confirmed == b.Confirmed
}

func stakeSummaryEqual(a, b *ValidatorStakeSummary) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.NominatorCount != b.NominatorCount {
		return false
	}
	return bigIntEqual(a.SelfStake, b.SelfStake) && bigIntEqual(a.TotalStake, b.TotalStake)
}

func bigIntEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
