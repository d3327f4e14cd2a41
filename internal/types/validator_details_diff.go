package types

// ValidatorDetailsDiff is the field-level diff emitted by the Details
// Server (§4.E.3) and consumed by the Notification Generator's
// validator-list inspector (§4.F.1(b)). Same omission rule as
// ValidatorSummaryDiff: a field is present only if it changed.
type ValidatorDetailsDiff struct {
	AccountId           AccountId             `json:"account_id"`
	Identity            *identityDiffValue    `json:"identity,omitempty"`
	NextSessionKeys      *string              `json:"next_session_keys,omitempty"`
	Preferences          *ValidatorPreferences `json:"preferences,omitempty"`
	ControllerAccountId *AccountId            `json:"controller_account_id,omitempty"`
	IsActive             *bool                `json:"is_active,omitempty"`
	ActiveNextSession    *bool                `json:"active_next_session,omitempty"`
	Oversubscribed       *bool                `json:"oversubscribed,omitempty"`
	Nominations          *[]Nomination        `json:"nominations,omitempty"`
	OneKV                *OneKVFields         `json:"onekv,omitempty"`
	UnclaimedEraIndices  *[]uint32            `json:"unclaimed_era_indices,omitempty"`
	ValidatorStake       *stakeDiffValue      `json:"validator_stake,omitempty"`
}

// DiffValidatorDetails computes the field-level diff between two
// ValidatorDetails snapshots of the same account, following the same
// "compound field serialized whole" rule as ValidatorSummaryDiff.
func DiffValidatorDetails(oldV, newV ValidatorDetails) ValidatorDetailsDiff {
	d := ValidatorDetailsDiff{AccountId: newV.Account.Id}
	if !identityEqual(oldV.Account.Identity, newV.Account.Identity) {
		d.Identity = &identityDiffValue{Value: newV.Account.Identity}
	}
	if oldV.NextSessionKeys != newV.NextSessionKeys {
		v := newV.NextSessionKeys
		d.NextSessionKeys = &v
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
	if !nominationsEqual(oldV.Nominations, newV.Nominations) {
		v := newV.Nominations
		d.Nominations = &v
	}
	if !oneKVEqual(oldV.OneKV, newV.OneKV) {
		v := newV.OneKV
		d.OneKV = &v
	}
	if !uint32SliceEqual(oldV.UnclaimedEraIndices, newV.UnclaimedEraIndices) {
		v := newV.UnclaimedEraIndices
		d.UnclaimedEraIndices = &v
	}
	if !stakeSummaryEqual(oldV.ValidatorStake, newV.ValidatorStake) {
		d.ValidatorStake = &stakeDiffValue{Value: newV.ValidatorStake}
	}
	return d
}

// Apply folds a ValidatorDetailsDiff onto a base ValidatorDetails.
func (d ValidatorDetailsDiff) Apply(base ValidatorDetails) ValidatorDetails {
	out := base
	out.Account.Id = d.AccountId
	if d.Identity != nil {
		out.Account.Identity = d.Identity.Value
	}
	if d.NextSessionKeys != nil {
		out.NextSessionKeys = *d.NextSessionKeys
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
	if d.Nominations != nil {
		out.Nominations = *d.Nominations
	}
	if d.OneKV != nil {
		out.OneKV = *d.OneKV
	}
	if d.UnclaimedEraIndices != nil {
		out.UnclaimedEraIndices = *d.UnclaimedEraIndices
	}
	if d.ValidatorStake != nil {
		out.ValidatorStake = d.ValidatorStake.Value
	}
	return out
}

func nominationsEqual(a, b []Nomination) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Stash != b[i].Stash || a[i].SubmissionEraIndex != b[i].SubmissionEraIndex {
			return false
		}
		if len(a[i].Targets) != len(b[i].Targets) {
			return false
		}
		for j := range a[i].Targets {
			if a[i].Targets[j] != b[i].Targets[j] {
				return false
			}
		}
		if !bigIntEqual(a[i].Stake.TotalAmount, b[i].Stake.TotalAmount) ||
			!bigIntEqual(a[i].Stake.ActiveAmount, b[i].Stake.ActiveAmount) {
			return false
		}
	}
	return true
}

func oneKVEqual(a, b OneKVFields) bool {
	return uint64PtrEqual(a.CandidateRecordId, b.CandidateRecordId) &&
		uint64PtrEqual(a.Rank, b.Rank) &&
		stringPtrEqual(a.Location, b.Location) &&
		boolPtrEqual(a.IsValid, b.IsValid) &&
		float64PtrEqual(a.Inclusion, b.Inclusion)
}

func uint64PtrEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func uint32SliceEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
