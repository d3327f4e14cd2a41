package types

import "math/big"

// ParaCoreAssignment records which parachain core a para-validator is
// currently backing, if any (§3 ValidatorDetails.para_core_assignment).
type ParaCoreAssignment struct {
	CoreIndex    uint32 `json:"core_index"`
	ParaId       uint32 `json:"para_id"`
	GroupIndex   uint32 `json:"group_index"`
}

// ValidatorStakeSummary is the compact stake projection carried on
// ValidatorDetails and ValidatorSummary.
type ValidatorStakeSummary struct {
	SelfStake      *big.Int `json:"self_stake"`
	TotalStake     *big.Int `json:"total_stake"`
	NominatorCount int      `json:"nominator_count"`
}

// OneKVFields is the optional 1KV (OneKV) enrollment projection (§3
// GLOSSARY, SPEC_FULL Supplemented Features). The core never contacts the
// 1KV feed itself; these fields are populated by an external collaborator
// and passed through the Relational Store.
type OneKVFields struct {
	CandidateRecordId *uint64 `json:"onekv_candidate_record_id,omitempty"`
	Rank              *uint64 `json:"onekv_rank,omitempty"`
	Location          *string `json:"onekv_location,omitempty"`
	IsValid           *bool   `json:"onekv_is_valid,omitempty"`
	Inclusion         *float64 `json:"onekv_inclusion,omitempty"`
}

// ValidatorDetails is the full per-validator record used by the
// Validator-List / Validator-Details pipelines (§3, §4.E).
type ValidatorDetails struct {
	Account               Account               `json:"account"`
	ControllerAccountId   AccountId             `json:"controller_account_id"`
	Preferences           ValidatorPreferences  `json:"preferences"`
	SelfStake             *big.Int              `json:"self_stake"`
	RewardDestination     RewardDestination     `json:"reward_destination"`
	NextSessionKeys       string                `json:"next_session_keys"`
	IsActive              bool                  `json:"is_active"`
	ActiveNextSession     bool                  `json:"active_next_session"`
	Nominations           []Nomination          `json:"nominations"`
	Oversubscribed        bool                  `json:"oversubscribed"`
	ActiveEraCount        uint32                `json:"active_era_count"`
	InactiveEraCount      uint32                `json:"inactive_era_count"`
	SlashCount            uint32                `json:"slash_count"`
	OfflineOffenceCount   uint32                `json:"offline_offence_count"`
	TotalRewardPoints     uint64                `json:"total_reward_points"`
	HeartbeatReceived     bool                  `json:"heartbeat_received"`
	UnclaimedEraIndices   []uint32              `json:"unclaimed_era_indices"`
	IsParaValidator       bool                  `json:"is_para_validator"`
	ParaCoreAssignment    *ParaCoreAssignment   `json:"para_core_assignment,omitempty"`
	ValidatorStake        *ValidatorStakeSummary `json:"validator_stake,omitempty"`
	BlocksAuthored        *uint64               `json:"blocks_authored,omitempty"`
	RewardPoints          *uint64               `json:"reward_points,omitempty"`
	OneKV                 OneKVFields           `json:"onekv"`
}

// ValidatorSummary is the list-view projection of ValidatorDetails (§3).
type ValidatorSummary struct {
	AccountId         AccountId              `json:"account_id"`
	Identity          *IdentityRegistration  `json:"identity,omitempty"`
	ControllerAccountId AccountId            `json:"controller_account_id"`
	Preferences       ValidatorPreferences   `json:"preferences"`
	IsActive          bool                   `json:"is_active"`
	ActiveNextSession bool                   `json:"active_next_session"`
	Oversubscribed    bool                   `json:"oversubscribed"`
	SlashCount        uint32                 `json:"slash_count"`
	ValidatorStake    *ValidatorStakeSummary `json:"validator_stake,omitempty"`
	OneKVCandidate    bool                   `json:"onekv_candidate"`
}

// Summary projects a ValidatorDetails down to the fields list subscribers
// actually need (§3 ValidatorSummary doc comment).
func (v ValidatorDetails) Summary() ValidatorSummary {
	return ValidatorSummary{
		AccountId:           v.Account.Id,
		Identity:            v.Account.Identity,
		ControllerAccountId: v.ControllerAccountId,
		Preferences:         v.Preferences,
		IsActive:            v.IsActive,
		ActiveNextSession:   v.ActiveNextSession,
		Oversubscribed:      v.Oversubscribed,
		SlashCount:          v.SlashCount,
		ValidatorStake:      v.ValidatorStake,
		OneKVCandidate:      v.OneKV.CandidateRecordId != nil,
	}
}
