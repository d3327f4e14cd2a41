package types

import "math/big"

// ValidatorPreferences are the staking preferences a validator registers
// on-chain (§3).
type ValidatorPreferences struct {
	CommissionPerBillion uint32 `json:"commission_per_billion"`
	BlocksNominations    bool   `json:"blocks_nominations"`
}

// Stake is a staker's total vs. active bonded amount. Claimed-era history
// is intentionally omitted from the core model (§3, §9).
type Stake struct {
	Stash        AccountId `json:"stash"`
	TotalAmount  *big.Int  `json:"total_amount"`
	ActiveAmount *big.Int  `json:"active_amount"`
}

// NominatorStake is one nominator's active contribution to a validator's
// total exposure.
type NominatorStake struct {
	Account AccountId `json:"account"`
	Stake   *big.Int  `json:"stake"`
}

// ValidatorStake is one validator's active exposure for a single era (§3).
type ValidatorStake struct {
	Validator  AccountId        `json:"validator"`
	SelfStake  *big.Int         `json:"self_stake"`
	TotalStake *big.Int         `json:"total_stake"`
	Nominators []NominatorStake `json:"nominators"`
}

// EraStakers is the full active-exposure set for one era, with reductions
// used by the Network Status projection (§3).
type EraStakers struct {
	EraIndex   uint32           `json:"era_index"`
	Validators []ValidatorStake `json:"validators"`
}

// MinMaxAvgMedianTotalStake reduces the era's per-validator total stake.
// Returns zero values for an empty EraStakers.
func (e EraStakers) MinMaxAvgMedianTotalStake() (min, max, avg, median *big.Int) {
	n := len(e.Validators)
	if n == 0 {
		z := big.NewInt(0)
		return z, z, z, z
	}
	sorted := make([]*big.Int, n)
	sum := big.NewInt(0)
	for i, v := range e.Validators {
		sorted[i] = v.TotalStake
		sum.Add(sum, v.TotalStake)
	}
	sortBigInts(sorted)
	min = sorted[0]
	max = sorted[n-1]
	avg = new(big.Int).Div(sum, big.NewInt(int64(n)))
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = new(big.Int).Div(new(big.Int).Add(sorted[n/2-1], sorted[n/2]), big.NewInt(2))
	}
	return min, max, avg, median
}

func sortBigInts(s []*big.Int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Cmp(s[j]) > 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Nomination is a staker's declaration of up to max_nominations targets
// (§3, GLOSSARY).
type Nomination struct {
	Stash              AccountId   `json:"stash"`
	SubmissionEraIndex uint32      `json:"submission_era_index"`
	Targets            []AccountId `json:"targets"`
	Stake              Stake       `json:"stake"`
}
