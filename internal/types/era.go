package types

// Era is a fixed-length reward-accounting window (§3). Index is monotone;
// EndTimestampMs is derived from runtime metadata's era duration, not
// observed directly from chain.
type Era struct {
	Index            uint32 `json:"index"`
	StartTimestampMs uint64 `json:"start_timestamp_ms"`
	EndTimestampMs   uint64 `json:"end_timestamp_ms"`
}

// Epoch (aka session) subdivides an era; exactly SessionsPerEra epochs
// occur within one era (§3 invariant).
type Epoch struct {
	Index              uint64 `json:"index"`
	StartBlockNumber   uint32 `json:"start_block_number"`
	StartTimestampMs   uint64 `json:"start_timestamp_ms"`
	EndTimestampMs     uint64 `json:"end_timestamp_ms"`
}
