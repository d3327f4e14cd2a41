// Package subvterr implements the error taxonomy of SPEC_FULL §7: every
// failure surfaced by the core is one of Transport, Decode, or
// ContractViolation so callers can apply the right recovery policy
// (reconnect, record-the-error-and-continue, or log-and-skip).
package subvterr

import "fmt"

// TransportError wraps an RPC/WebSocket/DB connection failure or timeout.
// The outer loop that owns the connection retries after
// Config.RecoveryRetrySeconds (§4.A, §5 "Timeouts").
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("subvt: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// DecodeError wraps a malformed-metadata or unexpected event/extrinsic
// shape failure. The offending item is recorded in the relevant
// `*_process_error_log` table and processing of the block continues with
// the remaining items, so the failure is never silently dropped (§7
// "Decode").
type DecodeError struct {
	BlockHash string
	Kind      string // what failed to decode, e.g. "event", "extrinsic", "header"
	Index     int
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("subvt: decode error for %s %d in block %s: %v", e.Kind, e.Index, e.BlockHash, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func NewDecodeError(blockHash, kind string, index int, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{BlockHash: blockHash, Kind: kind, Index: index, Err: err}
}

// ContractViolation is a non-monotone era/epoch transition or a duplicate
// finalized block number; logged at WARN and the offending block is
// skipped, relying on idempotent persistence as the safety net (§7).
type ContractViolation struct {
	Rule    string
	Details string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("subvt: contract violation (%s): %s", e.Rule, e.Details)
}

func NewContractViolation(rule, details string) error {
	return &ContractViolation{Rule: rule, Details: details}
}
