package core

import "errors"

// Validation errors: the offending message is dropped, no state change occurs.
var (
	ErrInvalidNonce            = errors.New("invalid nonce")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrSelfTransfer            = errors.New("self transfer")
	ErrZeroGasFee              = errors.New("zero gas fee")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrInsufficientGasBalance  = errors.New("insufficient gas balance")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance")
	ErrUnknownAsset            = errors.New("unknown asset")
	ErrMerkleMismatch          = errors.New("merkle root mismatch")
	ErrHashMismatch            = errors.New("block hash mismatch")
	ErrPreviousHashMismatch    = errors.New("previous hash mismatch")
)

// Resource errors: dropped with logging, the submitter/peer may retry.
var (
	ErrMempoolFull   = errors.New("mempool full")
	ErrPeerTableFull = errors.New("peer table full")
	ErrRateLimited   = errors.New("rate limited")
)

// Transient I/O errors: the operation fails, background loops retry next cycle.
var (
	ErrPeerTimeout  = errors.New("peer timeout")
	ErrStreamClosed = errors.New("stream closed")
)

// Storage errors: fatal for the triggering operation, ledger state not mutated.
var (
	ErrIoError    = errors.New("storage io error")
	ErrCorruption = errors.New("storage corruption")
)

// Consensus errors: block production is skipped for that slot.
var (
	ErrNoLeader    = errors.New("no leader")
	ErrStaleLeader = errors.New("stale leader")
)

// Ledger-internal errors surfaced from C2 that do not map onto a peer-facing
// validation kind above.
var (
	ErrOverflow  = errors.New("balance overflow")
	ErrNotFound  = errors.New("not found")
)
