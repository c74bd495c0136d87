package types

import (
	"context"
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// ModuleName is the codespace of every error registered by the relayer.
const ModuleName = "relayer"

// Transient conditions. The caller may retry with the same validated cursor.
var (
	ErrTransient    = errorsmod.Register(ModuleName, 2, "transient rpc or transport failure")
	ErrStreamClosed = errorsmod.Register(ModuleName, 3, "calldata stream closed")
)

// Logical inconsistencies. These halt the affected protocol for operator review.
var (
	ErrEventNotFound       = errorsmod.Register(ModuleName, 10, "no matching UpdateEvent found")
	ErrAheadOfChain        = errorsmod.Register(ModuleName, 11, "updater is ahead of latest block")
	ErrStaleUpdate         = errorsmod.Register(ModuleName, 12, "updater is out of sync with the chain")
	ErrWindowGap           = errorsmod.Register(ModuleName, 13, "window is not contiguous with last finalized block")
	ErrIncompleteLeaves    = errorsmod.Register(ModuleName, 14, "not all block hashes found")
	ErrCalldataMissing     = errorsmod.Register(ModuleName, 15, "calldata does not exist")
	ErrTransactionReverted = errorsmod.Register(ModuleName, 16, "transaction failed")
	ErrConfirmationTimeout = errorsmod.Register(ModuleName, 17, "timed out waiting for transaction receipt")
	ErrHalted              = errorsmod.Register(ModuleName, 18, "relayer halted")
	ErrAmbiguousBroadcast  = errorsmod.Register(ModuleName, 19, "transaction may have been broadcast")
)

// Programmer-contract and setup violations.
var (
	ErrLeafCount     = errorsmod.Register(ModuleName, 20, "leaf count must be 0, 1 or a power of two")
	ErrInvalidConfig = errorsmod.Register(ModuleName, 21, "invalid configuration")
)

// IsTransient reports whether err may be recovered by retrying or reconnecting.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrStreamClosed)
}

// IsFatal reports whether err must stop the protocol. Context cancellation is
// neither transient nor fatal: it is an external shutdown.
func IsFatal(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
