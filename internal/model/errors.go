package model

import "errors"

// Error taxonomy shared by every layer. Package level errors wrap one of these
// so callers can classify failures with errors.Is.
var (
	ErrCrypto             = errors.New("crypto error")
	ErrChaining           = errors.New("proof chaining error")
	ErrProofGeneration    = errors.New("proof generation failed")
	ErrBoundaryProtocol   = errors.New("boundary protocol error")
	ErrNetwork            = errors.New("network error")
	ErrActivationTimeout  = errors.New("activation timeout")
	ErrSettlementConflict = errors.New("settlement conflict")
	ErrLifecycle          = errors.New("action not allowed in current chat state")
	ErrCancelled          = errors.New("cancelled by user")
)
