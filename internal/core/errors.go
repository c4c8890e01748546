package core

import "errors"

// Error kinds per the library's error handling design: ConfigurationError
// is fatal at startup; CryptoFailure and StorageFailure surface to the
// caller of the operation that triggered them; NetworkFailure and
// ProtocolMismatch are never fatal: bootstrap and the upload schedule
// log them and carry on, and ForceUploadData returns them to its caller.

// ConfigurationError indicates a missing or malformed encryption key, or
// an unreachable persistent store, discovered at startup. Fatal.
type ConfigurationError struct {
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return "configuration error: " + e.Reason + ": " + e.Cause.Error()
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// CryptoFailure indicates an AES-GCM tag mismatch or key import failure.
type CryptoFailure struct {
	Op    string
	Cause error
}

func (e *CryptoFailure) Error() string {
	return "crypto failure during " + e.Op + ": " + e.Cause.Error()
}

func (e *CryptoFailure) Unwrap() error { return e.Cause }

// StorageFailure indicates a transaction open/commit error in the
// interaction store. Never leaves partial data behind.
type StorageFailure struct {
	Op    string
	Cause error
}

func (e *StorageFailure) Error() string {
	return "storage failure during " + e.Op + ": " + e.Cause.Error()
}

func (e *StorageFailure) Unwrap() error { return e.Cause }

// NetworkFailure indicates a remote sync error (connect, timeout,
// non-2xx response). Logged, never fatal.
type NetworkFailure struct {
	Op    string
	Cause error
}

func (e *NetworkFailure) Error() string {
	return "network failure during " + e.Op + ": " + e.Cause.Error()
}

func (e *NetworkFailure) Unwrap() error { return e.Cause }

// ProtocolMismatch indicates an unexpected response shape from the
// aggregator server. Treated as a NetworkFailure by callers.
type ProtocolMismatch struct {
	Op     string
	Detail string
}

func (e *ProtocolMismatch) Error() string {
	return "protocol mismatch during " + e.Op + ": " + e.Detail
}

// Sentinel errors for component registry / binding resolution — these
// are expected, soft-fail conditions, not operational errors.
var (
	// ErrComponentNotTracked is returned when an action is associated
	// with a component id that was never registered.
	ErrComponentNotTracked = errors.New("component not tracked")

	// ErrComponentAlreadyTracked is returned by TrackComponent on a
	// duplicate id; callers should treat it as a warning, not a fatal
	// condition — registration remains a no-op.
	ErrComponentAlreadyTracked = errors.New("component already tracked")
)
