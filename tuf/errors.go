package tuf

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy described in the update engine's error
// handling design. Callers should compare with errors.Cause(err) == ErrX
// (or errors.Is once wrapped with %w-compatible wrapping) rather than
// string-matching.
var (
	// ErrTransport covers network/HTTP failures. RemoteBackend.FetchTarget
	// tries every mirror before surfacing this.
	ErrTransport = errors.New("transport failure")

	// ErrVerificationFailed covers hash, length, signature, or threshold
	// mismatches. The failing file is not installed and its temp file is
	// deleted; files that already verified and were installed earlier in
	// the same call stay installed (there is no multi-file rollback).
	ErrVerificationFailed = errors.New("verification failed")

	// ErrExpired is returned when a role's expires timestamp has passed and
	// expiry enforcement is enabled.
	ErrExpired = errors.New("role expired")

	// ErrRollback is returned when a newly fetched role's version is less
	// than the currently trusted version for that role.
	ErrRollback = errors.New("rollback detected")

	// ErrParse covers malformed canonical JSON or role structure.
	ErrParse = errors.New("parse error")

	// ErrCacheCorrupt covers an unreadable local index or metadata file.
	// A missing or corrupt tar index is rebuilt once before this is
	// surfaced. Cached metadata files are not refetched when unreadable;
	// decoding one fails with ErrParse.
	ErrCacheCorrupt = errors.New("cache corrupt")

	// ErrUnknownTarget is returned when a requested target path is not
	// present in the trusted targets role.
	ErrUnknownTarget = errors.New("unknown target")

	// errNotFound is an internal signal used by repository backends when a
	// remote or local role file simply doesn't exist (e.g. 404 on a
	// root-chain rotation probe, or a missing local file). It is not part
	// of the caller-facing taxonomy.
	errNotFound = errors.New("not found")
)

// invariantViolation panics: per the error taxonomy, InternalInvariant
// failures (missing root after a supposedly-complete bootstrap, a role type
// mismatch at the single verification site) are programmer errors, not
// recoverable runtime conditions, matching the teacher's "Programmer error!"
// panic in its role-dispatch code.
func invariantViolation(msg string) {
	panic("hackage-tuf: invariant violation: " + msg)
}
