// Package errs defines the sentinel error taxonomy shared across the proxy
// core, matching the categories in the error-handling design: transient
// network failures, authentication denials, referral validation failures,
// protocol violations and policy limits.
package errs

import "errors"

var (
	// ErrNetworkTransient marks a recoverable network failure: a backend
	// dial failure or a broker disconnect. The affected session disconnects;
	// cluster coordination degrades rather than aborting the process.
	ErrNetworkTransient = errors.New("network transient error")

	// ErrAuthDenied marks a denial from a hook, the session service, or an
	// invalid identity token. The session closes with the denial reason
	// surfaced to the client.
	ErrAuthDenied = errors.New("authentication denied")

	// ErrInvalidReferral is returned when a referral blob's HMAC does not
	// verify.
	ErrInvalidReferral = errors.New("invalid referral")

	// ErrStaleReferral is returned when a referral blob's timestamp falls
	// outside the validity window.
	ErrStaleReferral = errors.New("stale referral")

	// ErrIdentityMismatch is returned when a referral's declared identity
	// does not match the connection that presented it.
	ErrIdentityMismatch = errors.New("referral identity mismatch")

	// ErrProtocolViolation marks a malformed frame or an unexpected frame
	// type where one was required.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPolicyLimitReached marks an admission or transfer refusal driven by
	// a hard policy limit (max connections, referral port range).
	ErrPolicyLimitReached = errors.New("policy limit reached")

	// ErrFatal marks a startup condition the proxy cannot run without:
	// missing certificate material, or an unreachable broker with fallback
	// disabled.
	ErrFatal = errors.New("fatal proxy error")
)
