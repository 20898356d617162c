package query

import "errors"

var (
	// ErrTransient marks a resource failure (descriptor or port exhaustion) that is
	// retried on a later scheduler cycle instead of finalizing the target.
	ErrTransient = errors.New("transient resource failure")

	// ErrWouldBlock is returned by a non-blocking receive or send that has nothing to do.
	ErrWouldBlock = errors.New("operation would block")

	// ErrRefused means the peer actively refused the query (ICMP port unreachable or TCP RST).
	ErrRefused = errors.New("connection refused")

	// ErrMalformed is returned by adapters for short or unparsable packets.
	ErrMalformed = errors.New("malformed packet")

	// ErrDuplicate is returned when a target with the same address and port already exists.
	ErrDuplicate = errors.New("duplicate target")

	// ErrUnknownProtocol is returned for protocol ids missing from the table.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrHostNotFound is returned when a host name cannot be resolved.
	ErrHostNotFound = errors.New("host not found")

	// ErrRunExpired is returned when a target is added after the run timeout elapsed.
	ErrRunExpired = errors.New("run timeout elapsed")
)
