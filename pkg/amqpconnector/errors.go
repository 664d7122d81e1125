package amqpconnector

import "github.com/pkg/errors"

// Construction-time faults, returned by New.
var (
	ErrMissingHost = errors.New("amqpconnector: a broker host must be specified")
	ErrBadName     = errors.New("amqpconnector: queue names must end in \".q\" and exchange names must end in \".e\"")
	ErrBadConfig   = errors.New("amqpconnector: invalid configuration")
)

// Caller-visible runtime faults.
var (
	// ErrFetchLimitExceeded is returned by Get once the session's fetch
	// limit has been reached and the inbound queue has drained.
	ErrFetchLimitExceeded = errors.New("amqpconnector: session fetch limit exceeded")

	// ErrStopped is returned by Put once Stop has been called, including
	// while a Put is blocked on its synchronous threshold.
	ErrStopped = errors.New("amqpconnector: connector has been stopped")
)

// Supervisor-internal fault classes. The Transfer Loop never handles these;
// they always escape to the Supervisor, which decides whether to rebuild.
var (
	errBrokerDead       = errors.New("amqpconnector: broker connection is dead")
	errHeartbeatTimeout = errors.New("amqpconnector: heartbeat timeout, peer presumed dead")
)

// faultError wraps a lower-level transport error with the classification the
// Supervisor uses for logging. It is never returned to callers.
type faultError struct {
	class string
	cause error
}

func (f *faultError) Error() string { return f.class + ": " + f.cause.Error() }
func (f *faultError) Unwrap() error { return f.cause }

func newTransportFault(cause error) error {
	return &faultError{class: "transport fault", cause: cause}
}

func newHeartbeatFault(cause error) error {
	return &faultError{class: "heartbeat timeout", cause: cause}
}
