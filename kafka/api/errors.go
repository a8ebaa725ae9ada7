package api

import (
	"errors"
	"fmt"

	"github.com/ridge/kclient/retry"
	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrConnectionLost is returned for every request in flight on a
	// connection that broke. It is transient: the next request reconnects.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed is returned for requests on a connection that was
	// closed locally
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBrokerUnreachable is returned when all connection attempts to a
	// broker have been exhausted
	ErrBrokerUnreachable = errors.New("broker unreachable")

	// ErrFenced is returned when the group coordinator no longer recognizes
	// the generation or the member. The member has to rejoin.
	ErrFenced = errors.New("fenced from consumer group")

	// ErrProducerClosed resolves records submitted to or still queued in a
	// closed producer
	ErrProducerClosed = errors.New("producer closed")

	// ErrRecordTooLarge is returned for records that can never fit in a
	// produce request
	ErrRecordTooLarge = errors.New("record too large")

	// ErrInvalidPartition is returned for explicit partitions outside of the
	// topic's partition range
	ErrInvalidPartition = errors.New("invalid partition")
)

// BrokerError is an error code returned by a broker in a response
type BrokerError struct {
	Op  string
	Err *kerr.Error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Message)
}

// Unwrap returns the next error in the error chain.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the broker considers the error transient
func (e *BrokerError) Retriable() bool {
	return e.Err.Retriable
}

// CheckCode converts a broker error code into an error, nil for success
func CheckCode(op string, code int16) error {
	err := kerr.ErrorForCode(code)
	if err == nil {
		return nil
	}
	var ke *kerr.Error
	if !errors.As(err, &ke) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isFencing(ke) {
		return fmt.Errorf("%w: %w", ErrFenced, &BrokerError{Op: op, Err: ke})
	}
	return &BrokerError{Op: op, Err: ke}
}

// IsRetriable reports whether an operation that failed with err may succeed
// if repeated, possibly after a metadata refresh or a reconnect
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	if errors.Is(err, ErrFenced) {
		return false
	}
	if kerr.IsRetriable(err) {
		return true
	}
	var r retry.ErrRetriable
	return errors.As(err, &r)
}

// IsLeadershipError reports whether err means the client's view of partition
// leadership is stale
func IsLeadershipError(err error) bool {
	return errors.Is(err, kerr.NotLeaderForPartition) ||
		errors.Is(err, kerr.UnknownTopicOrPartition) ||
		errors.Is(err, kerr.LeaderNotAvailable) ||
		errors.Is(err, kerr.FencedLeaderEpoch) ||
		errors.Is(err, kerr.UnknownLeaderEpoch) ||
		errors.Is(err, ErrConnectionLost)
}

// IsCoordinatorError reports whether err means the group coordinator moved
// or is not ready yet
func IsCoordinatorError(err error) bool {
	return errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, kerr.CoordinatorNotAvailable) ||
		errors.Is(err, kerr.CoordinatorLoadInProgress) ||
		errors.Is(err, ErrConnectionLost)
}

func isFencing(ke *kerr.Error) bool {
	return ke == kerr.IllegalGeneration || ke == kerr.UnknownMemberID || ke == kerr.FencedInstanceID
}
