package tnet

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/ridge/kclient/retry"
)

// errnos after which dialing the same broker again may succeed
var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ETIMEDOUT,
}

// IsTransient reports whether a dial or I/O error may go away on its own:
// timeouts, refused or unreachable peers, DNS hiccups and connection loss
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsConnectionLoss(err) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.Temporary() || dnsErr.IsNotFound) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	// unexported resolver error
	return strings.Contains(err.Error(), "server misbehaving")
}

// MaybeRetriableError wraps err with retry.Retriable if it is transient
func MaybeRetriableError(err error) error {
	if IsTransient(err) {
		return retry.Retriable(err)
	}
	return err
}
