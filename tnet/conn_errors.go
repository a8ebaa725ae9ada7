package tnet

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedConnectionError reports whether err is "use of closed network
// connection", the error reads and writes get after a local Close
func IsClosedConnectionError(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) || strings.HasSuffix(err.Error(), "use of closed network connection"))
}

// IsConnectionLoss reports whether err means the peer went away: EOF, reset,
// broken pipe or a locally closed socket
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		IsClosedConnectionError(err)
}
