// Package wire converts kmsg requests and responses, and record batches, to
// and from the Kafka binary protocol.
package wire

import (
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Request versions are pinned instead of being negotiated with ApiVersions.
// All of them are non-flexible and supported by brokers from 2.3 to 4.x.
var pinnedVersions = map[int16]int16{
	0:  7,  // Produce
	1:  11, // Fetch
	2:  4,  // ListOffsets
	3:  7,  // Metadata
	8:  7,  // OffsetCommit
	9:  5,  // OffsetFetch
	10: 2,  // FindCoordinator
	11: 5,  // JoinGroup
	12: 3,  // Heartbeat
	13: 3,  // LeaveGroup
	14: 3,  // SyncGroup
}

// Pin sets the version of req to the pinned version for its key. Requests
// without a pinned version keep the version already set.
func Pin(req kmsg.Request) {
	if v, ok := pinnedVersions[req.Key()]; ok {
		req.SetVersion(v)
	}
}

// PinnedVersion returns the pinned version for a request key
func PinnedVersion(key int16) (int16, bool) {
	v, ok := pinnedVersions[key]
	return v, ok
}
