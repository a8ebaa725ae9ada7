package api

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// GroupPhase is the lifecycle phase of a consumer group member
type GroupPhase int

// GroupPhase values
const (
	Unjoined GroupPhase = iota
	Joining
	Stable
	Rebalancing
	Fenced
)

var groupPhaseNames = [...]string{
	Unjoined:    "unjoined",
	Joining:     "joining",
	Stable:      "stable",
	Rebalancing: "rebalancing",
	Fenced:      "fenced",
}

func (p GroupPhase) String() string {
	if p < 0 || int(p) >= len(groupPhaseNames) {
		return "unknown"
	}
	return groupPhaseNames[p]
}

// OffsetReset is the policy for partitions without a valid committed offset
type OffsetReset string

// OffsetReset values
const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

// ParseOffsetReset validates a command-line offset reset policy
func ParseOffsetReset(s string) (OffsetReset, error) {
	switch r := OffsetReset(s); r {
	case ResetEarliest, ResetLatest:
		return r, nil
	default:
		return "", fmt.Errorf("invalid offset reset policy %q (earliest|latest expected)", s)
	}
}

// Timestamp is the ListOffsets timestamp selecting the policy's offset
func (r OffsetReset) Timestamp() int64 {
	if r == ResetEarliest {
		return -2
	}
	return -1
}

// GroupState is a member's view of its consumer group
type GroupState struct {
	GroupID    string
	Phase      GroupPhase
	Generation int32 // -1 outside of a generation
	MemberID   string
	Assignment []TopicPartition
}

// MarshalLogObject implements zapcore.ObjectMarshaler to allow logging of GroupState with zap.Object
func (s GroupState) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("group", s.GroupID)
	e.AddString("phase", s.Phase.String())
	e.AddInt32("generation", s.Generation)
	e.AddString("memberID", s.MemberID)
	return e.AddArray("assignment", zapcore.ArrayMarshalerFunc(func(e zapcore.ArrayEncoder) error {
		for _, tp := range s.Assignment {
			e.AppendString(tp.String())
		}
		return nil
	}))
}
