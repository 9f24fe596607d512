// Package bootstrap drives the RDMA-CM handshake that opens a one-sided
// RoCEv2 channel to a collector and learns its queue pair and memory region.
package bootstrap

import (
	"errors"
	"fmt"
)

// State is a handshake phase.
type State int

const (
	StateIdle State = iota
	StateAwaitConnectReply
	StateAwaitMetadata
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitConnectReply:
		return "AwaitConnectReply"
	case StateAwaitMetadata:
		return "AwaitMetadata"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEstablished || s == StateFailed
}

// Failure reasons. Errors returned by Machine.Err wrap exactly one of them.
var (
	ErrTimeout               = errors.New("handshake timed out")
	ErrMalformedConnectReply = errors.New("malformed connect reply")
	ErrMalformedMetadata     = errors.New("malformed metadata")
	ErrCanceled              = errors.New("handshake canceled")
)

// ConnectionParameters is what a completed handshake learned about the
// collector's queue pair and memory region.
type ConnectionParameters struct {
	LocalCommID     uint32
	RemoteCommID    uint32
	QueuePairNumber uint32 // 24 bits
	StartPSN        uint32 // 24 bits
	RemoteAddress   uint64
	RemoteLength    uint32
	RemoteKey       uint32
}
