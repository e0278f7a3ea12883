// Package loadbalance moves FlowFiles between cluster nodes over a framed
// binary TCP protocol. The sender keeps its copy of every FlowFile until the
// receiver confirms its repository commit is durable, so a transferred batch
// is applied exactly once per FlowFile uuid even across retries.
package loadbalance

import "errors"

const (
	// ProtocolMagic opens every handshake: "FLOW".
	ProtocolMagic uint32 = 0x464C4F57

	// ProtocolVersion is the highest protocol version this build speaks.
	ProtocolVersion uint8 = 1
)

// Message codes. One byte on the wire.
const (
	msgVersionAccepted  uint8 = 0x10
	msgVersionRejected  uint8 = 0x11
	msgTransactionStart uint8 = 0x20
	msgMoreFlowFiles    uint8 = 0x21
	msgNoMoreFlowFiles  uint8 = 0x22
	msgCompleteTx       uint8 = 0x23
	msgConfirmComplete  uint8 = 0x30
	msgAbortTransaction uint8 = 0x31
)

// Compression is the per-transaction compression mode negotiated at
// handshake.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Observer receives transfer outcome notifications. The metrics layer
// implements this; implementations must be safe for concurrent use and must
// not block.
type Observer interface {
	// TransactionSent fires after the peer confirmed a batch durable.
	TransactionSent(flowFiles int)

	// TransactionReceived fires after an inbound batch committed locally.
	TransactionReceived(flowFiles int)

	// TransactionFailed fires when an outbound transaction failed for any
	// reason, including a dropped connection.
	TransactionFailed()

	// CircuitBreakerOpened fires when a peer's breaker trips open.
	CircuitBreakerOpened(peer string)
}

var (
	// ErrVersionRejected reports a peer that does not speak our protocol
	// version.
	ErrVersionRejected = errors.New("peer rejected protocol version")

	// ErrTransactionAborted reports an explicit abort from the peer. The
	// whole transaction failed; no FlowFiles from it were committed.
	ErrTransactionAborted = errors.New("transaction aborted by peer")

	// ErrConnectionDropped reports a connection lost before the peer's
	// confirm was observed. Never success; the sender must retry the whole
	// transaction.
	ErrConnectionDropped = errors.New("connection dropped before transaction confirm")

	ErrCircuitOpen = errors.New("peer circuit breaker is open")
)
