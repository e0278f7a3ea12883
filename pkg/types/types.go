package types

import "time"

type NodeID string
type ConnectionID string

// AttributeUUID is the attribute key every FlowFile carries. Its value is
// globally unique and stable across swap-out/swap-in and cluster transfer.
const AttributeUUID = "uuid"

// ResourceClaim identifies a physical append-only backing file that may hold
// the content of many FlowFiles back-to-back. The value is immutable and
// comparable; all mutable bookkeeping (claimant counts, active-writer state)
// lives in the claim manager.
type ResourceClaim struct {
	Container string
	Section   string
	ID        string
	// Sequence increases monotonically for every claim the repository hands
	// out, so a claim ID reused after reclamation never aliases a stale one.
	Sequence uint64
}

func (rc ResourceClaim) IsZero() bool {
	return rc == ResourceClaim{}
}

// ContentClaim is one FlowFile's view into a ResourceClaim: exactly the byte
// range [Offset, Offset+Length) of the backing file.
type ContentClaim struct {
	Resource ResourceClaim
	Offset   int64
	Length   int64
}

// FlowFileRecord is a unit of data moving through the flow. Attributes always
// contain AttributeUUID. Claim is nil when the FlowFile has no content, in
// which case Size is 0.
type FlowFileRecord struct {
	ID         uint64
	Attributes map[string]string
	Size       int64
	Claim      *ContentClaim
	EntryDate  time.Time
}

func (ff *FlowFileRecord) UUID() string {
	if ff == nil || ff.Attributes == nil {
		return ""
	}
	return ff.Attributes[AttributeUUID]
}

// Clone returns a deep copy. Sessions hand processors immutable snapshots and
// mutate only the working copy.
func (ff *FlowFileRecord) Clone() *FlowFileRecord {
	if ff == nil {
		return nil
	}
	cp := *ff
	cp.Attributes = make(map[string]string, len(ff.Attributes))
	for k, v := range ff.Attributes {
		cp.Attributes[k] = v
	}
	if ff.Claim != nil {
		claim := *ff.Claim
		cp.Claim = &claim
	}
	return &cp
}

// RecordType is the operation a RepositoryRecord applies to its FlowFile.
type RecordType uint8

const (
	RecordCreate RecordType = iota
	RecordUpdate
	RecordDelete
	RecordSwapOut
	RecordSwapIn
)

func (t RecordType) String() string {
	switch t {
	case RecordCreate:
		return "CREATE"
	case RecordUpdate:
		return "UPDATE"
	case RecordDelete:
		return "DELETE"
	case RecordSwapOut:
		return "SWAP_OUT"
	case RecordSwapIn:
		return "SWAP_IN"
	default:
		return "UNKNOWN"
	}
}

// RepositoryRecord is a staged, not-yet-committed change to one FlowFile.
// A session gathers the records it touched and submits them as a single
// atomic batch; the repository either durably applies the whole batch or
// none of it.
type RepositoryRecord struct {
	Type     RecordType
	Original *FlowFileRecord // nil for CREATE and SWAP_IN
	Current  *FlowFileRecord

	// Destination is the queue the FlowFile belongs to after this record is
	// applied. Empty only for DELETE.
	Destination ConnectionID

	// SwapLocation names the external swap file for SWAP_OUT/SWAP_IN.
	SwapLocation string

	// ContentModified is set when the session rewrote the FlowFile's content,
	// meaning the original claim loses a claimant once the batch is durable.
	ContentModified bool
}
