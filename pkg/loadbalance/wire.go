package loadbalance

import (
	"bytes"
	"fmt"
	"io"

	"flowcore/pkg/codec"
	"flowcore/pkg/types"

	"github.com/klauspost/compress/gzip"
)

// maxFlowFileBlock bounds a single FlowFile's wire block so a corrupt length
// cannot trigger an enormous allocation.
const maxFlowFileBlock = 1 << 30

// flowFilePayload is one FlowFile as transferred on the wire: its attribute
// map and raw content bytes. Claims are never transferred; the receiver
// stages content into its own repository.
type flowFilePayload struct {
	attributes map[string]string
	content    []byte
}

// writeClientHandshake proposes a protocol version and compression mode.
func writeClientHandshake(w io.Writer, compression Compression) error {
	if err := codec.WriteUint32(w, ProtocolMagic); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, ProtocolVersion); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, uint8(compression)); err != nil {
		return err
	}
	// Length-prefixed extension block. Empty at version 1; receivers skip
	// whatever they do not understand.
	return codec.WriteUint32(w, 0)
}

// readClientHandshake validates the magic and returns the proposed version
// and compression mode.
func readClientHandshake(r io.Reader) (version uint8, compression Compression, err error) {
	magic, err := codec.ReadUint32(r)
	if err != nil {
		return 0, 0, err
	}
	if magic != ProtocolMagic {
		return 0, 0, fmt.Errorf("bad handshake magic %#x", magic)
	}
	if version, err = codec.ReadUint8(r); err != nil {
		return 0, 0, err
	}
	mode, err := codec.ReadUint8(r)
	if err != nil {
		return 0, 0, err
	}
	extLen, err := codec.ReadUint32(r)
	if err != nil {
		return 0, 0, err
	}
	if extLen > 0 {
		if extLen > codec.MaxStringLen {
			return 0, 0, fmt.Errorf("handshake extension block too large")
		}
		if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
			return 0, 0, err
		}
	}
	return version, Compression(mode), nil
}

// writeServerAccept confirms the handshake, echoing the compression mode the
// server will honor.
func writeServerAccept(w io.Writer, compression Compression) error {
	if err := codec.WriteUint8(w, msgVersionAccepted); err != nil {
		return err
	}
	return codec.WriteUint8(w, uint8(compression))
}

// writeServerReject refuses the proposed version and advertises the highest
// version the server speaks.
func writeServerReject(w io.Writer) error {
	if err := codec.WriteUint8(w, msgVersionRejected); err != nil {
		return err
	}
	return codec.WriteUint8(w, ProtocolVersion)
}

// readServerHandshakeResponse interprets the server's accept or reject.
func readServerHandshakeResponse(r io.Reader) (Compression, error) {
	code, err := codec.ReadUint8(r)
	if err != nil {
		return 0, err
	}
	switch code {
	case msgVersionAccepted:
		mode, err := codec.ReadUint8(r)
		if err != nil {
			return 0, err
		}
		return Compression(mode), nil
	case msgVersionRejected:
		highest, err := codec.ReadUint8(r)
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("peer speaks at most version %d: %w", highest, ErrVersionRejected)
	default:
		return 0, fmt.Errorf("unexpected handshake response %#x", code)
	}
}

// writeFlowFileBlock frames one FlowFile: a MORE_FLOWFILES marker, then a
// length-prefixed block of attributes and content, gzip-compressed when
// negotiated.
func writeFlowFileBlock(w io.Writer, attrs map[string]string, content []byte, compression Compression) error {
	var block bytes.Buffer
	if err := codec.WriteAttributes(&block, attrs); err != nil {
		return err
	}
	if err := codec.WriteUint64(&block, uint64(len(content))); err != nil {
		return err
	}
	if _, err := block.Write(content); err != nil {
		return err
	}

	payload := block.Bytes()
	if compression == CompressionGzip {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(payload); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
		payload = compressed.Bytes()
	}

	if err := codec.WriteUint8(w, msgMoreFlowFiles); err != nil {
		return err
	}
	return codec.WriteBytes(w, payload)
}

// readFlowFileBlock decodes the length-prefixed block following a
// MORE_FLOWFILES marker.
func readFlowFileBlock(r io.Reader, compression Compression) (flowFilePayload, error) {
	var p flowFilePayload

	n, err := codec.ReadUint32(r)
	if err != nil {
		return p, err
	}
	if n > maxFlowFileBlock {
		return p, fmt.Errorf("flowfile block of %d bytes exceeds limit", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return p, err
	}

	var block io.Reader = bytes.NewReader(raw)
	if compression == CompressionGzip {
		gz, err := gzip.NewReader(block)
		if err != nil {
			return p, fmt.Errorf("open compressed flowfile block: %w", err)
		}
		defer gz.Close()
		block = gz
	}

	if p.attributes, err = codec.ReadAttributes(block); err != nil {
		return p, err
	}
	contentLen, err := codec.ReadUint64(block)
	if err != nil {
		return p, err
	}
	if contentLen > maxFlowFileBlock {
		return p, fmt.Errorf("flowfile content of %d bytes exceeds limit", contentLen)
	}
	p.content = make([]byte, contentLen)
	if _, err := io.ReadFull(block, p.content); err != nil {
		return p, err
	}
	return p, nil
}

// writeAbort sends an explicit abort with a reason. Explicit on the wire so
// the peer never has to infer failure from a dropped connection.
func writeAbort(w io.Writer, reason string) error {
	if err := codec.WriteUint8(w, msgAbortTransaction); err != nil {
		return err
	}
	return codec.WriteString(w, reason)
}

func uuidOf(attrs map[string]string) string {
	return attrs[types.AttributeUUID]
}
