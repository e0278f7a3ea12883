// Package codec holds the binary primitives shared by the repository journal,
// swap files, and the load-balance wire protocol. All integers are big-endian;
// strings and byte slices are length-prefixed.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"flowcore/pkg/types"
)

// MaxStringLen bounds any single length-prefixed string or byte slice so a
// corrupt length field cannot trigger an enormous allocation.
const MaxStringLen = 16 * 1024 * 1024

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func WriteString(w io.Writer, s string) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxStringLen {
		return nil, fmt.Errorf("byte slice length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteAttributes(w io.Writer, attrs map[string]string) error {
	if err := WriteUint32(w, uint32(len(attrs))); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := WriteString(w, k); err != nil {
			return err
		}
		if err := WriteString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func ReadAttributes(r io.Reader) (map[string]string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxStringLen {
		return nil, fmt.Errorf("attribute count %d exceeds limit", n)
	}
	attrs := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	return attrs, nil
}

// WriteContentClaim encodes a nullable claim reference. A leading zero byte
// means no claim.
func WriteContentClaim(w io.Writer, claim *types.ContentClaim) error {
	if claim == nil {
		return WriteUint8(w, 0)
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	if err := WriteString(w, claim.Resource.Container); err != nil {
		return err
	}
	if err := WriteString(w, claim.Resource.Section); err != nil {
		return err
	}
	if err := WriteString(w, claim.Resource.ID); err != nil {
		return err
	}
	if err := WriteUint64(w, claim.Resource.Sequence); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(claim.Offset)); err != nil {
		return err
	}
	return WriteUint64(w, uint64(claim.Length))
}

func ReadContentClaim(r io.Reader) (*types.ContentClaim, error) {
	present, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	var claim types.ContentClaim
	if claim.Resource.Container, err = ReadString(r); err != nil {
		return nil, err
	}
	if claim.Resource.Section, err = ReadString(r); err != nil {
		return nil, err
	}
	if claim.Resource.ID, err = ReadString(r); err != nil {
		return nil, err
	}
	if claim.Resource.Sequence, err = ReadUint64(r); err != nil {
		return nil, err
	}
	offset, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	length, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	claim.Offset = int64(offset)
	claim.Length = int64(length)
	return &claim, nil
}

// WriteFlowFile encodes a FlowFile's identity, attributes, size, and claim
// reference. Content bytes are never serialized here; they stay addressed
// through the content repository.
func WriteFlowFile(w io.Writer, ff *types.FlowFileRecord) error {
	if err := WriteUint64(w, ff.ID); err != nil {
		return err
	}
	if err := WriteAttributes(w, ff.Attributes); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(ff.Size)); err != nil {
		return err
	}
	var entry uint64
	if !ff.EntryDate.IsZero() {
		entry = uint64(ff.EntryDate.UnixNano())
	}
	if err := WriteUint64(w, entry); err != nil {
		return err
	}
	return WriteContentClaim(w, ff.Claim)
}

func ReadFlowFile(r io.Reader) (*types.FlowFileRecord, error) {
	ff := &types.FlowFileRecord{}
	var err error
	if ff.ID, err = ReadUint64(r); err != nil {
		return nil, err
	}
	if ff.Attributes, err = ReadAttributes(r); err != nil {
		return nil, err
	}
	size, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	ff.Size = int64(size)
	entry, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	ff.EntryDate = nanoTime(int64(entry))
	if ff.Claim, err = ReadContentClaim(r); err != nil {
		return nil, err
	}
	return ff, nil
}

func nanoTime(ns int64) (t time.Time) {
	if ns == 0 {
		return t
	}
	return time.Unix(0, ns)
}
