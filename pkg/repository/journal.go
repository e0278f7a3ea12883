package repository

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"flowcore/pkg/codec"
	"flowcore/pkg/types"
)

// Journal batch framing:
//
//	payload length (u32) | record count (u32) | payload | crc32c of payload (u32)
//
// A batch whose framing or checksum does not hold is a torn tail from an
// interrupted write: replay stops there and discards the remainder, so a
// partially written batch is never applied.

var errTornBatch = errors.New("torn journal batch")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maxBatchBytes = 256 * 1024 * 1024

// journalEntry is one repository record as it appears on disk.
type journalEntry struct {
	op           types.RecordType
	queueID      types.ConnectionID
	swapLocation string
	flowFile     *types.FlowFileRecord
}

func encodeEntry(w io.Writer, e journalEntry) error {
	if err := codec.WriteUint8(w, uint8(e.op)); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(e.queueID)); err != nil {
		return err
	}
	if err := codec.WriteString(w, e.swapLocation); err != nil {
		return err
	}
	return codec.WriteFlowFile(w, e.flowFile)
}

func decodeEntry(r io.Reader) (journalEntry, error) {
	var e journalEntry
	op, err := codec.ReadUint8(r)
	if err != nil {
		return e, err
	}
	e.op = types.RecordType(op)
	qid, err := codec.ReadString(r)
	if err != nil {
		return e, err
	}
	e.queueID = types.ConnectionID(qid)
	if e.swapLocation, err = codec.ReadString(r); err != nil {
		return e, err
	}
	if e.flowFile, err = codec.ReadFlowFile(r); err != nil {
		return e, err
	}
	return e, nil
}

// encodeBatch frames a set of entries as a single atomic journal batch.
func encodeBatch(entries []journalEntry) ([]byte, error) {
	var payload bytes.Buffer
	for _, e := range entries {
		if err := encodeEntry(&payload, e); err != nil {
			return nil, fmt.Errorf("encode journal entry: %w", err)
		}
	}

	var framed bytes.Buffer
	framed.Grow(payload.Len() + 12)
	if err := codec.WriteUint32(&framed, uint32(payload.Len())); err != nil {
		return nil, err
	}
	if err := codec.WriteUint32(&framed, uint32(len(entries))); err != nil {
		return nil, err
	}
	if _, err := framed.Write(payload.Bytes()); err != nil {
		return nil, err
	}
	if err := codec.WriteUint32(&framed, crc32.Checksum(payload.Bytes(), castagnoli)); err != nil {
		return nil, err
	}
	return framed.Bytes(), nil
}

// readBatch reads the next batch. io.EOF at a batch boundary is a clean end;
// anything short or checksum-invalid is errTornBatch.
func readBatch(r io.Reader) ([]journalEntry, error) {
	payloadLen, err := codec.ReadUint32(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errTornBatch
	}
	if payloadLen > maxBatchBytes {
		return nil, errTornBatch
	}
	count, err := codec.ReadUint32(r)
	if err != nil {
		return nil, errTornBatch
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errTornBatch
	}
	sum, err := codec.ReadUint32(r)
	if err != nil {
		return nil, errTornBatch
	}
	if sum != crc32.Checksum(payload, castagnoli) {
		return nil, errTornBatch
	}

	entries := make([]journalEntry, 0, count)
	pr := bytes.NewReader(payload)
	for i := uint32(0); i < count; i++ {
		e, err := decodeEntry(pr)
		if err != nil {
			return nil, errTornBatch
		}
		entries = append(entries, e)
	}
	return entries, nil
}
