package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// NameSize is the size of a binary log name.
const NameSize = 32

// MaxMetadataValue is the largest metadata value the wire format accepts.
// Lengths are carried in 32 bits but only 24 of them are significant.
const MaxMetadataValue = 1<<24 - 1

// recordHeaderSize is recno(8) + sec(8) + nsec(4) + accuracy(4) + len(4).
const recordHeaderSize = 28

// ErrShortBuffer is returned when an encoded value is truncated.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Record is the wire form of a single log record.
type Record struct {
	Recno    int64
	Sec      int64
	Nsec     int32
	Accuracy float32
	Payload  []byte
}

// MetadataEntry is one (tag, value) pair on the wire.
type MetadataEntry struct {
	Tag   uint32
	Value []byte
}

// AppendRecord appends the binary encoding of r to dst.
func AppendRecord(dst []byte, r Record) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Recno))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Sec))
	dst = binary.BigEndian.AppendUint32(dst, uint32(r.Nsec))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(r.Accuracy))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Payload)))
	return append(dst, r.Payload...)
}

// EncodeRecord returns the binary encoding of r.
func EncodeRecord(r Record) []byte {
	return AppendRecord(make([]byte, 0, recordHeaderSize+len(r.Payload)), r)
}

// DecodeRecord decodes a record produced by EncodeRecord.
// The returned payload does not alias b.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < recordHeaderSize {
		return Record{}, fmt.Errorf("record header: %w", ErrShortBuffer)
	}
	r := Record{
		Recno:    int64(binary.BigEndian.Uint64(b[0:8])),
		Sec:      int64(binary.BigEndian.Uint64(b[8:16])),
		Nsec:     int32(binary.BigEndian.Uint32(b[16:20])),
		Accuracy: math.Float32frombits(binary.BigEndian.Uint32(b[20:24])),
	}
	n := int(binary.BigEndian.Uint32(b[24:28]))
	rest := b[recordHeaderSize:]
	if len(rest) != n {
		return Record{}, fmt.Errorf("record payload: want %d bytes, have %d: %w", n, len(rest), ErrShortBuffer)
	}
	r.Payload = make([]byte, n)
	copy(r.Payload, rest)
	return r, nil
}

// EncodeRecordText encodes r for a single SSE data line.
func EncodeRecordText(r Record) string {
	return base64.StdEncoding.EncodeToString(EncodeRecord(r))
}

// DecodeRecordText reverses EncodeRecordText.
func DecodeRecordText(s string) (Record, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Record{}, fmt.Errorf("record text: %w", err)
	}
	return DecodeRecord(b)
}

// EncodeMetadata serializes entries as a count, then every (tag, length)
// header, then all values back to back.
func EncodeMetadata(entries []MetadataEntry) ([]byte, error) {
	if len(entries) > math.MaxUint16 {
		return nil, fmt.Errorf("metadata: too many entries (%d)", len(entries))
	}
	size := 2 + 8*len(entries)
	for _, e := range entries {
		if len(e.Value) > MaxMetadataValue {
			return nil, fmt.Errorf("metadata: value for tag %#08x too long (%d bytes)", e.Tag, len(e.Value))
		}
		size += len(e.Value)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, e.Tag)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
	}
	for _, e := range entries {
		buf = append(buf, e.Value...)
	}
	return buf, nil
}

// DecodeMetadata parses the output of EncodeMetadata. An empty buffer is
// an empty list.
func DecodeMetadata(b []byte) ([]MetadataEntry, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) < 2 {
		return nil, fmt.Errorf("metadata count: %w", ErrShortBuffer)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < 8*n {
		return nil, fmt.Errorf("metadata headers: %w", ErrShortBuffer)
	}
	entries := make([]MetadataEntry, n)
	total := 0
	for i := range entries {
		entries[i].Tag = binary.BigEndian.Uint32(b[8*i:])
		l := binary.BigEndian.Uint32(b[8*i+4:])
		if l > MaxMetadataValue {
			return nil, fmt.Errorf("metadata: value length %d exceeds 24 bits", l)
		}
		entries[i].Value = make([]byte, l)
		total += int(l)
	}
	data := b[8*n:]
	if len(data) != total {
		return nil, fmt.Errorf("metadata data: want %d bytes, have %d: %w", total, len(data), ErrShortBuffer)
	}
	for i := range entries {
		data = data[copy(entries[i].Value, data):]
	}
	return entries, nil
}
