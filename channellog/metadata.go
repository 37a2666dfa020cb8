package channellog

import (
	"fmt"
	"iter"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
)

// Tag identifies a metadata field.
type Tag uint32

// Well-known metadata tags.
const (
	TagXID    Tag = 0x00584944 // external (human) name
	TagPubKey Tag = 0x00505542 // public key
	TagCTime  Tag = 0x0043544D // creation time
	TagCID    Tag = 0x00434944 // creator id
)

// MaxMetadataValue is the largest value Add accepts.
const MaxMetadataValue = protocol.MaxMetadataValue

func (t Tag) String() string {
	switch t {
	case TagXID:
		return "XID"
	case TagPubKey:
		return "PUBKEY"
	case TagCTime:
		return "CTIME"
	case TagCID:
		return "CID"
	}
	return fmt.Sprintf("%#08x", uint32(t))
}

type metadatum struct {
	tag   Tag
	value []byte
}

// Metadata is an ordered list of (tag, value) pairs. Tags may repeat.
// Metadata is attached to a log when it is created and cannot be changed
// afterwards.
type Metadata struct {
	entries []metadatum
}

// NewMetadata returns an empty list.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// Add appends a copy of value under tag. It does not replace existing
// entries with the same tag. Adding to a nil *Metadata fails; start from
// NewMetadata.
func (m *Metadata) Add(tag Tag, value []byte) error {
	if m == nil {
		return newError(KindInvalid, "metadata add", StatusBadRequest, fmt.Errorf("nil metadata"))
	}
	if len(value) > MaxMetadataValue {
		return newError(KindInvalid, "metadata add", StatusBadRequest,
			fmt.Errorf("value for %s is %d bytes, max %d", tag, len(value), MaxMetadataValue))
	}
	m.entries = append(m.entries, metadatum{tag: tag, value: clone(value)})
	return nil
}

// AddString is Add for string values.
func (m *Metadata) AddString(tag Tag, value string) error {
	return m.Add(tag, []byte(value))
}

// Find returns the value of the first entry with tag.
func (m *Metadata) Find(tag Tag) ([]byte, error) {
	if m != nil {
		for _, e := range m.entries {
			if e.tag == tag {
				return clone(e.value), nil
			}
		}
	}
	return nil, newError(KindNotFound, "metadata find", StatusNotFound,
		fmt.Errorf("no metadata with tag %s: %w", tag, ErrNotFound))
}

// Has reports whether an entry with tag exists.
func (m *Metadata) Has(tag Tag) bool {
	_, err := m.Find(tag)
	return err == nil
}

// Get returns the i-th entry.
func (m *Metadata) Get(i int) (Tag, []byte, error) {
	if i < 0 || i >= m.Len() {
		return 0, nil, newError(KindRange, "metadata get", StatusRange,
			fmt.Errorf("index %d out of range [0,%d)", i, m.Len()))
	}
	e := m.entries[i]
	return e.tag, clone(e.value), nil
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// All iterates over the entries in insertion order.
func (m *Metadata) All() iter.Seq2[Tag, []byte] {
	return func(yield func(Tag, []byte) bool) {
		if m == nil {
			return
		}
		for _, e := range m.entries {
			if !yield(e.tag, clone(e.value)) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := &Metadata{}
	if m == nil {
		return c
	}
	c.entries = make([]metadatum, len(m.entries))
	for i, e := range m.entries {
		c.entries[i] = metadatum{tag: e.tag, value: clone(e.value)}
	}
	return c
}

// MarshalBinary encodes m in the wire format used by create requests.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	return protocol.EncodeMetadata(m.wire())
}

// UnmarshalBinary replaces m with the decoded contents of b.
func (m *Metadata) UnmarshalBinary(b []byte) error {
	entries, err := protocol.DecodeMetadata(b)
	if err != nil {
		return err
	}
	m.entries = metadataFromWire(entries).entries
	return nil
}

func (m *Metadata) wire() []protocol.MetadataEntry {
	if m == nil {
		return nil
	}
	out := make([]protocol.MetadataEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = protocol.MetadataEntry{Tag: uint32(e.tag), Value: e.value}
	}
	return out
}

func metadataFromWire(entries []protocol.MetadataEntry) *Metadata {
	m := &Metadata{entries: make([]metadatum, len(entries))}
	for i, e := range entries {
		m.entries[i] = metadatum{tag: Tag(e.Tag), value: e.Value}
	}
	return m
}
