package channellog

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// NameSize is the size in bytes of a binary log name.
const NameSize = 32

// PrintableNameLen is the length of the printable form of a log name.
const PrintableNameLen = 43

// Strict so that each name has exactly one printable form.
var nameEncoding = base64.RawURLEncoding.Strict()

// LogName identifies a log. The zero value is the reserved all-zero name
// and is not valid.
type LogName struct {
	internal [NameSize]byte
	alias    string
}

// ParseName converts a printable name or a human alias into a LogName.
//
// A 43-character string that decodes to exactly 32 bytes is taken as a
// printable name. Anything else is treated as an alias and hashed with
// SHA-256.
func ParseName(s string) (LogName, error) {
	if s == "" {
		return LogName{}, newError(KindNameFormat, "parse", StatusNameInvalid, fmt.Errorf("empty name"))
	}
	if len(s) == PrintableNameLen {
		if b, err := nameEncoding.DecodeString(s); err == nil && len(b) == NameSize {
			var n LogName
			copy(n.internal[:], b)
			return n, nil
		}
	}
	return NameFromAlias(s), nil
}

// MustParseName is like ParseName but panics on error.
func MustParseName(s string) LogName {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NameFromAlias hashes alias into a LogName, keeping the alias.
func NameFromAlias(alias string) LogName {
	return LogName{internal: sha256.Sum256([]byte(alias)), alias: alias}
}

// NameFromBytes builds a LogName from a 32-byte binary name.
func NameFromBytes(b []byte) (LogName, error) {
	if len(b) != NameSize {
		return LogName{}, newError(KindNameFormat, "parse", StatusNameInvalid,
			fmt.Errorf("binary name is %d bytes, want %d", len(b), NameSize))
	}
	var n LogName
	copy(n.internal[:], b)
	return n, nil
}

// NameFromInternal wraps a binary name.
func NameFromInternal(b [NameSize]byte) LogName {
	return LogName{internal: b}
}

// FormatName returns the printable form of a binary name.
func FormatName(b [NameSize]byte) string {
	return nameEncoding.EncodeToString(b[:])
}

// IsValidName reports whether b is usable as a log name. The all-zero
// name is reserved.
func IsValidName(b [NameSize]byte) bool {
	return b != [NameSize]byte{}
}

// Internal returns the binary name.
func (n LogName) Internal() [NameSize]byte { return n.internal }

// Printable returns the 43-character printable name.
func (n LogName) Printable() string { return FormatName(n.internal) }

// Alias returns the human alias the name was derived from, if any.
func (n LogName) Alias() string { return n.alias }

// IsValid reports whether n is not the reserved all-zero name.
func (n LogName) IsValid() bool { return IsValidName(n.internal) }

// Equal compares binary names; aliases are ignored.
func (n LogName) Equal(other LogName) bool { return n.internal == other.internal }

// String returns the printable name.
func (n LogName) String() string { return n.Printable() }
