package channellog

import "fmt"

// IOMode selects which operations a Handle permits.
type IOMode int

const (
	// ModeAny is used only internally; Open rejects it.
	ModeAny IOMode = iota
	ModeReadOnly
	ModeAppendOnly
	ModeReadAppend
)

// CanRead reports whether m permits reads, multireads and subscriptions.
func (m IOMode) CanRead() bool { return m == ModeReadOnly || m == ModeReadAppend }

// CanAppend reports whether m permits appends.
func (m IOMode) CanAppend() bool { return m == ModeAppendOnly || m == ModeReadAppend }

func (m IOMode) valid() bool { return m >= ModeReadOnly && m <= ModeReadAppend }

func (m IOMode) String() string {
	switch m {
	case ModeAny:
		return "any"
	case ModeReadOnly:
		return "ro"
	case ModeAppendOnly:
		return "ao"
	case ModeReadAppend:
		return "ra"
	default:
		return fmt.Sprintf("IOMode(%d)", int(m))
	}
}

// ParseIOMode accepts the short names printed by IOMode.String.
func ParseIOMode(s string) (IOMode, error) {
	switch s {
	case "ro", "read":
		return ModeReadOnly, nil
	case "ao", "append":
		return ModeAppendOnly, nil
	case "ra", "rw", "read-append":
		return ModeReadAppend, nil
	}
	return ModeAny, fmt.Errorf("unknown I/O mode %q", s)
}
