package channellog

import (
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
)

// RecnoLast addresses the most recently appended record. Any negative
// recno -n addresses the n-th record from the end.
const RecnoLast int64 = -1

// Timestamp is the server-assigned commit time of a record.
type Timestamp struct {
	Sec      int64
	Nsec     int32
	Accuracy float32 // seconds; zero when unknown
}

// TimestampFrom converts t.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
}

// Time converts ts to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec)).UTC()
}

// IsZero reports whether ts is unset.
func (ts Timestamp) IsZero() bool {
	return ts.Sec == 0 && ts.Nsec == 0
}

func (ts Timestamp) String() string {
	if ts.IsZero() {
		return "(none)"
	}
	s := ts.Time().Format(time.RFC3339Nano)
	if ts.Accuracy > 0 {
		s += fmt.Sprintf(" ±%gs", ts.Accuracy)
	}
	return s
}

// Datum is one record of a log. Values returned by the library own their
// payload and may be shared between goroutines.
type Datum struct {
	Recno     int64
	Timestamp Timestamp
	Payload   []byte
}

// NewDatum returns an unnumbered datum holding a copy of payload.
func NewDatum(payload []byte) Datum {
	return Datum{Payload: clone(payload)}
}

// Text returns the payload as a string.
func (d Datum) Text() string {
	return string(d.Payload)
}

// Len returns the payload length.
func (d Datum) Len() int {
	return len(d.Payload)
}

// Format writes a human readable description of d. With verbose the
// payload is always dumped; otherwise only printable text is shown.
func (d Datum) Format(w io.Writer, verbose bool) error {
	_, err := fmt.Fprintf(w, " >>> recno %d, len %d, ts %s\n", d.Recno, len(d.Payload), d.Timestamp)
	if err != nil {
		return err
	}
	switch {
	case utf8.Valid(d.Payload):
		_, err = fmt.Fprintf(w, "%s\n", d.Payload)
	case verbose:
		_, err = fmt.Fprintf(w, "% x\n", d.Payload)
	default:
		_, err = fmt.Fprintf(w, "(%d bytes binary)\n", len(d.Payload))
	}
	return err
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func datumFromRecord(r *protocol.Record) Datum {
	return Datum{
		Recno:     r.Recno,
		Timestamp: Timestamp{Sec: r.Sec, Nsec: r.Nsec, Accuracy: r.Accuracy},
		Payload:   r.Payload,
	}
}

func (d Datum) record() protocol.Record {
	return protocol.Record{
		Recno:    d.Recno,
		Sec:      d.Timestamp.Sec,
		Nsec:     d.Timestamp.Nsec,
		Accuracy: d.Timestamp.Accuracy,
		Payload:  d.Payload,
	}
}
