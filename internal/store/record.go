package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Record struct {
	FirstSeen time.Time
	LastSeen  time.Time
}

// Encode renders the record as "<first> <last>" in decimal Unix seconds.
func (r Record) Encode() []byte {
	return []byte(strconv.FormatInt(r.FirstSeen.Unix(), 10) + " " + strconv.FormatInt(r.LastSeen.Unix(), 10))
}

// DecodeRecord parses an encoded record. A record holding only the first
// timestamp is read with last equal to first.
func DecodeRecord(raw []byte) (Record, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("%w: empty value", ErrCorruptRecord)
	}

	first, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q", ErrCorruptRecord, raw)
	}

	last := first
	if len(fields) > 1 {
		last, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %q", ErrCorruptRecord, raw)
		}
	}

	return Record{FirstSeen: time.Unix(first, 0), LastSeen: time.Unix(last, 0)}, nil
}
