package protocol

import (
	"encoding/binary"
	"time"
)

// Fields is a decoded flat TLV body: one value per record type, the last
// occurrence wins. Unknown types are kept so that newer writers do not
// lose data when an older reader rewrites the record.
type Fields map[byte][]byte

func ParseFields(data []byte) (Fields, error) {
	fields := make(Fields)
	for len(data) > 0 {
		lit, body, rest, err := TakeAnyWary(data)
		if err != nil {
			return nil, err
		}
		fields[lit] = body
		data = rest
	}
	return fields, nil
}

func (f Fields) String(lit byte) string {
	return string(f[lit])
}

func (f Fields) Bool(lit byte) bool {
	v := f[lit]
	return len(v) == 1 && v[0] == 1
}

func (f Fields) Uint(lit byte) uint64 {
	v := f[lit]
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (f Fields) Time(lit byte) time.Time {
	n := f.Uint(lit)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

func Str(lit byte, s string) []byte {
	return Record(lit, []byte(s))
}

func Bool(lit byte, b bool) []byte {
	if b {
		return Record(lit, []byte{1})
	}
	return Record(lit, []byte{0})
}

func Uint(lit byte, n uint64) []byte {
	return Record(lit, binary.BigEndian.AppendUint64(nil, n))
}

func Time(lit byte, t time.Time) []byte {
	if t.IsZero() {
		return Uint(lit, 0)
	}
	return Uint(lit, uint64(t.UnixNano()))
}
