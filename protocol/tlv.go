// TLV layout follows ToyTLV (MIT licence) by Victor Grishchenko.
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol implements the compact TLV (Type-Length-Value) encoding
used for record payloads and persisted view metadata.

# Record Format

 1. Tiny (1 byte header), bodies of 0-9 bytes, lowercase type only:
    [('0' + body_length)]. The type is not kept.

 2. Short (2 byte header), bodies up to 255 bytes:
    [lowercase_type, body_length]

 3. Long (5 byte header), bodies up to 2GB:
    [uppercase_type, length_as_4byte_little_endian]

Types are letters A-Z. Every value this module writes is a flat sequence of
uppercase-typed records, one per field, so readers only ever need the wary
parsers: stored values may be damaged or written by another version.
*/
package protocol

import (
	"encoding/binary"
	"errors"
)

const caseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// peekHeader returns the record type ('A'-'Z', '0' for tiny, '-' for garbage,
// 0 for an incomplete header) and the header and body lengths.
func peekHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	switch b := data[0]; {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - caseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		n := binary.LittleEndian.Uint32(data[1:5])
		if n > 0x7fffffff {
			return '-', 0, 0
		}
		return b, 5, int(n)
	}
	return '-', 0, 0
}

func appendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := lit &^ caseBit
	if upper < 'A' || upper > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && lit&caseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen <= 0xff:
		return append(into, upper|caseBit, byte(bodylen))
	case bodylen > 0x7fffffff:
		panic("oversized TLV record")
	}
	into = append(into, upper)
	return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
}

// TakeWary extracts a record of the given type. An incomplete record
// returns the data untouched along with ErrIncomplete.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := peekHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAnyWary extracts the next record whatever its type.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	flit, hdrlen, bodylen := peekHeader(data)
	switch {
	case flit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	case flit == '-':
		return 0, nil, nil, ErrBadRecord
	}
	return flit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func totalLen(parts [][]byte) (n int) {
	for _, p := range parts {
		n += len(p)
	}
	return
}

// Append adds a record made of the concatenated body parts to into.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = appendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, totalLen(body)+5), lit, body...)
}

func Concat(parts ...[]byte) []byte {
	ret := make([]byte, 0, totalLen(parts))
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return ret
}
