package views

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	kindMember  = 'V'
	kindReverse = 'R'
	kindCount   = 'C'
	kindMeta    = 'M'
	kindSeq     = 'S'
)

// appendEscaped writes b in an order preserving, self delimiting form:
// 0x00 becomes 0x00 0xff and the component ends with 0x00 0x01.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0 {
			dst = append(dst, 0, 0xff)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0, 1)
}

func takeEscaped(b []byte) (component, rest []byte, ok bool) {
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			component = append(component, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, false
		}
		switch b[i+1] {
		case 0xff:
			component = append(component, 0)
			i++
		case 1:
			return component, b[i+2:], true
		default:
			return nil, nil, false
		}
	}
	return nil, nil, false
}

func viewPrefix(kind byte, view string) []byte {
	return appendEscaped([]byte{'I', kind}, []byte(view))
}

// memberSuffix locates a record inside a view: group, then sort key.
func memberSuffix(group string, sortKey []byte) []byte {
	return appendEscaped(appendEscaped(nil, []byte(group)), sortKey)
}

func memberKey(view string, suffix []byte, record string) []byte {
	key := viewPrefix(kindMember, view)
	key = append(key, suffix...)
	return append(key, record...)
}

func groupPrefix(view, group string) []byte {
	return appendEscaped(viewPrefix(kindMember, view), []byte(group))
}

func reverseKey(view, record string) []byte {
	return append(viewPrefix(kindReverse, view), record...)
}

func countKey(view, group string) []byte {
	return appendEscaped(viewPrefix(kindCount, view), []byte(group))
}

func metaKey(view string) []byte {
	return viewPrefix(kindMeta, view)
}

func indexedSeqKey(view string) []byte {
	return viewPrefix(kindSeq, view)
}

// TimeSortKey orders by time, earliest first. Times before 1970 sort
// before later ones as well.
func TimeSortKey(t time.Time) []byte {
	if t.IsZero() {
		return make([]byte, 8)
	}
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano())^(1<<63))
}

// DescTimeSortKey orders by time, latest first.
func DescTimeSortKey(t time.Time) []byte {
	key := TimeSortKey(t)
	for i := range key {
		key[i] = math.MaxUint8 - key[i]
	}
	return key
}

func UintSortKey(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}
