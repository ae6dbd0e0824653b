package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage"
)

// SQLite record format
//
// A record is a header followed by a body. The header is a varint giving
// the header length (itself included) and one serial type varint per
// column. The body holds the column values in order.
//
// Serial types:
//   0: NULL
//   1-6: big-endian signed integer of 1, 2, 3, 4, 6 or 8 bytes
//   7: IEEE 754 float64 (big-endian)
//   8, 9: the integer constants 0 and 1 (no body bytes)
//   N>=12 (even): BLOB of (N-12)/2 bytes
//   N>=13 (odd): TEXT of (N-13)/2 bytes

// SerialType is a column's serial type code.
type SerialType uint64

const (
	SerialTypeNull    SerialType = 0
	SerialTypeInt8    SerialType = 1
	SerialTypeInt16   SerialType = 2
	SerialTypeInt24   SerialType = 3
	SerialTypeInt32   SerialType = 4
	SerialTypeInt48   SerialType = 5
	SerialTypeInt64   SerialType = 6
	SerialTypeFloat64 SerialType = 7
	SerialTypeZero    SerialType = 8
	SerialTypeOne     SerialType = 9
)

// ValueType is the storage class of a Value.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeInteger
	TypeFloat
	TypeText
	TypeBlob
)

// Value is one column of a record. Text and blobs share Bytes.
type Value struct {
	Type  ValueType
	Int   int64
	Float float64
	Bytes []byte
}

func IntValue(i int64) Value     { return Value{Type: TypeInteger, Int: i} }
func FloatValue(f float64) Value { return Value{Type: TypeFloat, Float: f} }
func TextValue(s string) Value   { return Value{Type: TypeText, Bytes: []byte(s)} }
func BlobValue(b []byte) Value   { return Value{Type: TypeBlob, Bytes: b} }
func NullValue() Value           { return Value{} }

// String formats v the way the sqlite3 shell's quote() would.
func (v Value) String() string {
	switch v.Type {
	case TypeInteger:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeText:
		return strconv.Quote(string(v.Bytes))
	case TypeBlob:
		return fmt.Sprintf("X'%X'", v.Bytes)
	}
	return "NULL"
}

// SerialTypeFor returns the smallest serial type that holds v.
func SerialTypeFor(v Value) SerialType {
	switch v.Type {
	case TypeInteger:
		i := v.Int
		switch {
		case i == 0:
			return SerialTypeZero
		case i == 1:
			return SerialTypeOne
		case i >= math.MinInt8 && i <= math.MaxInt8:
			return SerialTypeInt8
		case i >= math.MinInt16 && i <= math.MaxInt16:
			return SerialTypeInt16
		case i >= -1<<23 && i < 1<<23:
			return SerialTypeInt24
		case i >= math.MinInt32 && i <= math.MaxInt32:
			return SerialTypeInt32
		case i >= -1<<47 && i < 1<<47:
			return SerialTypeInt48
		}
		return SerialTypeInt64
	case TypeFloat:
		return SerialTypeFloat64
	case TypeText:
		return SerialType(13 + 2*len(v.Bytes))
	case TypeBlob:
		return SerialType(12 + 2*len(v.Bytes))
	}
	return SerialTypeNull
}

// Len returns the number of body bytes used by a value of type st.
func (st SerialType) Len() int {
	switch st {
	case SerialTypeInt8:
		return 1
	case SerialTypeInt16:
		return 2
	case SerialTypeInt24:
		return 3
	case SerialTypeInt32:
		return 4
	case SerialTypeInt48:
		return 6
	case SerialTypeInt64, SerialTypeFloat64:
		return 8
	}
	if st >= 12 {
		return int(st-12) / 2
	}
	return 0
}

// MakeRecord encodes values as a record.
func MakeRecord(values ...Value) []byte {
	types := make([]SerialType, len(values))
	typesLen, bodyLen := 0, 0
	for i, v := range values {
		types[i] = SerialTypeFor(v)
		typesLen += storage.VarintLen(uint64(types[i]))
		bodyLen += types[i].Len()
	}
	// The header length counts its own varint.
	hdrLen := typesLen + 1
	for storage.VarintLen(uint64(hdrLen))+typesLen != hdrLen {
		hdrLen = storage.VarintLen(uint64(hdrLen)) + typesLen
	}

	buf := make([]byte, hdrLen+bodyLen)
	n := storage.PutVarint(buf, uint64(hdrLen))
	for _, st := range types {
		n += storage.PutVarint(buf[n:], uint64(st))
	}
	for i, v := range values {
		n += putValue(buf[n:], v, types[i])
	}
	return buf
}

func putValue(p []byte, v Value, st SerialType) int {
	switch st {
	case SerialTypeInt8, SerialTypeInt16, SerialTypeInt24, SerialTypeInt32, SerialTypeInt48, SerialTypeInt64:
		n := st.Len()
		u := uint64(v.Int)
		for i := n - 1; i >= 0; i-- {
			p[i] = byte(u)
			u >>= 8
		}
		return n
	case SerialTypeFloat64:
		binary.BigEndian.PutUint64(p, math.Float64bits(v.Float))
		return 8
	case SerialTypeNull, SerialTypeZero, SerialTypeOne:
		return 0
	}
	return copy(p, v.Bytes)
}

// ParseRecord decodes a record. Damaged records are reported as
// corruption.
func ParseRecord(data []byte) ([]Value, error) {
	hdrLen, n := storage.GetVarint(data)
	if n == 0 || hdrLen < uint64(n) || hdrLen > uint64(len(data)) {
		return nil, serrors.Corruptf(0, "record header length %d exceeds %d bytes", hdrLen, len(data))
	}
	var types []SerialType
	for off := n; off < int(hdrLen); {
		st, m := storage.GetVarint(data[off:hdrLen])
		if m == 0 {
			return nil, serrors.NewCorrupt(0, "record header ends inside a serial type")
		}
		if st == 10 || st == 11 {
			return nil, serrors.Corruptf(0, "reserved serial type %d", st)
		}
		types = append(types, SerialType(st))
		off += m
	}

	values := make([]Value, len(types))
	off := int(hdrLen)
	for i, st := range types {
		size := st.Len()
		if off+size > len(data) {
			return nil, serrors.Corruptf(0, "record column %d runs past the end of the record", i)
		}
		values[i] = parseValue(data[off:off+size], st)
		off += size
	}
	return values, nil
}

func parseValue(p []byte, st SerialType) Value {
	switch st {
	case SerialTypeNull:
		return NullValue()
	case SerialTypeZero:
		return IntValue(0)
	case SerialTypeOne:
		return IntValue(1)
	case SerialTypeFloat64:
		return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(p)))
	case SerialTypeInt8, SerialTypeInt16, SerialTypeInt24, SerialTypeInt32, SerialTypeInt48, SerialTypeInt64:
		// Sign-extend from the top byte.
		v := int64(int8(p[0]))
		for _, b := range p[1:] {
			v = v<<8 | int64(b)
		}
		return IntValue(v)
	}
	b := append([]byte(nil), p...)
	if st%2 == 0 {
		return BlobValue(b)
	}
	return Value{Type: TypeText, Bytes: b}
}
