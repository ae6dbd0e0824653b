package btree

// Variable-length integers use the SQLite encoding: big-endian groups of
// seven bits with the high bit set on every byte but the last. A ninth
// byte, when reached, contributes all eight bits.

// PutVarint writes v to p and returns the number of bytes written. p must
// hold at least VarintLen(v) bytes.
func PutVarint(p []byte, v uint64) int {
	if v <= 0x7f {
		p[0] = byte(v)
		return 1
	}
	if v <= 0x3fff {
		p[0] = byte(v>>7) | 0x80
		p[1] = byte(v & 0x7f)
		return 2
	}
	if v&(uint64(0xff000000)<<32) != 0 {
		p[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			p[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}

	// Groups are produced least significant first, then reversed.
	var buf [9]byte
	n := 0
	for ; v != 0; v >>= 7 {
		buf[n] = byte(v&0x7f) | 0x80
		n++
	}
	buf[0] &= 0x7f
	for i := 0; i < n; i++ {
		p[i] = buf[n-1-i]
	}
	return n
}

// GetVarint decodes a varint from p. It returns the value and the number
// of bytes consumed, or 0 bytes if p ends before the varint does.
func GetVarint(p []byte) (uint64, int) {
	if len(p) > 0 && p[0] < 0x80 {
		return uint64(p[0]), 1
	}
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(p) {
			return 0, 0
		}
		v = v<<7 | uint64(p[i]&0x7f)
		if p[i] < 0x80 {
			return v, i + 1
		}
	}
	if len(p) < 9 {
		return 0, 0
	}
	return v<<8 | uint64(p[8]), 9
}

// GetVarint32 is GetVarint for values expected to fit 32 bits. Larger
// values are clamped to 0xffffffff.
func GetVarint32(p []byte) (uint32, int) {
	if len(p) > 0 && p[0] < 0x80 {
		return uint32(p[0]), 1
	}
	if len(p) > 1 && p[1] < 0x80 {
		return uint32(p[0]&0x7f)<<7 | uint32(p[1]), 2
	}
	v, n := GetVarint(p)
	if v > 0xffffffff {
		return 0xffffffff, n
	}
	return uint32(v), n
}

// VarintLen returns the number of bytes PutVarint uses for v.
func VarintLen(v uint64) int {
	if v&(uint64(0xff000000)<<32) != 0 {
		return 9
	}
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}
