package btree

import (
	"bytes"
	"testing"
)

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x81, 0x00}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x81, 0x80, 0x00}},
		{1<<64 - 1, bytes.Repeat([]byte{0xff}, 9)},
	}
	for _, tt := range tests {
		buf := make([]byte, 9)
		n := PutVarint(buf, tt.v)
		if !bytes.Equal(buf[:n], tt.want) {
			t.Errorf("PutVarint(%#x) = % x, want % x", tt.v, buf[:n], tt.want)
		}
		if got := VarintLen(tt.v); got != len(tt.want) {
			t.Errorf("VarintLen(%#x) = %d, want %d", tt.v, got, len(tt.want))
		}
		v, m := GetVarint(tt.want)
		if v != tt.v || m != len(tt.want) {
			t.Errorf("GetVarint(% x) = %#x, %d", tt.want, v, m)
		}
	}
}

func TestVarintRoundTripBoundaries(t *testing.T) {
	buf := make([]byte, 9)
	for shift := 0; shift < 64; shift++ {
		for _, v := range []uint64{1<<shift - 1, 1 << shift, 1<<shift + 1} {
			n := PutVarint(buf, v)
			got, m := GetVarint(buf[:n])
			if got != v || m != n {
				t.Fatalf("round trip of %#x gave %#x (%d of %d bytes)", v, got, m, n)
			}
		}
	}
}

func TestGetVarintTruncated(t *testing.T) {
	buf := make([]byte, 9)
	n := PutVarint(buf, 1<<40)
	if _, m := GetVarint(buf[:n-1]); m != 0 {
		t.Errorf("truncated varint consumed %d bytes", m)
	}
	if _, m := GetVarint(nil); m != 0 {
		t.Errorf("empty input consumed %d bytes", m)
	}
}

func TestGetVarint32Clamps(t *testing.T) {
	buf := make([]byte, 9)
	n := PutVarint(buf, 1<<40)
	v, m := GetVarint32(buf[:n])
	if v != 0xffffffff || m != n {
		t.Errorf("GetVarint32 = %#x, %d", v, m)
	}
	n = PutVarint(buf, 300)
	if v, _ := GetVarint32(buf[:n]); v != 300 {
		t.Errorf("GetVarint32(300) = %d", v)
	}
}
