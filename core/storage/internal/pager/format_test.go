package pager

import (
	"errors"
	"testing"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

func TestParseDatabaseHeader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func() []byte
		wantErr error
	}{
		{
			name: "valid header",
			setup: func() []byte {
				return NewDatabaseHeader(4096, 0).Serialize()
			},
		},
		{
			name: "invalid magic",
			setup: func() []byte {
				data := make([]byte, DatabaseHeaderSize)
				copy(data, "Invalid format 3\x00")
				return data
			},
			wantErr: serrors.ErrNotADatabase,
		},
		{
			name:    "too short",
			setup:   func() []byte { return make([]byte, 50) },
			wantErr: serrors.ErrNotADatabase,
		},
		{
			name: "page size not a power of two",
			setup: func() []byte {
				data := NewDatabaseHeader(4096, 0).Serialize()
				data[OffsetPageSize] = 0x0f
				data[OffsetPageSize+1] = 0xa0
				return data
			},
			wantErr: serrors.ErrNotADatabase,
		},
		{
			name: "max page size",
			setup: func() []byte {
				return NewDatabaseHeader(MaxPageSize, 0).Serialize()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDatabaseHeader(tt.setup())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ParseDatabaseHeader() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseDatabaseHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseHeaderRoundTrip(t *testing.T) {
	h := NewDatabaseHeader(MaxPageSize, 8)
	h.FileChangeCounter = 7
	h.DatabaseSize = 42
	h.FreelistTrunk = 3
	h.FreelistCount = 5
	h.LargestRootPage = 9
	h.IncrementalVacuum = 1
	h.VersionValidFor = 7

	data := h.Serialize()
	if data[OffsetPageSize] != 0 || data[OffsetPageSize+1] != 1 {
		t.Fatalf("65536 stored as %x %x, want 00 01", data[OffsetPageSize], data[OffsetPageSize+1])
	}
	got, err := ParseDatabaseHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestDatabaseHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*DatabaseHeader)
	}{
		{"write format", func(h *DatabaseHeader) { h.FileFormatWrite = 3 }},
		{"read format", func(h *DatabaseHeader) { h.FileFormatRead = 0 }},
		{"payload fraction", func(h *DatabaseHeader) { h.MaxPayloadFrac = 60 }},
		{"usable size", func(h *DatabaseHeader) { h.ReservedSpace = 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewDatabaseHeader(512, 0)
			tt.modify(h)
			if err := h.Validate(); err == nil {
				t.Error("Validate() accepted an invalid header")
			}
		})
	}
}

func TestDatabaseHeaderUsesWAL(t *testing.T) {
	h := NewDatabaseHeader(DefaultPageSize, 0)
	if h.UsesWAL() {
		t.Error("new header reports WAL")
	}
	h.FileFormatWrite, h.FileFormatRead = 2, 2
	if !h.UsesWAL() {
		t.Error("format 2 header does not report WAL")
	}
}

func TestIsValidPageSize(t *testing.T) {
	for _, n := range []int{512, 1024, 4096, 32768, 65536} {
		if !IsValidPageSize(n) {
			t.Errorf("IsValidPageSize(%d) = false", n)
		}
	}
	for _, n := range []int{0, 256, 1000, 131072} {
		if IsValidPageSize(n) {
			t.Errorf("IsValidPageSize(%d) = true", n)
		}
	}
}
