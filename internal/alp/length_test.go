package alp

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendLength(t *testing.T) {
	tests := []struct {
		value uint32
		want  []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{63, []byte{0x3F}},
		{64, []byte{0x40, 0x40}},
		{255, []byte{0x40, 0xFF}},
		{0x3FFF, []byte{0x7F, 0xFF}},
		{0x4000, []byte{0x80, 0x40, 0x00}},
		{0x3FFFFF, []byte{0xBF, 0xFF, 0xFF}},
		{0x400000, []byte{0xC0, 0x40, 0x00, 0x00}},
		{MaxLength, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		got, err := AppendLength(nil, tt.value)
		if err != nil {
			t.Fatalf("AppendLength(%d) error = %v", tt.value, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendLength(%d) = %x, want %x", tt.value, got, tt.want)
		}
		if LengthSize(tt.value) != len(tt.want) {
			t.Errorf("LengthSize(%d) = %d, want %d", tt.value, LengthSize(tt.value), len(tt.want))
		}
	}
}

func TestAppendLength_Overflow(t *testing.T) {
	if _, err := AppendLength(nil, MaxLength+1); !errors.Is(err, ErrLengthOverflow) {
		t.Errorf("AppendLength(2^30) error = %v, want ErrLengthOverflow", err)
	}
	if LengthSize(MaxLength+1) != 0 {
		t.Errorf("LengthSize(2^30) = %d, want 0", LengthSize(MaxLength+1))
	}
}

func TestLength_RoundTripAndMinimal(t *testing.T) {
	check := func(v uint32) {
		enc, err := AppendLength(nil, v)
		if err != nil {
			t.Fatalf("AppendLength(%d) error = %v", v, err)
		}

		got, err := ReadLength(bytes.NewReader(enc))
		if err != nil || got != v {
			t.Fatalf("ReadLength(%x) = %d, %v, want %d", enc, got, err, v)
		}
		parsed, n, err := ParseLength(enc)
		if err != nil || parsed != v || n != len(enc) {
			t.Fatalf("ParseLength(%x) = %d, %d, %v", enc, parsed, n, err)
		}

		// minimal: one byte iff v < 64, and no shorter encoding holds v
		if (len(enc) == 1) != (v < 64) {
			t.Fatalf("AppendLength(%d) uses %d bytes", v, len(enc))
		}
		if len(enc) > 1 && v < 1<<(6+8*(len(enc)-2)) {
			t.Fatalf("AppendLength(%d) = %x is not minimal", v, enc)
		}
	}

	for v := uint32(0); v < 1<<15; v++ {
		check(v)
	}
	for v := uint32(1 << 15); v <= MaxLength; v += 104729 {
		check(v)
	}
	check(MaxLength)
}

func TestReadLength_Truncated(t *testing.T) {
	for _, enc := range [][]byte{{}, {0x40}, {0x80, 0x01}, {0xC0, 0x01, 0x02}} {
		if _, err := ReadLength(bytes.NewReader(enc)); !errors.Is(err, ErrTruncated) {
			t.Errorf("ReadLength(%x) error = %v, want ErrTruncated", enc, err)
		}
		if _, _, err := ParseLength(enc); !errors.Is(err, ErrTruncated) {
			t.Errorf("ParseLength(%x) error = %v, want ErrTruncated", enc, err)
		}
	}
}

func TestFileOffset(t *testing.T) {
	off := FileOffset{FileID: 0x40, Offset: 300}
	enc, err := off.AppendBinary(nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x40, 0x41, 0x2C}; !bytes.Equal(enc, want) {
		t.Errorf("AppendBinary() = %x, want %x", enc, want)
	}
	if off.Size() != len(enc) {
		t.Errorf("Size() = %d, want %d", off.Size(), len(enc))
	}

	got, err := ReadFileOffset(bytes.NewReader(enc))
	if err != nil {
		t.Fatal(err)
	}
	if got != off {
		t.Errorf("ReadFileOffset() = %v, want %v", got, off)
	}
}
