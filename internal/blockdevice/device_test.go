package blockdevice

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func devices(t *testing.T, size uint32) map[string]Device {
	t.Helper()
	dir := t.TempDir()

	f, err := OpenFile(filepath.Join(dir, "dev.bin"), size)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })

	db, err := OpenBoltDB(filepath.Join(dir, "dev.db"))
	if err != nil {
		t.Fatalf("OpenBoltDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b, err := NewBolt(db, "permanent", size)
	if err != nil {
		t.Fatalf("NewBolt() error = %v", err)
	}

	return map[string]Device{
		"ram":  NewRAM(size, Erased),
		"file": f,
		"bolt": b,
	}
}

func TestDevice_ErasedByDefault(t *testing.T) {
	for name, dev := range devices(t, 1024) {
		t.Run(name, func(t *testing.T) {
			got := make([]byte, 16)
			if err := dev.Read(1000, got); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if want := bytes.Repeat([]byte{Erased}, 16); !bytes.Equal(got, want) {
				t.Errorf("Read() = %x, want %x", got, want)
			}
		})
	}
}

func TestDevice_ProgramRead(t *testing.T) {
	for name, dev := range devices(t, 1024) {
		t.Run(name, func(t *testing.T) {
			// crosses a bolt page boundary
			data := make([]byte, 300)
			for i := range data {
				data[i] = byte(i)
			}
			if err := dev.Program(200, data); err != nil {
				t.Fatalf("Program() error = %v", err)
			}

			got := make([]byte, len(data)+2)
			if err := dev.Read(199, got); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			want := append(append([]byte{Erased}, data...), Erased)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Read() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDevice_OutOfRange(t *testing.T) {
	for name, dev := range devices(t, 64) {
		t.Run(name, func(t *testing.T) {
			if dev.Size() != 64 {
				t.Errorf("Size() = %d, want 64", dev.Size())
			}
			if err := dev.Read(60, make([]byte, 5)); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Read() error = %v, want ErrOutOfRange", err)
			}
			if err := dev.Program(0xFFFFFFFF, []byte{1}); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Program() error = %v, want ErrOutOfRange", err)
			}
			if err := dev.Program(63, []byte{1}); err != nil {
				t.Errorf("Program() at last byte error = %v", err)
			}
		})
	}
}

func TestRAM_Fill(t *testing.T) {
	dev := NewRAM(8, 0)
	got := make([]byte, 8)
	if err := dev.Read(0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, make([]byte, 8)) {
		t.Errorf("Read() = %x, want zeros", got)
	}
}

func TestFile_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.bin")

	f, err := OpenFile(path, 128)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if err := f.Program(10, []byte("abc")); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := f.Read(0, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close error = %v, want ErrClosed", err)
	}

	f, err = OpenFile(path, 128)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer f.Close()
	got := make([]byte, 3)
	if err := f.Read(10, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("Read() = %q, want %q", got, "abc")
	}
}

func TestBolt_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.db")

	db, err := OpenBoltDB(path)
	if err != nil {
		t.Fatalf("OpenBoltDB() error = %v", err)
	}
	dev, err := NewBolt(db, "metadata", 512)
	if err != nil {
		t.Fatalf("NewBolt() error = %v", err)
	}
	if err := dev.Program(255, []byte{1, 2}); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	db.Close()

	db, err = OpenBoltDB(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()
	dev, err = NewBolt(db, "metadata", 512)
	if err != nil {
		t.Fatalf("NewBolt() error = %v", err)
	}
	got := make([]byte, 2)
	if err := dev.Read(255, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("Read() = %x, want 0102", got)
	}
}
