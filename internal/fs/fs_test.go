package fs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/postalsys/alpd/internal/blockdevice"
)

type devs struct {
	meta, perm, vol *blockdevice.RAM
}

func newDevs() devs {
	return devs{
		meta: blockdevice.NewRAM(1024, blockdevice.Erased),
		perm: blockdevice.NewRAM(4096, blockdevice.Erased),
		vol:  blockdevice.NewRAM(1024, 0),
	}
}

func openStore(t *testing.T, d devs) *Store {
	t.Helper()
	s, err := New(Options{FileCount: 32, Metadata: d.meta, Permanent: d.perm, Volatile: d.vol})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	meta := blockdevice.NewRAM(1024, 0)
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"zero files", Options{FileCount: 0, Metadata: meta}, ErrInvalidLength},
		{"too many files", Options{FileCount: 257, Metadata: meta}, ErrInvalidLength},
		{"no metadata", Options{FileCount: 4}, ErrInvalidBackend},
		{"metadata too small", Options{FileCount: 200, Metadata: blockdevice.NewRAM(64, 0)}, ErrNoSpace},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); !errors.Is(err, tc.want) {
				t.Errorf("New() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestInit_FormatsOnce(t *testing.T) {
	d := newDevs()
	s, err := New(Options{FileCount: 8, Metadata: d.meta, Permanent: d.perm})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	formatted, err := s.Init()
	if err != nil || !formatted {
		t.Fatalf("Init() = %v, %v, want true, nil", formatted, err)
	}
	formatted, err = s.Init()
	if err != nil || formatted {
		t.Errorf("second Init() = %v, %v, want false, nil", formatted, err)
	}

	s2, _ := New(Options{FileCount: 8, Metadata: d.meta, Permanent: d.perm})
	formatted, err = s2.Init()
	if err != nil || formatted {
		t.Errorf("Init() on formatted device = %v, %v, want false, nil", formatted, err)
	}
}

func TestCreateReadWrite_RoundTrip(t *testing.T) {
	s := openStore(t, newDevs())

	if err := s.CreateFile(1, BackendPermanent, []byte{1, 2, 3}, 8); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	got := make([]byte, 8)
	if err := s.Read(1, 0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []byte{1, 2, 3, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("initial content mismatch (-want +got):\n%s", diff)
	}

	if err := s.Write(1, 4, []byte{9, 8}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got = make([]byte, 3)
	if err := s.Read(1, 3, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0xFF, 9, 8}) {
		t.Errorf("Read() = %x, want ff0908", got)
	}
}

func TestCreateFile_ErasedFill(t *testing.T) {
	s := openStore(t, newDevs())

	// longer than one fill chunk, on a zeroed device
	if err := s.CreateFile(3, BackendVolatile, nil, 150); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	got := make([]byte, 150)
	if err := s.Read(3, 0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if want := bytes.Repeat([]byte{0xFF}, 150); !bytes.Equal(got, want) {
		t.Errorf("content = %x, want all 0xFF", got)
	}
}

func TestCreateFile_Errors(t *testing.T) {
	s := openStore(t, newDevs())
	if err := s.CreateFile(5, BackendPermanent, nil, 4); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	tests := []struct {
		name    string
		id      uint8
		backend uint8
		data    []byte
		length  uint32
		want    error
	}{
		{"exists", 5, BackendPermanent, nil, 4, ErrAlreadyExists},
		{"id out of table", 40, BackendPermanent, nil, 4, ErrInvalidFileID},
		{"unbound backend", 6, 4, nil, 4, ErrInvalidBackend},
		{"zero length", 6, BackendPermanent, nil, 0, ErrInvalidLength},
		{"data too long", 6, BackendPermanent, []byte{1, 2, 3}, 2, ErrInvalidLength},
		{"no space", 6, BackendVolatile, nil, 2000, ErrNoSpace},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.CreateFile(tc.id, tc.backend, tc.data, tc.length)
			if !errors.Is(err, tc.want) {
				t.Errorf("CreateFile() error = %v, want %v", err, tc.want)
			}
		})
	}

	// the failed create must not disturb the existing file
	h, ok := s.Stat(5)
	if !ok || h.Length != 4 {
		t.Errorf("Stat(5) = %+v, %v", h, ok)
	}
}

func TestReadWrite_Bounds(t *testing.T) {
	s := openStore(t, newDevs())
	if err := s.CreateFile(2, BackendPermanent, nil, 10); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	tests := []struct {
		name    string
		offset  uint32
		length  int
		wantErr bool
	}{
		{"whole file", 0, 10, false},
		{"tail", 9, 1, false},
		{"empty at end", 10, 0, false},
		{"one past end", 9, 2, true},
		{"offset past end", 11, 0, true},
		{"overflowing offset", 0xFFFFFFFF, 2, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Read(2, tc.offset, make([]byte, tc.length))
			if tc.wantErr != errors.Is(err, ErrInvalidRange) || (!tc.wantErr && err != nil) {
				t.Errorf("Read() error = %v, wantErr %v", err, tc.wantErr)
			}
			err = s.Write(2, tc.offset, make([]byte, tc.length))
			if tc.wantErr != errors.Is(err, ErrBufferExceeded) || (!tc.wantErr && err != nil) {
				t.Errorf("Write() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestUndefinedFile(t *testing.T) {
	s := openStore(t, newDevs())

	if err := s.Read(7, 0, make([]byte, 1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
	if err := s.Write(7, 0, []byte{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Write() error = %v, want ErrNotFound", err)
	}
	if _, ok := s.Stat(7); ok {
		t.Error("Stat() ok = true for undefined file")
	}
	if _, ok := s.Stat(200); ok {
		t.Error("Stat() ok = true for id outside table")
	}
}

func TestNotInitialized(t *testing.T) {
	d := newDevs()
	s, err := New(Options{FileCount: 4, Metadata: d.meta, Permanent: d.perm})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.CreateFile(0, BackendPermanent, nil, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CreateFile() error = %v, want ErrNotInitialized", err)
	}
	if err := s.Read(0, 0, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Read() error = %v, want ErrNotInitialized", err)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	d := newDevs()
	s := openStore(t, d)

	if err := s.CreateFile(4, BackendPermanent, []byte("four"), 4); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFile(1, BackendPermanent, []byte("one!"), 6); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFile(9, BackendVolatile, []byte("tmp"), 3); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFile(2, BackendMetadata, []byte("md"), 2); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, d)
	tests := []struct {
		id   uint8
		want string
	}{
		{4, "four"},
		{1, "one!\xff\xff"},
		{2, "md"},
	}
	for _, tc := range tests {
		got := make([]byte, len(tc.want))
		if err := s2.Read(tc.id, 0, got); err != nil {
			t.Errorf("Read(%d) error = %v", tc.id, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("Read(%d) = %q, want %q", tc.id, got, tc.want)
		}
	}
	if _, ok := s2.Stat(9); ok {
		t.Error("volatile file survived restart")
	}

	// new files go after the reloaded ones
	if err := s2.CreateFile(3, BackendPermanent, []byte("x"), 1); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := s2.Read(4, 0, got); err != nil || string(got) != "four" {
		t.Errorf("Read(4) after create = %q, %v", got, err)
	}
	h3, _ := s2.Stat(3)
	h1, _ := s2.Stat(1)
	if h3.Address != h1.Address+h1.Length {
		t.Errorf("file 3 at %d, want %d", h3.Address, h1.Address+h1.Length)
	}
}

func TestInit_IntegrityFaults(t *testing.T) {
	t.Run("count exceeds capacity", func(t *testing.T) {
		d := newDevs()
		openStore(t, d)
		if err := d.meta.Program(countOffset, []byte{0, 0, 1, 0}); err != nil {
			t.Fatal(err)
		}
		s, _ := New(Options{FileCount: 32, Metadata: d.meta, Permanent: d.perm})
		if _, err := s.Init(); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Init() error = %v, want ErrIntegrity", err)
		}
	})

	t.Run("volatile header", func(t *testing.T) {
		d := newDevs()
		openStore(t, d)
		rec := []byte{BackendVolatile, 0, 0, 0, 0, 0, 0, 0, 4}
		if err := d.meta.Program(tableOffset, rec); err != nil {
			t.Fatal(err)
		}
		s, _ := New(Options{FileCount: 32, Metadata: d.meta, Permanent: d.perm, Volatile: d.vol})
		if _, err := s.Init(); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Init() error = %v, want ErrIntegrity", err)
		}
	})

	t.Run("magic does not stick", func(t *testing.T) {
		s, _ := New(Options{FileCount: 4, Metadata: readOnly{blockdevice.NewRAM(128, 0)}})
		if _, err := s.Init(); !errors.Is(err, ErrIntegrity) {
			t.Errorf("Init() error = %v, want ErrIntegrity", err)
		}
	})
}

// readOnly drops every program.
type readOnly struct{ blockdevice.Device }

func (readOnly) Program(uint32, []byte) error { return nil }

func TestRegisterBackend(t *testing.T) {
	s := openStore(t, newDevs())
	user := blockdevice.NewRAM(256, blockdevice.Erased)

	for _, idx := range []uint8{0, 1, 2, MaxBackends} {
		if err := s.RegisterBackend(idx, user); !errors.Is(err, ErrInvalidBackend) {
			t.Errorf("RegisterBackend(%d) error = %v, want ErrInvalidBackend", idx, err)
		}
	}
	if err := s.RegisterBackend(3, nil); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("RegisterBackend(nil) error = %v, want ErrInvalidBackend", err)
	}
	if err := s.RegisterBackend(3, user); err != nil {
		t.Fatalf("RegisterBackend(3) error = %v", err)
	}
	if err := s.RegisterBackend(3, user); !errors.Is(err, ErrInvalidBackend) {
		t.Errorf("second RegisterBackend(3) error = %v, want ErrInvalidBackend", err)
	}

	if err := s.CreateFile(10, 3, []byte{7}, 1); err != nil {
		t.Fatalf("CreateFile() on user backend error = %v", err)
	}
	h, _ := s.Stat(10)
	if h.Backend != 3 || h.Address != 0 {
		t.Errorf("Stat(10) = %+v", h)
	}
}

func TestModifiedCallback(t *testing.T) {
	s := openStore(t, newDevs())
	if err := s.CreateFile(6, BackendPermanent, nil, 4); err != nil {
		t.Fatal(err)
	}

	var calls []uint8
	cb := func(id uint8) {
		calls = append(calls, id)
		// the store must be usable from inside the callback
		s.Read(id, 0, make([]byte, 1))
	}

	if s.RegisterModifiedCallback(7, cb) {
		t.Error("RegisterModifiedCallback() on undefined file = true")
	}
	if !s.RegisterModifiedCallback(6, cb) {
		t.Fatal("RegisterModifiedCallback() = false")
	}
	if s.RegisterModifiedCallback(6, cb) {
		t.Error("second RegisterModifiedCallback() = true")
	}

	s.Write(6, 0, []byte{1})
	s.Write(6, 9, []byte{1}) // rejected, no callback
	if !cmp.Equal(calls, []uint8{6}) {
		t.Errorf("callbacks = %v, want [6]", calls)
	}

	if !s.UnregisterModifiedCallback(6) {
		t.Error("UnregisterModifiedCallback() = false")
	}
	if s.UnregisterModifiedCallback(6) {
		t.Error("second UnregisterModifiedCallback() = true")
	}
	s.Write(6, 0, []byte{2})
	if len(calls) != 1 {
		t.Errorf("callback ran after unregister: %v", calls)
	}
}

func TestFiles(t *testing.T) {
	s := openStore(t, newDevs())
	s.CreateFile(8, BackendPermanent, nil, 2)
	s.CreateFile(3, BackendVolatile, nil, 5)

	files := s.Files()
	if len(files) != 2 || files[0].ID != 3 || files[1].ID != 8 {
		t.Errorf("Files() = %+v", files)
	}
	if s.FileCount() != 32 {
		t.Errorf("FileCount() = %d, want 32", s.FileCount())
	}
}

func TestBackendName(t *testing.T) {
	tests := map[uint8]string{0: "metadata", 1: "permanent", 2: "volatile", 5: "user5"}
	for b, want := range tests {
		if got := BackendName(b); got != want {
			t.Errorf("BackendName(%d) = %q, want %q", b, got, want)
		}
	}
}
