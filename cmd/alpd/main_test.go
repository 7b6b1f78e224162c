package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/d7afs"
)

func TestBuildCommand(t *testing.T) {
	tag := alp.RequestTag{TagID: 7, RespondWhenCompleted: true}

	tests := []struct {
		name   string
		args   []string
		want   []alp.Action
		tagged bool
	}{
		{
			name: "read",
			args: []string{"read", "2", "15"},
			want: []alp.Action{tag, alp.ReadFileData{
				FileOffset: alp.FileOffset{FileID: 2}, Length: 15,
			}},
			tagged: true,
		},
		{
			name: "read with offset",
			args: []string{"read", "0x40", "4", "0x10"},
			want: []alp.Action{tag, alp.ReadFileData{
				FileOffset: alp.FileOffset{FileID: 0x40, Offset: 16}, Length: 4,
			}},
			tagged: true,
		},
		{
			name: "write",
			args: []string{"write", "10", "42 00 10"},
			want: []alp.Action{tag, alp.WriteFileData{
				FileOffset: alp.FileOffset{FileID: 10}, Data: []byte{0x42, 0x00, 0x10},
			}},
			tagged: true,
		},
		{
			name:   "props",
			args:   []string{"props", "2"},
			want:   []alp.Action{tag, alp.ReadFileProperties{FileID: 2}},
			tagged: true,
		},
		{
			name: "create volatile",
			args: []string{"create", "0x41", "8", "volatile"},
			want: []alp.Action{tag, alp.CreateFile{FileID: 0x41, Header: d7afs.FileHeader{
				Permissions:      d7afs.SystemFilePermissions,
				Properties:       d7afs.NewProperties(false, d7afs.ActionOnWrite, d7afs.StorageVolatile),
				ALPCommandFileID: 0xFF,
				InterfaceFileID:  0xFF,
				Length:           8,
				AllocatedLength:  8,
			}}},
			tagged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tagged, err := buildCommand(tt.args, 7, "")
			if err != nil {
				t.Fatalf("buildCommand() error = %v", err)
			}
			want, err := alp.EncodeCommand(tt.want...)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
			if tagged != tt.tagged {
				t.Errorf("tagged = %t, want %t", tagged, tt.tagged)
			}
		})
	}
}

func TestBuildCommand_Raw(t *testing.T) {
	got, tagged, err := buildCommand([]string{"raw", "01 02 00 0F"}, 1, "")
	if err != nil {
		t.Fatalf("buildCommand() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x02, 0x00, 0x0F}, got); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	if tagged {
		t.Error("raw command should not be tagged")
	}
}

func TestBuildCommand_Forward(t *testing.T) {
	got, _, err := buildCommand([]string{"read", "2", "15"}, 1, "0000000000000002")
	if err != nil {
		t.Fatalf("buildCommand() error = %v", err)
	}
	actions, err := alp.ParseCommand(got)
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if len(actions) < 2 {
		t.Fatalf("got %d actions, want a request tag and a forward", len(actions))
	}
	if _, ok := actions[1].(alp.Forward); !ok {
		t.Errorf("second action = %T, want alp.Forward", actions[1])
	}
}

func TestBuildCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		uid  string
	}{
		{"no action", nil, ""},
		{"unknown action", []string{"erase", "1"}, ""},
		{"read without length", []string{"read", "2"}, ""},
		{"file id overflow", []string{"read", "256", "1"}, ""},
		{"bad hex", []string{"write", "10", "zz"}, ""},
		{"raw without payload", []string{"raw"}, ""},
		{"bad storage class", []string{"create", "1", "1", "flash"}, ""},
		{"bad uid", []string{"props", "1"}, "0102"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := buildCommand(tt.args, 1, tt.uid); err == nil {
				t.Error("buildCommand() should fail")
			}
		})
	}
}

func TestPrintResponse(t *testing.T) {
	msg := []byte{0x20, 0x02, 0x00, 0x02, 0xAA, 0xBB}

	var buf bytes.Buffer
	done, failed := printResponse(&buf, alp.AppendResponseTag(append([]byte(nil), msg...), 3, true, false), 3)
	if !done || failed {
		t.Errorf("printResponse() = (%t, %t), want (true, false)", done, failed)
	}
	if !strings.Contains(buf.String(), "file 2 @0: AA BB") {
		t.Errorf("output missing file data:\n%s", buf.String())
	}

	buf.Reset()
	done, failed = printResponse(&buf, alp.AppendResponseTag(nil, 3, false, false), 3)
	if done || failed {
		t.Errorf("non-terminal tag: printResponse() = (%t, %t), want (false, false)", done, failed)
	}

	buf.Reset()
	done, failed = printResponse(&buf, alp.AppendResponseTag(nil, 4, true, true), 3)
	if done || failed {
		t.Errorf("other tag: printResponse() = (%t, %t), want (false, false)", done, failed)
	}

	buf.Reset()
	done, failed = printResponse(&buf, alp.AppendResponseTag(nil, 3, true, true), 3)
	if !done || !failed {
		t.Errorf("error tag: printResponse() = (%t, %t), want (true, true)", done, failed)
	}
}

func TestPrintFiles(t *testing.T) {
	files := []d7afs.FileInfo{
		{ID: 0x02, Header: d7afs.FileHeader{
			Permissions:     d7afs.SystemFilePermissions,
			Properties:      d7afs.NewProperties(false, d7afs.ActionOnWrite, d7afs.StoragePermanent),
			Length:          15,
			AllocatedLength: 15,
		}, Backend: 1},
		{ID: 0x43, Header: d7afs.FileHeader{
			Properties:       d7afs.NewProperties(true, d7afs.ActionOnWrite, d7afs.StorageVolatile),
			ALPCommandFileID: 0x42,
			InterfaceFileID:  0x41,
			Length:           2048,
			AllocatedLength:  2048,
		}, Backend: 2},
	}

	var buf bytes.Buffer
	printFiles(&buf, files, false)
	out := buf.String()

	for _, want := range []string{"FIRMWARE_VERSION", "0x43", "file 66 via 65", "2.0 KiB", "2 files"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
