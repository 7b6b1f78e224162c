package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/config"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/hostlink"
	"github.com/postalsys/alpd/internal/session"
)

// errActionFailed is returned when the node reports a failed command.
var errActionFailed = errors.New("command failed")

const execUsage = `raw <hex>
  read <file> <length> [offset]
  write <file> <hex> [offset]
  props <file>
  create <file> <length> [transient|volatile|restorable|permanent]`

func execCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		tag     uint8
		uid     string
	)

	cmd := &cobra.Command{
		Use:   "exec <action> [args]",
		Short: "Run an ALP command on a node",
		Long: `Build an ALP command, send it over the host link of a running node and
print the decoded response actions.

Actions:
  ` + execUsage + `

File ids, offsets and lengths accept decimal or 0x-prefixed hex. With
--uid the actions are forwarded over a D7A session to the node with that
UID.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, tagged, err := buildCommand(args, tag, uid)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := hostlink.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(ctx, payload); err != nil {
				return err
			}
			return receiveResponses(ctx, c, cmd.OutOrStdout(), tag, tagged)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "ws://127.0.0.1:7700/alp", "Host link URL of the node")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Time to wait for the response")
	cmd.Flags().Uint8Var(&tag, "tag", 1, "Request tag id")
	cmd.Flags().StringVar(&uid, "uid", "", "Forward over D7A to the node with this 16 hex digit UID")

	return cmd
}

// buildCommand encodes the command described by args. Except for raw
// commands, a request tag asking for a completion response is prepended;
// tagged reports whether it was.
func buildCommand(args []string, tag uint8, uid string) (cmd []byte, tagged bool, err error) {
	if len(args) == 0 {
		return nil, false, fmt.Errorf("missing action, want one of:\n  %s", execUsage)
	}

	if args[0] == "raw" {
		if len(args) != 2 {
			return nil, false, errors.New("usage: raw <hex>")
		}
		b, err := parseHex(args[1])
		if err != nil {
			return nil, false, err
		}
		return b, false, nil
	}

	action, err := buildAction(args)
	if err != nil {
		return nil, false, err
	}

	actions := []alp.Action{alp.RequestTag{TagID: tag, RespondWhenCompleted: true}}
	if uid != "" {
		id, err := config.ParseUID(uid)
		if err != nil {
			return nil, false, fmt.Errorf("uid: %w", err)
		}
		actions = append(actions, alp.Forward{Config: alp.D7ASPConfig{Config: session.Config{
			QoS:       session.NewQoS(session.RespModeAny, 0, false, false),
			Addressee: session.NewAddressee(session.IDTypeUID, 0x01, id[:]),
		}}})
	}
	actions = append(actions, action)

	cmd, err = alp.EncodeCommand(actions...)
	if err != nil {
		return nil, false, err
	}
	return cmd, true, nil
}

func buildAction(args []string) (alp.Action, error) {
	op, args := args[0], args[1:]

	switch op {
	case "read":
		if len(args) < 2 || len(args) > 3 {
			return nil, errors.New("usage: read <file> <length> [offset]")
		}
		id, err := parseUint(args[0], 8)
		if err != nil {
			return nil, err
		}
		length, err := parseUint(args[1], 32)
		if err != nil {
			return nil, err
		}
		offset, err := optionalUint(args, 2)
		if err != nil {
			return nil, err
		}
		return alp.ReadFileData{
			FileOffset: alp.FileOffset{FileID: uint8(id), Offset: uint32(offset)},
			Length:     uint32(length),
		}, nil

	case "write":
		if len(args) < 2 || len(args) > 3 {
			return nil, errors.New("usage: write <file> <hex> [offset]")
		}
		id, err := parseUint(args[0], 8)
		if err != nil {
			return nil, err
		}
		data, err := parseHex(args[1])
		if err != nil {
			return nil, err
		}
		offset, err := optionalUint(args, 2)
		if err != nil {
			return nil, err
		}
		return alp.WriteFileData{
			FileOffset: alp.FileOffset{FileID: uint8(id), Offset: uint32(offset)},
			Data:       data,
		}, nil

	case "props":
		if len(args) != 1 {
			return nil, errors.New("usage: props <file>")
		}
		id, err := parseUint(args[0], 8)
		if err != nil {
			return nil, err
		}
		return alp.ReadFileProperties{FileID: uint8(id)}, nil

	case "create":
		if len(args) < 2 || len(args) > 3 {
			return nil, errors.New("usage: create <file> <length> [storage class]")
		}
		id, err := parseUint(args[0], 8)
		if err != nil {
			return nil, err
		}
		length, err := parseUint(args[1], 32)
		if err != nil {
			return nil, err
		}
		class := d7afs.StoragePermanent
		if len(args) == 3 {
			if class, err = parseStorageClass(args[2]); err != nil {
				return nil, err
			}
		}
		return alp.CreateFile{FileID: uint8(id), Header: d7afs.FileHeader{
			Permissions:      d7afs.SystemFilePermissions,
			Properties:       d7afs.NewProperties(false, d7afs.ActionOnWrite, class),
			ALPCommandFileID: 0xFF,
			InterfaceFileID:  0xFF,
			Length:           uint32(length),
			AllocatedLength:  uint32(length),
		}}, nil

	default:
		return nil, fmt.Errorf("unknown action %q, want one of:\n  %s", op, execUsage)
	}
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}

func optionalUint(args []string, i int) (uint64, error) {
	if len(args) <= i {
		return 0, nil
	}
	return parseUint(args[i], 32)
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

func parseStorageClass(s string) (d7afs.StorageClass, error) {
	for _, c := range []d7afs.StorageClass{
		d7afs.StorageTransient, d7afs.StorageVolatile,
		d7afs.StorageRestorable, d7afs.StoragePermanent,
	} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid storage class %q", s)
}

// receiveResponses prints host output until the terminal response tag of
// tag arrives. Untagged commands end after the first message.
func receiveResponses(ctx context.Context, c *hostlink.Client, w io.Writer, tag uint8, tagged bool) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no complete response: %w", err)
			}
			return err
		}

		done, failed := printResponse(w, msg, tag)
		if !tagged || done {
			if failed {
				return errActionFailed
			}
			return nil
		}
	}
}

// printResponse writes the actions in msg to w, one per line. It reports
// whether msg holds the terminal tag of tag and whether that tag marks an
// error.
func printResponse(w io.Writer, msg []byte, tag uint8) (done, failed bool) {
	actions, err := alp.ParseCommand(msg)
	if err != nil {
		fmt.Fprintf(w, "% X (undecoded: %v)\n", msg, err)
	}
	for _, a := range actions {
		switch a := a.(type) {
		case alp.ReturnFileData:
			fmt.Fprintf(w, "file %d @%d: % X\n", a.FileID, a.Offset, a.Data)
		case alp.ActionStatus:
			fmt.Fprintf(w, "action %d: %s\n", a.Index, a.Status)
			if a.Status != alp.StatusOK {
				failed = true
			}
		case alp.ResponseTag:
			if a.TagID == tag && a.EOP {
				done = true
				failed = failed || a.Err
			}
			fmt.Fprintln(w, a)
		default:
			fmt.Fprintln(w, a)
		}
	}
	return done, failed
}
