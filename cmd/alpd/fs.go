package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/alpd/internal/config"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/node"
)

func fsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Inspect the file system of a stopped node",
		Long: `Open the storage described by the configuration and inspect it. The
storage is locked while a node runs, so these commands need the node to
be stopped.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	open := func() (*node.Storage, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return node.OpenStorage(cfg.Storage, cfg.Node.DataDir, nil, nil)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List defined files",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := st.Files.Files()
			if err != nil {
				return err
			}
			printFiles(cmd.OutOrStdout(), files, isTerminal(cmd.OutOrStdout()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cat <file>",
		Short: "Hex dump the content of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], 8)
			if err != nil {
				return err
			}
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			h, err := st.Files.ReadFileHeader(uint8(id))
			if err != nil {
				return fmt.Errorf("file %d: %w", id, err)
			}
			data := make([]byte, h.Length)
			if err := st.Files.ReadFile(uint8(id), 0, data); err != nil {
				return fmt.Errorf("file %d: %w", id, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
			return nil
		},
	})

	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var systemFileNames = func() map[uint8]string {
	names := make(map[uint8]string)
	for _, sf := range d7afs.SystemFiles() {
		names[sf.ID] = sf.Name
	}
	return names
}()

// printFiles writes the file table. Styling is applied only for terminals.
func printFiles(w io.Writer, files []d7afs.FileInfo, styled bool) {
	header := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	if !styled {
		header = lipgloss.NewStyle()
		dim = lipgloss.NewStyle()
	}

	const row = "%-5s %-18s %-10s %-10s %10s %10s %-6s %s\n"
	fmt.Fprint(w, header.Render(strings.TrimRight(fmt.Sprintf(row,
		"ID", "NAME", "CLASS", "BACKEND", "LENGTH", "ALLOCATED", "PERMS", "ACTION"), "\n")), "\n")

	var total uint64
	for _, f := range files {
		name := systemFileNames[f.ID]
		if name == "" {
			name = "-"
		}
		action := "-"
		if f.Header.Properties.ActionEnabled() {
			action = fmt.Sprintf("file %d via %d", f.Header.ALPCommandFileID, f.Header.InterfaceFileID)
		}
		fmt.Fprintf(w, row,
			fmt.Sprintf("0x%02X", f.ID),
			name,
			f.Header.Properties.StorageClass(),
			fs.BackendName(f.Backend),
			humanize.IBytes(uint64(f.Header.Length)),
			humanize.IBytes(uint64(f.Header.AllocatedLength)),
			fmt.Sprintf("0x%02X", f.Header.Permissions),
			action)
		total += uint64(f.Header.AllocatedLength)
	}

	fmt.Fprintln(w, dim.Render(fmt.Sprintf("%d files, %s allocated", len(files), humanize.IBytes(total))))
}
