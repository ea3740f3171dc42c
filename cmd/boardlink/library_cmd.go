package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Ankesh2004/boardlink/internal/library"
)

func openLibrary() (*library.Library, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return library.Open(cfg.Library.Root), nil
}

func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the local asset library",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <file>",
		Short: "Copy a file into the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("could not open file: %w", err)
			}
			defer f.Close()

			assetName := name
			if assetName == "" {
				assetName = filepath.Base(args[0])
			}
			e, err := lib.Add(assetName, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%d bytes, %s)\n", e.Name, e.Size, e.Identity[:16])
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Name to store the asset under (default: file name)")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List assets in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			entries := lib.List()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "library is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %10d  %s\n", e.Name, e.Size, e.Identity[:16])
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove an asset from the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			return lib.Remove(args[0])
		},
	}

	cmd.AddCommand(add, ls, rm)
	return cmd
}
