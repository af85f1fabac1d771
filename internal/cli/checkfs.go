package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/buildwatch/buildwatch/internal/store"
)

// NewCheckfsCommand reconciles the store against the filesystem: reports
// (does not delete) store entries whose directory is missing, and
// directories on disk no store entry references.
func NewCheckfsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkfs <config-file>",
		Short: "Cross-check the store against the www_root filesystem tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}
			return checkfs(o.Store, o.Cfg.WWWRoot, o.Cfg.Branch)
		},
	}
}

func checkfs(st *store.Store, wwwRoot, branch string) error {
	referenced := map[string]bool{}
	missing := 0

	check := func(dir string) {
		referenced[dir] = true
		if _, err := os.Stat(dir); err != nil {
			fmt.Printf("missing on disk: %s\n", dir)
			missing++
		}
	}

	for cid, c := range st.Data.Change {
		referenced[filepath.Join(wwwRoot, cid)] = true
		for _, b := range c.Build {
			check(filepath.Join(wwwRoot, cid, strconv.Itoa(b.Version), b.Parent))
			if len(b.Picked) > 0 {
				check(filepath.Join(wwwRoot, cid, strconv.Itoa(b.Version)+"-sep", b.Parent))
			}
		}
	}
	for cid, c := range st.Data.Done {
		referenced[filepath.Join(wwwRoot, cid)] = true
		for _, b := range c.Build {
			check(filepath.Join(wwwRoot, cid, strconv.Itoa(b.Version), b.Parent))
		}
	}
	for tag := range st.Data.Release {
		check(filepath.Join(wwwRoot, "release", branch, tag))
	}

	orphaned := 0
	entries, err := os.ReadDir(filepath.Join(wwwRoot, "release", branch))
	if err == nil {
		for _, e := range entries {
			dir := filepath.Join(wwwRoot, "release", branch, e.Name())
			if !referenced[dir] {
				fmt.Printf("orphaned on disk: %s\n", dir)
				orphaned++
			}
		}
	}
	topEntries, err := os.ReadDir(wwwRoot)
	if err == nil {
		for _, e := range topEntries {
			if !e.IsDir() || e.Name() == "release" {
				continue
			}
			dir := filepath.Join(wwwRoot, e.Name())
			if !referenced[dir] {
				fmt.Printf("orphaned on disk: %s\n", dir)
				orphaned++
			}
		}
	}

	fmt.Printf("%d missing, %d orphaned\n", missing, orphaned)
	return nil
}
