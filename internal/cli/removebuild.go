package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/buildwatch/buildwatch/internal/orchestrator"
	"github.com/buildwatch/buildwatch/internal/store"
)

// NewRemovebuildCommand drops one build record (or, without a release tag,
// every build record) for a changeset, and removes its filesystem tree.
// Refuses to run while the daemon isn't paused via stop.please.
func NewRemovebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "removebuild <config-file> <changeset> [<release-tag>]",
		Short: "Delete a proposal's build record(s) and tree",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}
			if err := requireStopPlease(o.Cfg.WWWRoot); err != nil {
				return err
			}
			hrev := ""
			if len(args) == 3 {
				hrev = args[2]
			}
			if err := removebuild(o, args[1], hrev); err != nil {
				return err
			}
			return o.Store.Save()
		},
	}
}

func removebuild(o *orchestrator.Orchestrator, cid, hrev string) error {
	c, ok := o.Store.Data.Change[cid]
	if !ok {
		c, ok = o.Store.Data.Done[cid]
	}
	if !ok {
		return fmt.Errorf("removebuild: unknown changeset %s", cid)
	}

	if hrev == "" {
		o.Paths.DeleteChange(cid)
		c.Build = nil
		fmt.Printf("removed all builds for %s\n", cid)
		return nil
	}

	var kept []store.Build
	removed := 0
	for _, b := range c.Build {
		if b.Parent != hrev {
			kept = append(kept, b)
			continue
		}
		os.RemoveAll(o.Paths.WWW(cid, strconv.Itoa(b.Version), b.Parent, "", true))
		if len(b.Picked) > 0 {
			os.RemoveAll(o.Paths.WWW(cid, strconv.Itoa(b.Version), b.Parent, "", false))
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("removebuild: no build against %s for %s", hrev, cid)
	}
	c.Build = kept
	fmt.Printf("removed %d build(s) of %s against %s\n", removed, cid, hrev)
	return nil
}
