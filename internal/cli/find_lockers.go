package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildwatch/buildwatch/internal/store"
)

// NewFindLockersCommand lists which proposals still pin a given release
// tag as a build parent, so it's safe to check before deleting that
// release.
func NewFindLockersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "find_lockers <config-file> <release-tag>",
		Short: "List proposals whose build history pins a release",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}
			findLockers(o.Store, args[1])
			return nil
		},
	}
}

func findLockers(st *store.Store, tag string) {
	found := 0
	for _, group := range []map[string]*store.Change{st.Data.Change, st.Data.Done} {
		for cid, c := range group {
			for _, b := range c.Build {
				if b.Parent == tag {
					fmt.Printf("%s v%d\n", cid, b.Version)
					found++
				}
			}
		}
	}
	if found == 0 {
		fmt.Println("no lockers found")
	}
}
