package cli

import (
	"github.com/spf13/cobra"
)

// NewReextractCommand re-runs log analysis and HTML rendering against an
// already-built combination's archived raw log, without re-invoking the
// compiler. Used to regenerate reports after a log-analyzer bug fix.
// Refuses to run while the daemon isn't paused via stop.please.
func NewReextractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reextract <config-file> <changeset> <version> <parent> <arch>",
		Short: "Regenerate a build's report from its archived raw log",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}
			if err := requireStopPlease(o.Cfg.WWWRoot); err != nil {
				return err
			}
			return o.Builder.Reextract(args[1], args[2], args[3], args[4])
		},
	}
}
