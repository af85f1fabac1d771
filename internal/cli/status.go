package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/buildwatch/buildwatch/internal/orchestrator"
	"github.com/buildwatch/buildwatch/internal/scheduler"
	"github.com/buildwatch/buildwatch/internal/store"
)

var statusFollow bool
var statusInterval float64

// NewStatusCommand reports each tracked proposal's chain/build state,
// colorized, sorted the same way the scheduler would pick them next.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <config-file>",
		Short: "Show the build status of every tracked proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}
			if statusFollow {
				return followStatus(o)
			}
			return renderStatus(os.Stdout, o)
		},
	}
	cmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	cmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	return cmd
}

func followStatus(o *orchestrator.Orchestrator) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	for {
		fmt.Print("\033[H\033[2J")
		fmt.Printf("Every %.1fs: buildwatch status\n\n", statusInterval)
		if err := renderStatus(os.Stdout, o); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func renderStatus(w io.Writer, o *orchestrator.Orchestrator) error {
	data := o.Store.Data
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Fprintf(w, "Current release: %s\n", data.Current)
	if rel, found := data.Release[data.Current]; found {
		if store.IsBroken(rel.Result) == "" {
			fmt.Fprintf(w, "  %s\n", ok("OK"))
		} else {
			fmt.Fprintf(w, "  %s (broken: %s)\n", bad("BROKEN"), store.IsBroken(rel.Result))
		}
	}
	fmt.Fprintln(w)

	queue := scheduler.Sorted(data, time.Now().Unix())
	position := map[string]int{}
	for i, cid := range queue {
		position[cid] = i + 1
	}

	cids := make([]string, 0, len(data.Change))
	for cid := range data.Change {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool {
		pi, pj := position[cids[i]], position[cids[j]]
		if pi == 0 {
			pi = len(queue) + 1
		}
		if pj == 0 {
			pj = len(queue) + 1
		}
		return pi < pj
	})

	fmt.Fprintln(w, "Proposal Status")
	fmt.Fprintln(w, "──────────────────────────────────────")
	for _, cid := range cids {
		c := data.Change[cid]
		latest := c.LatestBuild()
		pos := position[cid]
		posStr := dim("-")
		if pos > 0 {
			posStr = fmt.Sprintf("#%d", pos)
		}
		if latest == nil {
			fmt.Fprintf(w, "  %-4s %-50s  %s v%d, never built\n", posStr, cid, dim("NEW"), c.Version)
			continue
		}
		broken := store.IsBroken(latest.Rebased)
		age := humanize.Time(time.Unix(latest.Time, 0))
		if broken == "" {
			fmt.Fprintf(w, "  %-4s %-50s  %s v%d (%s)\n", posStr, cid, ok("OK"), latest.Version, age)
		} else {
			fmt.Fprintf(w, "  %-4s %-50s  %s v%d, %s broken (%s)\n", posStr, cid, bad("BROKEN"), latest.Version, broken, age)
		}
	}

	return nil
}
