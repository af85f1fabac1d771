package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var metricsAddr string

// NewTestbuildsCommand builds the daemon's root command: no subcommands are
// required to run it (spec's "no arguments" main entry point, just a
// config file path), but `status` is attached for operator inspection
// without stopping the daemon.
func NewTestbuildsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testbuilds <config-file>",
		Short: "Run the continuous build/review daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := bootstrap(args[0])
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", o.Metrics.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Printf("metrics server: %s", err)
					}
				}()
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			fmt.Printf("buildwatch daemon started (config %s)\n", args[0])
			return o.RunForever(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9273", "Address to serve Prometheus metrics on; empty disables it")
	cmd.AddCommand(NewStatusCommand())
	return cmd
}
