package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chronosphereio/thumbcache/pkg/dispatch"
)

func batchCmd(flags *globalFlags) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "batch DIR",
		Short: "Thumbnail every file in a directory using the worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := os.ReadDir(args[0])
			if err != nil {
				return err
			}
			var paths []string
			for _, e := range entries {
				if e.Type().IsRegular() {
					paths = append(paths, filepath.Join(args[0], e.Name()))
				}
			}

			d := a.newDispatcher()
			results := make(chan dispatch.Result, len(paths))
			sink := dispatch.ChanSink(results)
			for i, path := range paths {
				if err := d.Submit(path, i, sink); err != nil {
					d.Close()
					return err
				}
			}

			// Deliveries arrive in completion order; position restores
			// directory order.
			ordered := make([]dispatch.Result, len(paths))
			var fallbacks int
			for range paths {
				r := <-results
				ordered[r.Position] = r
				if r.Fallback {
					fallbacks++
				}
			}
			d.Close()

			out := cmd.OutOrStdout()
			for _, r := range ordered {
				fmt.Fprintf(out, "%d\t%s\t%s\n", r.Position, r.Source, r.Path)
			}
			fmt.Fprintf(out, "%d files, %d thumbnails, %d fallbacks (%d workers)\n",
				len(paths), len(paths)-fallbacks, fallbacks, d.Workers())

			if stats {
				for _, s := range a.latency.GetAllStats() {
					fmt.Fprintln(out, s.String())
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "Print latency statistics")
	return cmd
}
