package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func infoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info PATH...",
		Short: "Show the cache entry for each path without creating anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for i, path := range args {
				e, err := a.store.Info(path)
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", path, err)
				}
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "source:    %s\n", e.Source)
				fmt.Fprintf(out, "uri:       %s\n", e.URI)
				fmt.Fprintf(out, "key:       %s\n", e.Key)
				fmt.Fprintf(out, "thumbnail: %s\n", e.ThumbnailPath)
				fmt.Fprintf(out, "fail:      %s (present: %t)\n", e.FailPath, e.Failed)
				if e.Metadata == nil {
					fmt.Fprintln(out, "metadata:  none")
					continue
				}
				m := e.Metadata
				fmt.Fprintf(out, "current:   %t\n", e.Current)
				fmt.Fprintf(out, "mtime:     %d (%s)\n", m.MTime, time.Unix(m.MTime, 0).Format(time.RFC3339))
				fmt.Fprintf(out, "size:      %d\n", m.Size)
				if m.Width > 0 {
					fmt.Fprintf(out, "original:  %dx%d\n", m.Width, m.Height)
				}
				if m.Software != "" {
					fmt.Fprintf(out, "software:  %s\n", m.Software)
				}
			}
			return nil
		},
	}
}
