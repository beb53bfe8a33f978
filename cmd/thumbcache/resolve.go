package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronosphereio/thumbcache/pkg/thumbnail"
)

func resolveCmd(flags *globalFlags) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "resolve PATH...",
		Short: "Print the thumbnail for each path, creating it if needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			var writeErrs int
			for _, path := range args {
				var thumb string
				if refresh {
					thumb, err = a.store.Refresh(cmd.Context(), path)
				} else {
					thumb, err = a.store.Resolve(cmd.Context(), path)
				}
				switch {
				case err == nil:
					fmt.Fprintf(out, "%s -> %s\n", path, thumb)
				case thumbnail.IsNoThumbnail(err):
					fmt.Fprintf(out, "%s -> %s (%v)\n", path, a.cfg.FallbackIcon, err)
				default:
					writeErrs++
					a.logger.Error("failed to resolve thumbnail", "path", path, "error", err)
					fmt.Fprintf(out, "%s -> %s (%v)\n", path, a.cfg.FallbackIcon, err)
				}
			}
			if writeErrs > 0 {
				return fmt.Errorf("%d of %d thumbnails could not be written", writeErrs, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Regenerate thumbnails even if cached or marked as failed")
	return cmd
}
