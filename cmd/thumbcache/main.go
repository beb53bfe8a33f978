package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chronosphereio/thumbcache/pkg/config"
)

// globalFlags are shared by every subcommand and override the config file.
type globalFlags struct {
	configPath string
	size       string
	cacheDir   string
	workers    int
	verbose    bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "thumbcache",
		Short:         "Freedesktop thumbnail cache",
		Long:          "Create, look up and serve thumbnails from the freedesktop.org thumbnail cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.size, "size", "", "Thumbnail size class (normal or large)")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "Cache directory (thumbnails live in <cache-dir>/thumbnails)")
	pf.IntVar(&flags.workers, "workers", 0, "Dispatcher workers (default: CPU count - 1)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		resolveCmd(&flags),
		batchCmd(&flags),
		infoCmd(&flags),
		serveCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers .env, the config file, THUMBCACHE_* variables and
// command line flags, in that order.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	return config.Load(flags.configPath, flags.apply)
}

// apply copies the flags that were set onto cfg.
func (f *globalFlags) apply(cfg *config.Config) {
	if f.size != "" {
		cfg.Size = f.size
	}
	if f.cacheDir != "" {
		cfg.CacheDir = f.cacheDir
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
}

// newLogger returns a text logger on stderr. stdout is reserved for
// command output and the serve protocol.
func newLogger(level string) *slog.Logger {
	var lvl slog.LevelVar
	lvl.Set(parseLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
