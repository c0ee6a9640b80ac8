// Command sbsearch finds observations of small Solar System bodies in
// wide-field survey image archives.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkelley/sbsearch/internal/config"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "sbsearch",
		Short:         "Search image archives for small Solar System bodies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	root.AddCommand(newServeCmd(), newSearchCmd(), newIngestCmd())

	if err := root.Execute(); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
