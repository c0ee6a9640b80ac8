package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkelley/sbsearch/internal/search"
)

// stdoutSink writes matches as JSON lines.
type stdoutSink struct {
	enc *json.Encoder
}

func (s *stdoutSink) Emit(_ context.Context, m search.Match) error {
	return s.enc.Encode(m)
}

func newSearchCmd() *cobra.Command {
	var (
		obsFile string
		startS  string
		stopS   string
	)

	cmd := &cobra.Command{
		Use:   "search [bodies...]",
		Short: "One-shot search of an observation file for the given bodies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)

			start, err := time.Parse(time.RFC3339, startS)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			stop, err := time.Parse(time.RFC3339, stopS)
			if err != nil {
				return fmt.Errorf("invalid --stop: %w", err)
			}

			st := buildStack(cfg, logger)
			st.restoreCache(logger)
			if _, err := st.loadObservations(obsFile, logger); err != nil {
				return err
			}

			report, err := st.matcher.Search(cmd.Context(), search.Query{
				Bodies: args,
				Start:  start,
				Stop:   stop,
			}, &stdoutSink{enc: json.NewEncoder(os.Stdout)})
			if err != nil {
				return err
			}

			// The report goes to stderr so stdout stays pure NDJSON.
			return json.NewEncoder(os.Stderr).Encode(report)
		},
	}

	cmd.Flags().StringVar(&obsFile, "observations", "", "JSON-lines observation file (required)")
	cmd.Flags().StringVar(&startS, "start", "", "query start, RFC 3339 (required)")
	cmd.Flags().StringVar(&stopS, "stop", "", "query stop, RFC 3339 (required)")
	cmd.MarkFlagRequired("observations")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("stop")
	return cmd
}
