package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Validate a JSON-lines observation file",
		Long: `Reads an observation file through the full ingestion path and reports
what would be inserted, without starting a server. Useful for vetting
survey metadata exports before deployment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)

			st := buildStack(cfg, logger)
			res, err := st.loadObservations(args[0], logger)
			if err != nil {
				return err
			}

			rejected := make([]string, 0, len(res.Rejected))
			for _, re := range res.Rejected {
				rejected = append(rejected, re.Error())
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"inserted":   res.Inserted,
				"duplicates": res.Duplicates,
				"rejected":   rejected,
			})
		},
	}
	return cmd
}
