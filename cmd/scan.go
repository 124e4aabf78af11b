package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadscan/internal/scan"
)

var (
	scanAccount     string
	scanURL         string
	scanDescription string
	scanKeywords    []string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one on-demand scan and print the leads as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Scan.Scan(ctx, scan.Request{
			AccountID:   scanAccount,
			URL:         scanURL,
			Description: scanDescription,
			Keywords:    scanKeywords,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanAccount, "account", "", "account ID (empty runs an anonymous teaser scan)")
	scanCmd.Flags().StringVar(&scanURL, "url", "", "business website URL")
	scanCmd.Flags().StringVar(&scanDescription, "description", "", "short business description")
	scanCmd.Flags().StringSliceVar(&scanKeywords, "keywords", nil, "search keywords (skips profile derivation)")
	rootCmd.AddCommand(scanCmd)
}
