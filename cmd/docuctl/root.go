package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

// commandContext carries the persistent flags to subcommands.
type commandContext struct {
	apiURL  string
	apiKey  string
	timeout time.Duration
	json    bool
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.apiURL, c.apiKey, c.timeout)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "docuctl",
		Short:         "Operate the documentary render pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.apiURL, "api-url", envOr("DOCURENDER_API_URL", defaultAPIURL), "Base URL of the docurender API")
	rootCmd.PersistentFlags().StringVar(&ctx.apiKey, "api-key", os.Getenv("DOCURENDER_API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 10*time.Minute, "HTTP timeout per request")
	rootCmd.PersistentFlags().BoolVar(&ctx.json, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newRenderChapterCommand(ctx))
	rootCmd.AddCommand(newStitchCommand(ctx))
	rootCmd.AddCommand(newQualityCommand(ctx))
	rootCmd.AddCommand(newProgressCommand(ctx))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
