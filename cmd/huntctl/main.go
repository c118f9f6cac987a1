package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"huntd/pkg/client"
	"huntd/pkg/version"
)

var (
	serverURL string
	token     string
	apiKey    string
	output    string

	rootCmd = &cobra.Command{
		Use:           "huntctl",
		Short:         "Command-line client for the huntd hunt orchestration service",
		Version:       version.Build,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("HUNTD_URL", "http://127.0.0.1:8080"), "huntd base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("HUNTD_TOKEN"), "session token")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("HUNTD_API_KEY"), "API key")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL, token, apiKey)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
