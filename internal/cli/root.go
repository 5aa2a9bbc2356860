// Package cli defines the Cobra command tree for the transcriptd CLI.
// This file contains the root command and shared helpers.
package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/avikram/transcriptd/internal/app"
)

var (
	configPath string
	jsonOut    bool
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "transcriptd",
	Short: "Chunked interview transcription service",
	Long: `Transcriptd ingests interview audio uploaded in overlapping chunks,
transcribes each chunk through a two-tier speech-to-text chain, and stitches
the per-chunk transcripts into one session transcript with the overlap
duplicates removed.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit JSON instead of human-readable output")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(chunkCmd)
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// newApp builds the application from the config flag and the environment.
// Callers must Close it.
func newApp() (*app.App, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, newLogger())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
