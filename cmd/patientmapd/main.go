// Package main implements the patientmapd CLI: a multi-phase pipeline that
// builds and enriches per-patient knowledge graphs from external clinical
// data providers.
//
// Usage:
//
//	# Run the full pipeline for a patient
//	patientmapd run --config patientmapd.yaml P1
//
//	# Validate a configuration file
//	patientmapd validate --config patientmapd.yaml
//
//	# Inspect and manage patient graphs
//	patientmapd graph list
//	patientmapd graph overview P1
//	patientmapd graph clear P1
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the configuration file for all subcommands.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patientmapd",
	Short: "Clinical-research pipeline over per-patient knowledge graphs",
	Long: `patientmapd drives a patient record through four phases: intake builds
the knowledge graph, research enriches it with published evidence, a
specialist panel adds clinical assessments, and reporting produces a
reviewed final report. Progress is recorded on the graph so interrupted
runs resume where they stopped.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "patientmapd.yaml", "configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(graphCmd)
}
