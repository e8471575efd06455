package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patientmap/patientmapd/internal/pipeline"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and manage patient graphs",
}

func init() {
	graphCmd.AddCommand(graphListCmd)
	graphCmd.AddCommand(graphOverviewCmd)
	graphCmd.AddCommand(graphReportCmd)
	graphCmd.AddCommand(graphClearCmd)
}

var graphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known patient graphs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		patients, err := a.graphs.ListPatients(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range patients {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

var graphOverviewCmd = &cobra.Command{
	Use:   "overview <patient-key>",
	Short: "Show a patient graph's node and edge counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		overview, err := a.graphs.Overview(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(overview, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var graphReportCmd = &cobra.Command{
	Use:   "report <patient-key>",
	Short: "Print a patient's final report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		report, err := a.graphs.GetAnnotation(cmd.Context(), args[0], pipeline.ReportAnnotationKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		return nil
	},
}

var graphClearCmd = &cobra.Command{
	Use:   "clear <patient-key>",
	Short: "Delete a patient graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		if err := a.graphs.DeletePatient(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted graph for %s\n", args[0])
		return nil
	},
}
