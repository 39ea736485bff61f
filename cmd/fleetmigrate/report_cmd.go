package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/artemis/fleetmigrate/internal/store"
	"github.com/spf13/cobra"
)

var reportOutputPath string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect and export deployment history",
}

var reportExportCmd = &cobra.Command{
	Use:   "export [deployment-id]",
	Short: "Export the summary CSV recorded for a completed deployment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runReportExport(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	reportExportCmd.Flags().StringVar(&reportOutputPath, "output", "", "output path (default: <deployment-id>-summary.csv in the current directory)")
}

func runReportExport(deploymentID string) error {
	hist := store.NewHistoryManager(filepath.Join(dataDir(), "history.json"))
	entries, err := hist.LoadEntries()
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var found bool
	for _, e := range entries {
		if e.DeploymentID == deploymentID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no history entry for deployment %q", deploymentID)
	}

	summaryPath := filepath.Join(dataDir(), "summaries", deploymentID+".csv")
	data, err := os.ReadFile(summaryPath)
	if err != nil {
		return fmt.Errorf("summary for deployment %q not found (expected at %s): %w", deploymentID, summaryPath, err)
	}

	outPath := reportOutputPath
	if outPath == "" {
		outPath = deploymentID + "-summary.csv"
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Printf("exported %s\n", outPath)
	return nil
}
