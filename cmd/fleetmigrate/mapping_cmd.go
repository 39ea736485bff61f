package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/spf13/cobra"
)

var mappingApplyOrchestratorAddr string

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Validate or apply a deployment mapping template",
}

var mappingValidateCmd = &cobra.Command{
	Use:   "validate [template.json]",
	Short: "Load a mapping template and check it against disk-space and readiness rules",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := mapping.LoadTemplate(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load template: %v\n", err)
			os.Exit(1)
		}
		if err := mapping.Validate(m); err != nil {
			fmt.Fprintf(os.Stderr, "invalid mapping: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OK: %s mapping, %d source(s), %d destination(s)\n", m.Type, len(m.Sources), len(m.Destinations))
	},
}

var mappingApplyCmd = &cobra.Command{
	Use:   "apply [template.json]",
	Short: "Validate a mapping template and submit it to a running orchestrator",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMappingApply(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	mappingApplyCmd.Flags().StringVar(&mappingApplyOrchestratorAddr, "orchestrator", "http://localhost:8080", "operator HTTP address of a running orchestrator")
}

func runMappingApply(templatePath string) error {
	m, err := mapping.LoadTemplate(templatePath)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if err := mapping.Validate(m); err != nil {
		return fmt.Errorf("invalid mapping: %w", err)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(mappingApplyOrchestratorAddr+"/api/deployments", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit to orchestrator: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("orchestrator rejected deployment (status %d): %v", resp.StatusCode, out)
	}

	fmt.Printf("deployment accepted: %v\n", out["deployment_id"])
	return nil
}
