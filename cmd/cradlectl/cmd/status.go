package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/cradle/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cradle state and per-source silence",
	RunE:  runStatus,
}

var rearmCmd = &cobra.Command{
	Use:   "rearm",
	Short: "Re-arm a detonated cradle",
	Long:  `Re-arming refreshes every source's silence clock and returns the cradle to the armed state.`,
	RunE:  runRearm,
}

var detonateCmd = &cobra.Command{
	Use:   "detonate",
	Short: "Force an immediate detonation",
	RunE:  runDetonate,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rearmCmd)
	rootCmd.AddCommand(detonateCmd)
}

func fetchStatus() (*models.CradleStatus, error) {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var status models.CradleStatus
	if err := doJSON(req, 200, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := fetchStatus()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	printStatus(status)
	return nil
}

func printStatus(status *models.CradleStatus) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")

	table.Append("Node", status.Node)
	table.Append("State", string(status.State))
	table.Append("Threshold", status.Threshold)
	if !status.ArmedSince.IsZero() {
		table.Append("Armed Since", status.ArmedSince.Format("2006-01-02 15:04:05"))
	}
	table.Append("Sources", fmt.Sprintf("%d", status.Sources))
	if status.LastEvent != nil {
		table.Append("Last Detonation", fmt.Sprintf("%s (%s)",
			status.LastEvent.FiredAt.Format("2006-01-02 15:04:05"), status.LastEvent.Reason))
	}
	table.Render()

	if len(status.Silence) > 0 {
		fmt.Println()
		silenceTable := tablewriter.NewWriter(os.Stdout)
		silenceTable.Header("Source", "Silence")
		for name, silence := range status.Silence {
			silenceTable.Append(name, silence)
		}
		silenceTable.Render()
	}
}

func runRearm(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/rearm", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	var resp map[string]string
	if err := doJSON(req, 200, &resp); err != nil {
		return err
	}
	fmt.Printf("Cradle re-armed (state: %s)\n", resp["state"])
	return nil
}

func runDetonate(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/detonate", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	var resp map[string]string
	if err := doJSON(req, 200, &resp); err != nil {
		return err
	}
	fmt.Printf("Cradle detonated (state: %s)\n", resp["state"])
	return nil
}
