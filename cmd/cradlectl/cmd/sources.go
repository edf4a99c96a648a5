package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/cradle/pkg/models"
)

var (
	registerAddress string
	registerType    string
	registerLabels  []string
)

// sourcesCmd represents the sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage signal sources",
	Long:  `Commands for listing, registering and removing the sources the cradle expects feeds from.`,
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered sources",
	RunE:  runSourcesList,
}

var sourcesRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new signal source",
	Long: `Register a source the cradle will track. The daemon returns a feed
token when source tokens are enabled; store it, it is shown only once.`,
	Args: cobra.ExactArgs(1),
	RunE: runSourcesRegister,
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <source-id>",
	Short: "Deregister a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcesRemove,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesRegisterCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)

	sourcesRegisterCmd.Flags().StringVar(&registerAddress, "address", "", "reachable address for peer sources")
	sourcesRegisterCmd.Flags().StringVar(&registerType, "type", "local", "source type: local or peer")
	sourcesRegisterCmd.Flags().StringSliceVar(&registerLabels, "label", nil, "labels as key=value (repeatable)")
}

func runSourcesList(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("GET", GetServerURL()+"/sources", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var sources []models.Source
	if err := doJSON(req, 200, &sources); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(sources, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(sources) == 0 {
		fmt.Println("No sources registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Type", "Last Seen", "Silence", "Feeds")

	now := time.Now()
	for _, src := range sources {
		table.Append(
			src.ID,
			src.Name,
			string(src.Type),
			src.LastSeen.Format(time.RFC3339),
			now.Sub(src.LastSeen).Truncate(time.Second).String(),
			fmt.Sprintf("%d", src.FeedCount),
		)
	}
	table.Render()
	fmt.Printf("\nTotal sources: %d\n", len(sources))
	return nil
}

func runSourcesRegister(cmd *cobra.Command, args []string) error {
	labels := make(map[string]string, len(registerLabels))
	for _, kv := range registerLabels {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return fmt.Errorf("invalid label %q, expected key=value", kv)
		}
		labels[parts[0]] = parts[1]
	}

	reg := models.SourceRegistration{
		Name:    args[0],
		Address: registerAddress,
		Type:    models.SourceType(registerType),
		Labels:  labels,
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/sources/register", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpResp, err := NewHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to cradled: %w", err)
	}
	defer httpResp.Body.Close()

	// 201 for a new source, 200 when re-registering an existing name
	if httpResp.StatusCode != 201 && httpResp.StatusCode != 200 {
		raw, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp struct {
		Source *models.Source `json:"source"`
		Token  string         `json:"token,omitempty"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Source registered: %s\n", resp.Source.ID)
	if resp.Token != "" {
		fmt.Printf("Feed token (save this, it is not shown again): %s\n", resp.Token)
	}
	return nil
}

func runSourcesRemove(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest("DELETE", GetServerURL()+"/sources/"+args[0], nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if err := doJSON(req, 204, nil); err != nil {
		return err
	}
	fmt.Printf("Source removed: %s\n", args[0])
	return nil
}
