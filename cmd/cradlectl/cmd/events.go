package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/cradle/pkg/models"
)

var (
	eventsLimit   int
	journalSource string
	journalLimit  int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List detonation history",
	RunE:  runEvents,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List the signal journal",
	Long:  `The journal records every signal the daemon saw and how it was handled, including rejected ones.`,
	RunE:  runJournal,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(journalCmd)

	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum events to show")
	journalCmd.Flags().StringVar(&journalSource, "source", "", "filter by source ID")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "maximum entries to show")
}

func runEvents(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/events?limit=%d", GetServerURL(), eventsLimit)
	req, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var events []models.DetonationEvent
	if err := doJSON(req, 200, &events); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(events) == 0 {
		fmt.Println("No detonations recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Fired At", "Reason", "Threshold", "Armed Since")
	for _, ev := range events {
		table.Append(
			ev.FiredAt.Format("2006-01-02 15:04:05"),
			ev.Reason,
			ev.Threshold,
			ev.ArmedSince.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/journal?limit=%d", GetServerURL(), journalLimit)
	if journalSource != "" {
		url += "&source=" + journalSource
	}
	req, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var entries []models.JournalEntry
	if err := doJSON(req, 200, &entries); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("Journal is empty")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Logged At", "Source", "Result", "Signal Time")
	for _, entry := range entries {
		table.Append(
			entry.LoggedAt.Format(time.RFC3339),
			entry.Signal.SourceID,
			string(entry.Result),
			entry.Signal.Timestamp.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}
