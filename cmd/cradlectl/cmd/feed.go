package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/cradle/pkg/models"
	"github.com/psantana5/cradle/pkg/sysinfo"
)

var (
	feedToken    string
	feedInterval time.Duration
	feedSysinfo  bool
)

var feedCmd = &cobra.Command{
	Use:   "feed <source-id>",
	Short: "Send a liveness signal for a source",
	Long: `Feed resets the silence clock for one source. With --interval the
command keeps feeding until interrupted, which turns cradlectl into a
minimal watchdog agent.`,
	Args: cobra.ExactArgs(1),
	RunE: runFeed,
}

func init() {
	rootCmd.AddCommand(feedCmd)

	feedCmd.Flags().StringVar(&feedToken, "token", "", "per-source feed token (or CRADLE_FEED_TOKEN env var)")
	feedCmd.Flags().DurationVar(&feedInterval, "interval", 0, "feed repeatedly at this interval (0 = once)")
	feedCmd.Flags().BoolVar(&feedSysinfo, "sysinfo", false, "attach host health snapshot to the feed payload")
}

func runFeed(cmd *cobra.Command, args []string) error {
	sourceID := args[0]
	if feedToken == "" {
		feedToken = os.Getenv("CRADLE_FEED_TOKEN")
	}

	if feedInterval <= 0 {
		return feedOnce(sourceID)
	}

	fmt.Printf("Feeding source %s every %s (Ctrl-C to stop)\n", sourceID, feedInterval)
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()

	if err := feedOnce(sourceID); err != nil {
		return err
	}
	for range ticker.C {
		if err := feedOnce(sourceID); err != nil {
			// Keep feeding through transient failures; a dead daemon is
			// exactly when the operator wants retries, not an exit.
			fmt.Printf("Feed failed: %v\n", err)
		}
	}
	return nil
}

func feedOnce(sourceID string) error {
	var payload map[string]interface{}
	if feedSysinfo {
		payload = sysinfo.Collect().Map()
	}

	body, err := json.Marshal(map[string]interface{}{
		"nonce":   uint64(time.Now().UnixNano()),
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feed: %w", err)
	}

	req, err := CreateAuthenticatedRequest("POST", GetServerURL()+"/sources/"+sourceID+"/feed", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if feedToken != "" {
		req.Header.Set("X-Cradle-Token", feedToken)
	}

	var resp struct {
		Result models.SignalResult `json:"result"`
		State  models.CradleState  `json:"state"`
	}
	if err := doJSON(req, 200, &resp); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(output))
	} else {
		fmt.Printf("%s  result=%s state=%s\n", time.Now().Format(time.RFC3339), resp.Result, resp.State)
	}
	return nil
}
