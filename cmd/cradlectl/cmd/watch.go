package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var (
	watchInterval   time.Duration
	watchMetricsURL string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously watch cradle state",
	Long: `Watch polls the daemon status at a fixed interval and prints one line
per poll. With --metrics-url it also scrapes the Prometheus endpoint and
shows the cradle gauges alongside.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "poll interval")
	watchCmd.Flags().StringVar(&watchMetricsURL, "metrics-url", "", "Prometheus metrics endpoint to scrape (e.g. http://localhost:9121/metrics)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	fmt.Printf("Watching %s every %s (Ctrl-C to stop)\n", GetServerURL(), watchInterval)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	watchOnce()
	for range ticker.C {
		watchOnce()
	}
	return nil
}

func watchOnce() {
	now := time.Now().Format("15:04:05")

	status, err := fetchStatus()
	if err != nil {
		fmt.Printf("%s  ERROR %v\n", now, err)
		return
	}

	maxSilence := ""
	var worst time.Duration
	for name, raw := range status.Silence {
		if d, err := time.ParseDuration(raw); err == nil && d > worst {
			worst = d
			maxSilence = fmt.Sprintf("%s=%s", name, raw)
		}
	}

	line := fmt.Sprintf("%s  state=%s sources=%d", now, status.State, status.Sources)
	if maxSilence != "" {
		line += " worst_silence=" + maxSilence
	}
	fmt.Println(line)

	if watchMetricsURL != "" {
		printCradleMetrics()
	}
}

// printCradleMetrics scrapes and prints the daemon's own metric families
func printCradleMetrics() {
	resp, err := NewHTTPClient().Get(watchMetricsURL)
	if err != nil {
		fmt.Printf("    metrics: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		fmt.Printf("    metrics: parse error: %v\n", err)
		return
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, "cradle_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				if labels != "" {
					labels += ","
				}
				labels += lp.GetName() + "=" + lp.GetValue()
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			default:
				continue
			}
			if labels != "" {
				fmt.Printf("    %s{%s} %g\n", name, labels, value)
			} else {
				fmt.Printf("    %s %g\n", name, value)
			}
		}
	}
}
