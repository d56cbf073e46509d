package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Observability commands (query a Prometheus-compatible endpoint)",
}

var promURL string

type PromResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Value  []interface{}     `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

var obsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show system summary metrics",
	Run: func(cmd *cobra.Command, args []string) {
		queries := map[string]string{
			"Task Success Rate": `sum(rate(crucible_task_total{status="COMPLETED"}[5m])) / sum(rate(crucible_task_total[5m])) * 100`,
			"HTTP Request Rate": `sum(rate(crucible_http_requests_total[5m]))`,
			"Queue Depth":       `crucible_task_queue_depth`,
			"Active Executions": `crucible_active_executions`,
		}

		for name, query := range queries {
			val := queryProm(promURL, query)
			fmt.Printf("%s: %s\n", name, val)
		}
	},
}

var obsLatencyCmd = &cobra.Command{
	Use:   "latency",
	Short: "Show latency metrics",
	Run: func(cmd *cobra.Command, args []string) {
		queries := map[string]string{
			"HTTP P95":        `histogram_quantile(0.95, sum(rate(crucible_http_request_duration_seconds_bucket[5m])) by (le))`,
			"Task P50":        `histogram_quantile(0.5, sum(rate(crucible_task_duration_seconds_bucket[5m])) by (le))`,
			"Task P95":        `histogram_quantile(0.95, sum(rate(crucible_task_duration_seconds_bucket[5m])) by (le))`,
			"Image Build P95": `histogram_quantile(0.95, sum(rate(crucible_sandbox_build_duration_seconds_bucket[5m])) by (le))`,
		}

		for name, query := range queries {
			val := queryProm(promURL, query)
			fmt.Printf("%s: %s\n", name, val)
		}
	},
}

var obsQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue metrics",
	Run: func(cmd *cobra.Command, args []string) {
		queries := map[string]string{
			"Queue Depth":             `crucible_task_queue_depth`,
			"Retry Rate":              `sum(rate(crucible_task_retry_total[5m]))`,
			"Duplicate Delivery Rate": `rate(crucible_duplicate_delivery_total[5m])`,
		}

		for name, query := range queries {
			val := queryProm(promURL, query)
			fmt.Printf("%s: %s\n", name, val)
		}
	},
}

var obsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Show TTL expiration metrics",
	Run: func(cmd *cobra.Command, args []string) {
		queries := map[string]string{
			"Expired Rate":         `rate(crucible_sweep_expired_total[5m])`,
			"Sweep Duration P95":   `histogram_quantile(0.95, sum(rate(crucible_sweep_duration_seconds_bucket[5m])) by (le))`,
			"Sandbox Kill Rate":    `sum(rate(crucible_sandbox_timeout_total[5m]))`,
			"Cleanup Failure Rate": `sum(rate(crucible_sandbox_cleanup_fail_total[5m]))`,
		}

		for name, query := range queries {
			val := queryProm(promURL, query)
			fmt.Printf("%s: %s\n", name, val)
		}
	},
}

func queryProm(baseURL, query string) string {
	resp, err := http.Get(baseURL + "/api/v1/query?query=" + url.QueryEscape(query))
	if err != nil {
		return "error: " + err.Error()
	}
	defer resp.Body.Close()

	var promResp PromResponse
	if err := json.NewDecoder(resp.Body).Decode(&promResp); err != nil {
		return "parse error"
	}

	if len(promResp.Data.Result) == 0 {
		return "no data"
	}

	result := promResp.Data.Result[0]
	if len(result.Value) >= 2 {
		return fmt.Sprintf("%v", result.Value[1])
	}
	return "no value"
}

func init() {
	obsCmd.PersistentFlags().StringVar(&promURL, "prom-url", "http://localhost:9090", "Prometheus-compatible query URL")
	obsCmd.AddCommand(obsSummaryCmd, obsLatencyCmd, obsQueueCmd, obsSweepCmd)
	rootCmd.AddCommand(obsCmd)
}
