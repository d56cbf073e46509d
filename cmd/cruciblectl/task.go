package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type TaskRow struct {
	TaskID       string `json:"task_id"`
	Name         string `json:"name"`
	Language     string `json:"language"`
	UserID       string `json:"user_id,omitempty"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	WorkerID     string `json:"worker_id,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
}

type TaskListResponse struct {
	Tasks      []TaskRow `json:"tasks"`
	NextCursor string    `json:"next_cursor"`
}

type SubmitResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	StatusHref string `json:"status_href"`
}

func isTerminal(status string) bool {
	switch status {
	case "COMPLETED", "FAILED", "EXPIRED", "CANCELLED":
		return true
	}
	return false
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task management commands",
}

var (
	submitName       string
	submitLanguage   string
	submitInput      string
	submitUser       string
	submitTTL        int64
	submitMaxRetries int
)

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <source-file>",
	Short: "Submit a source file for sandboxed execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		lang := submitLanguage
		if lang == "" {
			lang = languageFromExt(args[0])
		}
		name := submitName
		if name == "" {
			name = filepath.Base(args[0])
		}

		client := NewClient(apiURL)
		req := map[string]interface{}{
			"name":     name,
			"code":     string(code),
			"language": lang,
		}
		if submitInput != "" {
			req["input_data"] = submitInput
		}
		if submitUser != "" {
			req["user_id"] = submitUser
		}
		if submitTTL > 0 {
			req["ttl_seconds"] = submitTTL
		}
		if submitMaxRetries > 0 {
			req["max_retries"] = submitMaxRetries
		}

		var resp SubmitResponse
		if err := client.Post("/v1/tasks", req, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Task %s submitted (%s)\n", resp.TaskID, resp.Status)
	},
}

var (
	listStatus   string
	listLanguage string
	listUser     string
	listLimit    int
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(apiURL)

		q := url.Values{}
		if listStatus != "" {
			q.Set("status", strings.ToUpper(listStatus))
		}
		if listLanguage != "" {
			q.Set("language", listLanguage)
		}
		if listUser != "" {
			q.Set("user_id", listUser)
		}
		if listLimit > 0 {
			q.Set("limit", fmt.Sprintf("%d", listLimit))
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp TaskListResponse
		if err := client.Get(path, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(resp.Tasks)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]
		client := NewClient(apiURL)

		var resp TaskRow
		if err := client.Get("/v1/tasks/"+taskID, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(resp)
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Watch task until it reaches a terminal status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]
		client := NewClient(apiURL)

		for {
			var resp TaskRow
			if err := client.Get("/v1/tasks/"+taskID, &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Task %s: %s (retry %d/%d)\n", taskID[:8], resp.Status, resp.RetryCount, resp.MaxRetries)

			if isTerminal(resp.Status) {
				if resp.Result != "" {
					fmt.Printf("Result:\n%s\n", resp.Result)
				}
				if resp.ErrorMessage != "" {
					fmt.Printf("Error: %s\n", resp.ErrorMessage)
				}
				break
			}

			time.Sleep(1 * time.Second)
		}
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-queue a failed or expired task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]
		client := NewClient(apiURL)

		var resp TaskRow
		if err := client.Post("/v1/tasks/"+taskID+":retry", nil, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Task %s status: %s (retry %d/%d)\n", taskID, resp.Status, resp.RetryCount, resp.MaxRetries)
	},
}

var (
	updateFile  string
	updateName  string
	updateInput string
)

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a task that has not started yet",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]
		client := NewClient(apiURL)

		req := map[string]interface{}{}
		if updateFile != "" {
			code, err := os.ReadFile(updateFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			req["code"] = string(code)
		}
		if updateName != "" {
			req["name"] = updateName
		}
		if cmd.Flags().Changed("input") {
			req["input_data"] = updateInput
		}
		if len(req) == 0 {
			fmt.Fprintln(os.Stderr, "Error: nothing to update")
			os.Exit(1)
		}

		var resp TaskRow
		if err := client.Patch("/v1/tasks/"+taskID, req, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(resp)
	},
}

func languageFromExt(path string) string {
	switch filepath.Ext(path) {
	case ".py":
		return "python"
	case ".cs":
		return "csharp"
	}
	return ""
}

func init() {
	taskSubmitCmd.Flags().StringVarP(&submitName, "name", "n", "", "Task name (defaults to file name)")
	taskSubmitCmd.Flags().StringVarP(&submitLanguage, "language", "l", "", "Language (python, csharp; inferred from extension if omitted)")
	taskSubmitCmd.Flags().StringVarP(&submitInput, "input", "i", "", "Stdin data for the program")
	taskSubmitCmd.Flags().StringVarP(&submitUser, "user", "u", "", "User ID to attribute the task to")
	taskSubmitCmd.Flags().Int64Var(&submitTTL, "ttl", 0, "Task TTL in seconds")
	taskSubmitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "Retry budget")

	taskListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status")
	taskListCmd.Flags().StringVarP(&listLanguage, "language", "l", "", "Filter by language")
	taskListCmd.Flags().StringVarP(&listUser, "user", "u", "", "Filter by user ID")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "Page size")

	taskUpdateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "Replacement source file")
	taskUpdateCmd.Flags().StringVarP(&updateName, "name", "n", "", "Replacement task name")
	taskUpdateCmd.Flags().StringVarP(&updateInput, "input", "i", "", "Replacement stdin data")

	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskGetCmd, taskWatchCmd, taskRetryCmd, taskUpdateCmd)
	rootCmd.AddCommand(taskCmd)
}
