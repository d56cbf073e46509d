package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

func printResult(v interface{}) {
	if output == "json" {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	printTable(v)
}

func printTable(v interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	switch data := v.(type) {
	case []TaskRow:
		if len(data) == 0 {
			fmt.Println("No tasks found.")
			return
		}
		fmt.Fprintln(w, "TASK ID\tNAME\tLANG\tSTATUS\tRETRY\tCREATED")
		for _, t := range data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				t.TaskID[:8], truncate(t.Name, 30), t.Language, t.Status, t.RetryCount, t.MaxRetries, t.CreatedAt)
		}
	case TaskRow:
		fmt.Fprintf(w, "Task ID:\t%s\n", data.TaskID)
		fmt.Fprintf(w, "Name:\t%s\n", data.Name)
		fmt.Fprintf(w, "Language:\t%s\n", data.Language)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Retry:\t%d/%d\n", data.RetryCount, data.MaxRetries)
		fmt.Fprintf(w, "TTL:\t%ds\n", data.TTLSeconds)
		fmt.Fprintf(w, "Created:\t%s\n", data.CreatedAt)
		if data.StartedAt != "" {
			fmt.Fprintf(w, "Started:\t%s\n", data.StartedAt)
		}
		if data.CompletedAt != "" {
			fmt.Fprintf(w, "Completed:\t%s\n", data.CompletedAt)
		}
		if data.WorkerID != "" {
			fmt.Fprintf(w, "Worker:\t%s\n", data.WorkerID)
		}
		if data.Result != "" {
			fmt.Fprintf(w, "Result:\t%s\n", truncate(data.Result, 200))
		}
		if data.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:\t%s\n", data.ErrorMessage)
		}
	default:
		json.NewEncoder(os.Stdout).Encode(v)
	}
	w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
