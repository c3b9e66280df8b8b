package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending sync queue",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

func init() {
	queueCmd.Flags().StringVar(&controlAddr, "addr", "", "Agent address (overrides SYNCNAPSE_AGENT_ADDR)")
	queueCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runQueue(cmd *cobra.Command, args []string) error {
	client := newControlClient()

	var resp struct {
		Items []struct {
			ID         string    `json:"id"`
			Kind       string    `json:"kind"`
			Action     string    `json:"action"`
			RetryCount int       `json:"retry_count"`
			Status     string    `json:"status"`
			CreatedAt  time.Time `json:"created_at"`
		} `json:"items"`
		LastSyncTime time.Time `json:"last_sync_time"`
		Status       string    `json:"status"`
	}
	if err := client.call("GET", "/queue", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Items) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tKIND\tACTION\tRETRIES\tSTATUS\tQUEUED")
	for _, it := range resp.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID,
			it.Kind,
			it.Action,
			it.RetryCount,
			it.Status,
			it.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}
