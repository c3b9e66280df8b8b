package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List and requeue items that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered sync items",
	Args:  cobra.NoArgs,
	RunE:  runDeadLettersList,
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead letter back into the sync queue with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersRequeue,
}

func init() {
	deadLettersCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "Agent address (overrides SYNCNAPSE_AGENT_ADDR)")
	deadLettersCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	client := newControlClient()

	var resp struct {
		DeadLetters []struct {
			ID   string `json:"id"`
			Item struct {
				Kind   string `json:"kind"`
				Action string `json:"action"`
			} `json:"item"`
			Reason   string    `json:"reason"`
			FailedAt time.Time `json:"failed_at"`
		} `json:"dead_letters"`
	}
	if err := client.call("GET", "/dead-letters", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.DeadLetters) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tKIND\tACTION\tREASON\tFAILED")
	for _, dl := range resp.DeadLetters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			dl.ID,
			dl.Item.Kind,
			dl.Item.Action,
			dl.Reason,
			dl.FailedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func runDeadLettersRequeue(cmd *cobra.Command, args []string) error {
	client := newControlClient()
	if err := client.callJSON("POST", "/dead-letters/"+args[0]+"/requeue", nil, nil); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dead letter %s requeued.\n", args[0])
	return nil
}
